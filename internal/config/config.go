package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "DESKRTC"

type Config struct {
	Mode     string `mapstructure:"mode" validate:"oneof=debug release test"`
	Port     int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`

	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Session SessionConfig `mapstructure:"session"`
	Limiter LimiterConfig `mapstructure:"limiter"`
}

type MQTTConfig struct {
	URL                string        `mapstructure:"url" validate:"required,url"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	ClientID           string        `mapstructure:"client_id"`
	QoS                byte          `mapstructure:"qos" validate:"lte=2"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type SessionConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" validate:"gt=0"`
	AnswerTimeout      time.Duration `mapstructure:"answer_timeout" validate:"gt=0,ltefield=NegotiationTimeout"`
	ICESourceTimeout   time.Duration `mapstructure:"ice_source_timeout" validate:"gt=0"`
	// ICESources overrides the global and desktop scoped lists when set.
	ICESources     []ICESourceConfig `mapstructure:"ice_sources" validate:"dive"`
	MaxRetransmits uint16            `mapstructure:"max_retransmits" validate:"gte=1"`
}

type ICESourceConfig struct {
	Name  string `mapstructure:"name" validate:"required"`
	Topic string `mapstructure:"topic" validate:"required"`
}

// LimiterConfig bounds connect requests per desktop on the control API.
type LimiterConfig struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=1"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"mode":                "mode",
	"port":                "port",
	"log-level":           "log_level",
	"broker":              "mqtt.url",
	"username":            "mqtt.username",
	"password":            "mqtt.password",
	"client-id":           "mqtt.client_id",
	"qos":                 "mqtt.qos",
	"insecure":            "mqtt.insecure_skip_verify",
	"negotiation-timeout": "session.negotiation_timeout",
	"answer-timeout":      "session.answer_timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("mqtt.url", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.insecure_skip_verify", false)

	v.SetDefault("session.negotiation_timeout", "10s")
	v.SetDefault("session.answer_timeout", "5s")
	v.SetDefault("session.ice_source_timeout", "1s")
	v.SetDefault("session.max_retransmits", 10)

	v.SetDefault("limiter.attempts", 5)
	v.SetDefault("limiter.interval", "10s")
}

// Load reads path, or config/config.<CONFIG_ENV>.yaml when path is empty,
// then applies DESKRTC_* env vars and any changed flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	logger := log.With().Str("module", "config").Logger()

	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		logger.Warn().Str("file", path).Msg("config file not found, using defaults")
	} else {
		logger.Info().Str("file", path).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info().
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("broker", cfg.MQTT.URL).
		Msg("config ready")
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
