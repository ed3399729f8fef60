// Package commands holds the deskrtc command line.
package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/deskrtc/internal/config"
)

// NewRootCmd builds the command tree. The loaded config is shared with
// subcommands through the returned closure state.
func NewRootCmd() *cobra.Command {
	var (
		cfgPath string
		cfg     config.Config
	)

	root := &cobra.Command{
		Use:   "deskrtc",
		Short: "Remote desktop client negotiating WebRTC over MQTT",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogger()
			loaded, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			cfg = *loaded
			if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&cfgPath, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	f.String("mode", "", "gin mode: debug, release or test")
	f.String("log-level", "", "log level")
	f.String("broker", "", "MQTT broker url")
	f.String("username", "", "MQTT username")
	f.String("password", "", "MQTT password")
	f.String("client-id", "", "fixed MQTT client id")
	f.Uint8("qos", 1, "MQTT QoS for signaling messages")
	f.Bool("insecure", false, "skip TLS verification of the broker")
	f.Duration("negotiation-timeout", 0, "overall negotiation timeout")
	f.Duration("answer-timeout", 0, "wait for the desktop answer")

	root.AddCommand(newConnectCmd(&cfg), newServeCmd(&cfg))
	return root
}

func initLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
