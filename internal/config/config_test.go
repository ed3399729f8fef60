package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.URL)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 10*time.Second, cfg.Session.NegotiationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Session.AnswerTimeout)
	assert.Equal(t, time.Second, cfg.Session.ICESourceTimeout)
	assert.Equal(t, uint16(10), cfg.Session.MaxRetransmits)
	assert.Nil(t, cfg.Session.ICESources)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
mqtt:
  url: wss://broker.example.com/mqtt
  username: alice
session:
  answer_timeout: 3s
  ice_sources:
    - name: global
      topic: server/ice-servers
`), 0o600))

	t.Setenv("DESKRTC_MQTT_PASSWORD", "secret")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	flags.String("broker", "", "")
	require.NoError(t, flags.Parse([]string{"--port", "9100"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "wss://broker.example.com/mqtt", cfg.MQTT.URL)
	assert.Equal(t, "alice", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, 3*time.Second, cfg.Session.AnswerTimeout)
	assert.Equal(t, []ICESourceConfig{{Name: "global", Topic: "server/ice-servers"}}, cfg.Session.ICESources)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  negotiation_timeout: 2s
  answer_timeout: 5s
`), 0o600))

	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "AnswerTimeout")
}

func TestValidateMode(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	cfg.Mode = "chaos"
	assert.Error(t, cfg.Validate())
}
