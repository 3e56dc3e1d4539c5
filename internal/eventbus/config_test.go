package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Host:     "rabbit.internal",
		Port:     5672,
		Username: "cloud",
		Password: "secret",
		Exchange: "cloudstack-events",
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{TLS: TLSConfig{Enabled: true}}.WithDefaults()
	assert.Equal(t, "/", cfg.VirtualHost)
	assert.Equal(t, 10*time.Second, cfg.RetryInterval())
	assert.Equal(t, 10*time.Second, cfg.MaxRetryInterval())
	assert.Equal(t, DefaultDispatchWorkers, cfg.DispatchWorkers)
	assert.Equal(t, DefaultTLSProtocol, cfg.TLS.Protocol)

	cfg = Config{RetryIntervalMS: 500, MaxRetryIntervalMS: 4000}.WithDefaults()
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInterval())
	assert.Equal(t, 4*time.Second, cfg.MaxRetryInterval())
}

func TestConfigValidateRequired(t *testing.T) {
	cases := map[string]func(*Config){
		"host":        func(c *Config) { c.Host = "" },
		"port":        func(c *Config) { c.Port = 0 },
		"username":    func(c *Config) { c.Username = "" },
		"password":    func(c *Config) { c.Password = "" },
		"exchange":    func(c *Config) { c.Exchange = " " },
		"heartbeat_s": func(c *Config) { c.HeartbeatSeconds = -1 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, field, ce.Field)
		})
	}
}

func TestConfigValidatePortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 70000
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestConfigValidateTLSProtocol(t *testing.T) {
	cfg := validConfig()
	cfg.TLS = TLSConfig{Enabled: true, Protocol: "SSLv3"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.TLS.Protocol = "TLSv1.3"
	assert.NoError(t, cfg.Validate())
}

func TestConfigRedacted(t *testing.T) {
	cfg := validConfig().Redacted()
	assert.Equal(t, "***", cfg.Password)
}
