package eventbus

import (
	"strings"
	"time"

	"cloud-eventbus/internal/broker"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultVirtualHost     = "/"
	DefaultRetryIntervalMS = 10000
	DefaultDispatchWorkers = 16
	DefaultTLSProtocol     = "TLSv1.2"
)

// TLSConfig enables TLS towards the broker.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Protocol           string `yaml:"protocol"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Config holds the broker connection parameters of a bus.
type Config struct {
	Host        string    `yaml:"host"`
	Port        int       `yaml:"port"`
	Username    string    `yaml:"username"`
	Password    string    `yaml:"password"`
	VirtualHost string    `yaml:"virtual_host"`
	TLS         TLSConfig `yaml:"tls"`
	// Exchange is the topic exchange every event is published to.
	Exchange string `yaml:"exchange"`
	// RetryIntervalMS is the wait between reconnection attempts.
	RetryIntervalMS int `yaml:"retry_interval_ms"`
	// MaxRetryIntervalMS enables exponential backoff up to this bound when it
	// is larger than RetryIntervalMS.
	MaxRetryIntervalMS int    `yaml:"max_retry_interval_ms"`
	DispatchWorkers    int    `yaml:"dispatch_workers"`
	ConnectionName     string `yaml:"connection_name"`
	HeartbeatSeconds   int    `yaml:"heartbeat_s"`
}

// WithDefaults fills optional fields.
func (c Config) WithDefaults() Config {
	if c.VirtualHost == "" {
		c.VirtualHost = DefaultVirtualHost
	}
	if c.RetryIntervalMS <= 0 {
		c.RetryIntervalMS = DefaultRetryIntervalMS
	}
	if c.MaxRetryIntervalMS < c.RetryIntervalMS {
		c.MaxRetryIntervalMS = c.RetryIntervalMS
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = DefaultDispatchWorkers
	}
	if c.TLS.Enabled && c.TLS.Protocol == "" {
		c.TLS.Protocol = DefaultTLSProtocol
	}
	return c
}

// Validate checks the required fields.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return &ConfigError{Field: "host", Reason: "is required"}
	case c.Port == 0:
		return &ConfigError{Field: "port", Reason: "is required"}
	case c.Port < 0 || c.Port > 65535:
		return &ConfigError{Field: "port", Reason: "must be between 1 and 65535"}
	case c.Username == "":
		return &ConfigError{Field: "username", Reason: "is required"}
	case c.Password == "":
		return &ConfigError{Field: "password", Reason: "is required"}
	case strings.TrimSpace(c.Exchange) == "":
		return &ConfigError{Field: "exchange", Reason: "is required"}
	case c.RetryIntervalMS < 0:
		return &ConfigError{Field: "retry_interval_ms", Reason: "must not be negative"}
	case c.HeartbeatSeconds < 0:
		return &ConfigError{Field: "heartbeat_s", Reason: "must not be negative"}
	}
	if c.TLS.Enabled {
		if _, err := broker.TLSVersion(c.TLS.Protocol); err != nil {
			return &ConfigError{Field: "tls.protocol", Reason: err.Error()}
		}
	}
	return nil
}

// RetryInterval returns the base reconnection wait.
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

// MaxRetryInterval returns the upper bound of the reconnection wait.
func (c Config) MaxRetryInterval() time.Duration {
	return time.Duration(c.MaxRetryIntervalMS) * time.Millisecond
}

// Heartbeat returns the negotiated heartbeat interval, zero for the broker default.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}
