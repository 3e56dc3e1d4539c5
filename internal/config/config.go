// Package config loads the process configuration from a YAML file and
// EVENTBUS_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cloud-eventbus/internal/eventbus"
)

// Transports.
const (
	TransportRabbitMQ = "rabbitmq"
	TransportRedis    = "redis"
	TransportMemory   = "memory"
)

// Status stores.
const (
	StatusStoreMemory = "memory"
	StatusStoreRedis  = "redis"
)

const (
	defaultRedisAddr = "127.0.0.1:6379"
	defaultAdminAddr = ":8080"
)

// RedisConfig points at the Redis server used by the redis transport and
// the redis status store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// App is the complete process configuration.
type App struct {
	EventBus    eventbus.Config `yaml:"eventbus"`
	Transport   string          `yaml:"transport"`
	Redis       RedisConfig     `yaml:"redis"`
	StatusStore string          `yaml:"status_store"`
	AdminAddr   string          `yaml:"admin_addr"`
	LogLevel    string          `yaml:"log_level"`
}

// Load reads path (optional; empty skips the file) and applies environment
// overrides and defaults. The bus settings are validated by the bus itself
// on Start; Load only rejects values it owns.
func Load(path string) (App, error) {
	var app App
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return App{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if app, err = parse(data); err != nil {
			return App{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&app)
	app.applyDefaults()
	if err := app.Validate(); err != nil {
		return App{}, err
	}
	return app, nil
}

func parse(data []byte) (App, error) {
	var app App
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&app); err != nil {
		if errors.Is(err, io.EOF) {
			return App{}, nil
		}
		return App{}, fmt.Errorf("strict config parse error: %w", err)
	}
	return app, nil
}

func (a *App) applyDefaults() {
	if a.Transport == "" {
		a.Transport = TransportRabbitMQ
	}
	if a.StatusStore == "" {
		a.StatusStore = StatusStoreMemory
	}
	if a.Redis.Addr == "" {
		a.Redis.Addr = defaultRedisAddr
	}
	if a.AdminAddr == "" {
		a.AdminAddr = defaultAdminAddr
	}
	a.Transport = strings.ToLower(a.Transport)
	a.StatusStore = strings.ToLower(a.StatusStore)
}

// Validate checks the process-level settings.
func (a App) Validate() error {
	switch a.Transport {
	case TransportRabbitMQ, TransportRedis, TransportMemory:
	default:
		return &eventbus.ConfigError{Field: "transport", Reason: fmt.Sprintf("unknown transport %q", a.Transport)}
	}
	switch a.StatusStore {
	case StatusStoreMemory, StatusStoreRedis:
	default:
		return &eventbus.ConfigError{Field: "status_store", Reason: fmt.Sprintf("unknown status store %q", a.StatusStore)}
	}
	return nil
}

// Redacted returns a copy safe for logging.
func (a App) Redacted() App {
	a.EventBus = a.EventBus.Redacted()
	if a.Redis.Password != "" {
		a.Redis.Password = "***"
	}
	return a
}
