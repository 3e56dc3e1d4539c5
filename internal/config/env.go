package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"cloud-eventbus/internal/log"
)

// Environment variables read by Load.
const (
	EnvHost            = "EVENTBUS_HOST"
	EnvPort            = "EVENTBUS_PORT"
	EnvUsername        = "EVENTBUS_USERNAME"
	EnvPassword        = "EVENTBUS_PASSWORD"
	EnvVirtualHost     = "EVENTBUS_VHOST"
	EnvTLS             = "EVENTBUS_TLS"
	EnvTLSProtocol     = "EVENTBUS_TLS_PROTOCOL"
	EnvExchange        = "EVENTBUS_EXCHANGE"
	EnvRetryIntervalMS = "EVENTBUS_RETRY_INTERVAL_MS"
	EnvTransport       = "EVENTBUS_TRANSPORT"
	EnvRedisAddr       = "EVENTBUS_REDIS_ADDR"
	EnvStatusStore     = "EVENTBUS_STATUS_STORE"
	EnvAdminAddr       = "EVENTBUS_ADMIN_ADDR"
	EnvLogLevel        = "LOG_LEVEL"
)

func applyEnv(a *App) {
	logger := log.WithComponent("config")
	bus := &a.EventBus

	bus.Host = parseString(logger, EnvHost, bus.Host)
	bus.Port = parseInt(logger, EnvPort, bus.Port)
	bus.Username = parseString(logger, EnvUsername, bus.Username)
	bus.Password = parseString(logger, EnvPassword, bus.Password)
	bus.VirtualHost = parseString(logger, EnvVirtualHost, bus.VirtualHost)
	bus.TLS.Enabled = parseBool(logger, EnvTLS, bus.TLS.Enabled)
	bus.TLS.Protocol = parseString(logger, EnvTLSProtocol, bus.TLS.Protocol)
	bus.Exchange = parseString(logger, EnvExchange, bus.Exchange)
	bus.RetryIntervalMS = parseInt(logger, EnvRetryIntervalMS, bus.RetryIntervalMS)

	a.Transport = parseString(logger, EnvTransport, a.Transport)
	a.Redis.Addr = parseString(logger, EnvRedisAddr, a.Redis.Addr)
	a.StatusStore = parseString(logger, EnvStatusStore, a.StatusStore)
	a.AdminAddr = parseString(logger, EnvAdminAddr, a.AdminAddr)
	a.LogLevel = parseString(logger, EnvLogLevel, a.LogLevel)
}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "token") || strings.Contains(k, "secret")
}

// parseString returns the environment value of key, or current when the
// variable is unset or empty.
func parseString(logger zerolog.Logger, key, current string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if sensitive(key) {
		ev.Bool("sensitive", true).Msg("using environment variable")
	} else {
		ev.Str("value", value).Msg("using environment variable")
	}
	return value
}

func parseInt(logger zerolog.Logger, key string, current int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Int("current", current).
			Msg("invalid integer in environment variable, keeping configured value")
		return current
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

func parseBool(logger zerolog.Logger, key string, current bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		current = true
	case "false", "0", "no", "off":
		current = false
	default:
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Bool("current", current).
			Msg("invalid boolean in environment variable, keeping configured value")
		return current
	}
	logger.Debug().Str("key", key).Bool("value", current).Str("source", "environment").Msg("using environment variable")
	return current
}
