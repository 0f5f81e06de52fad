package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvFormat selects the handler: json or text.
	EnvFormat = "LOG_FORMAT"
	// EnvLevel is the minimum level: debug, info, warn or error.
	EnvLevel = "LOG_LEVEL"

	appName       = "open-connect"
	defaultFormat = "json"
	defaultLevel  = "info"
	redacted      = "[redacted]"
)

// secretKeys are attribute keys whose values never reach a log line.
var secretKeys = map[string]struct{}{
	"access_token":   {},
	"refresh_token":  {},
	"client_secret":  {},
	"api_key":        {},
	"app_key":        {},
	"token":          {},
	"secret_id":      {},
	"secret":         {},
	"password":       {},
	"authorization":  {},
	"webhook_secret": {},
}

type Config struct {
	Format string
	Level  slog.Level
}

type BootstrapOptions struct {
	Command string
	Writer  io.Writer
}

func DefaultConfig() Config {
	return Config{Format: defaultFormat, Level: slog.LevelInfo}
}

// LoadConfigFromEnv reads LOG_FORMAT and LOG_LEVEL. Empty values fall back
// to json and info.
func LoadConfigFromEnv() (Config, error) {
	format, err := parseFormat(os.Getenv(EnvFormat))
	if err != nil {
		return Config{}, err
	}
	level, err := parseLevel(os.Getenv(EnvLevel))
	if err != nil {
		return Config{}, err
	}
	return Config{Format: format, Level: level}, nil
}

// NewLogger builds a logger tagged with app and command. Credential-shaped
// attributes are replaced before they are written.
func NewLogger(cfg Config, writer io.Writer, command string) *slog.Logger {
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: redactSecrets}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	command = strings.TrimSpace(command)
	if command == "" {
		command = appName
	}
	return slog.New(handler).With("app", appName, "command", command)
}

// BootstrapFromEnv installs the env-configured logger as the slog default.
func BootstrapFromEnv(opts BootstrapOptions) (*slog.Logger, error) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg, opts.Writer, opts.Command)
	slog.SetDefault(logger)
	return logger, nil
}

// ForConnection scopes a logger to one connection.
func ForConnection(logger *slog.Logger, connectorName, connectionID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if connectionID == "" {
		return logger.With("connector_name", connectorName)
	}
	return logger.With("connector_name", connectorName, "connection_id", connectionID)
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	switch format {
	case "":
		return defaultFormat, nil
	case "json", "text":
		return format, nil
	default:
		return "", fmt.Errorf("%s must be one of: json, text", EnvFormat)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	level := strings.ToLower(strings.TrimSpace(raw))
	if level == "" {
		level = defaultLevel
	}
	var out slog.Level
	switch level {
	case "debug":
		out = slog.LevelDebug
	case "info":
		out = slog.LevelInfo
	case "warn", "warning":
		out = slog.LevelWarn
	case "error":
		out = slog.LevelError
	default:
		return 0, fmt.Errorf("%s must be one of: debug, info, warn, error", EnvLevel)
	}
	return out, nil
}
