// Package config holds the server settings and binds them to flags and
// KV_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "kv"

const (
	DefaultBind         = "127.0.0.1"
	DefaultPort         = 6380
	DefaultMaxConns     = 1024
	DefaultMaxLineBytes = 64 * 1024
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Bind         string
	Port         int
	MaxConns     int
	MaxLineBytes int

	// HTTPAddr enables the HTTP gateway when non-empty.
	HTTPAddr string

	ReapInterval  time.Duration
	RateLimit     float64
	ShutdownGrace time.Duration

	LogLevel  string
	LogFormat string
}

func Defaults() Config {
	return Config{
		Bind:         DefaultBind,
		Port:         DefaultPort,
		MaxConns:     DefaultMaxConns,
		MaxLineBytes: DefaultMaxLineBytes,
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
	}
}

// Addr is the TCP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	switch {
	case c.MaxConns < 1:
		return fmt.Errorf("%w: max-conns must be at least 1, got %d", ErrInvalidConfig, c.MaxConns)
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.MaxLineBytes < 16:
		return fmt.Errorf("%w: max-line-bytes must be at least 16, got %d", ErrInvalidConfig, c.MaxLineBytes)
	case c.ReapInterval < 0:
		return fmt.Errorf("%w: reap-interval must not be negative", ErrInvalidConfig)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: rate-limit must not be negative", ErrInvalidConfig)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("%w: shutdown-grace must not be negative", ErrInvalidConfig)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log-format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// BindFlags registers every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("bind", d.Bind, "address to listen on")
	fs.Int("port", d.Port, "TCP port for the line protocol")
	fs.Int("max-conns", d.MaxConns, "maximum number of sessions served at once")
	fs.Int("max-line-bytes", d.MaxLineBytes, "longest accepted request line")
	fs.String("http-addr", "", "address for the HTTP gateway (/healthz, /metrics, /ws); empty disables it")
	fs.Duration("reap-interval", 0, "how often expired keys are purged in the background; 0 disables the reaper")
	fs.Float64("rate-limit", 0, "commands per second allowed per session; 0 means unlimited")
	fs.Duration("shutdown-grace", 0, "how long to wait for live sessions on shutdown; 0 stops accepting and exits")
	fs.String("log-level", d.LogLevel, "trace, debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "text or json")
}

// InitEnv makes v resolve KV_MAX_CONNS style variables for every key.
func InitEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads the settings from v, which should have the flags bound.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Bind:          v.GetString("bind"),
		Port:          v.GetInt("port"),
		MaxConns:      v.GetInt("max-conns"),
		MaxLineBytes:  v.GetInt("max-line-bytes"),
		HTTPAddr:      v.GetString("http-addr"),
		ReapInterval:  v.GetDuration("reap-interval"),
		RateLimit:     v.GetFloat64("rate-limit"),
		ShutdownGrace: v.GetDuration("shutdown-grace"),
		LogLevel:      v.GetString("log-level"),
		LogFormat:     v.GetString("log-format"),
	}
	return c, c.Validate()
}

// String returns a formatted summary for the startup log.
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-18s: %s\n", name, value))
	}
	orOff := func(d time.Duration) string {
		if d <= 0 {
			return "disabled"
		}
		return d.String()
	}

	addSection("Listener")
	addField("Address", c.Addr())
	addField("Max Connections", strconv.Itoa(c.MaxConns))
	addField("Max Line Bytes", strconv.Itoa(c.MaxLineBytes))
	if c.RateLimit > 0 {
		addField("Rate Limit", fmt.Sprintf("%g cmd/s per session", c.RateLimit))
	} else {
		addField("Rate Limit", "unlimited")
	}
	addField("Shutdown Grace", orOff(c.ShutdownGrace))

	addSection("Gateway")
	if c.HTTPAddr != "" {
		addField("HTTP Address", c.HTTPAddr)
	} else {
		addField("HTTP Address", "disabled")
	}

	addSection("Store")
	addField("Reap Interval", orOff(c.ReapInterval))

	addSection("Logging")
	addField("Level", c.LogLevel)
	addField("Format", c.LogFormat)
	return sb.String()
}
