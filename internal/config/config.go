package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

type EngineConfig struct {
	URL                   string `mapstructure:"url"`
	CommandTimeoutSeconds int    `mapstructure:"command_timeout_seconds"`
}

type StreamConfig struct {
	TargetAppID          string `mapstructure:"target_app_id"`
	ReconnectBaseDelayMs int    `mapstructure:"reconnect_base_delay_ms"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
}

type NotificationsConfig struct {
	Capacity       int `mapstructure:"capacity"`
	DismissGraceMs int `mapstructure:"dismiss_grace_ms"`
}

type ProgressConfig struct {
	DefaultTotalSteps int `mapstructure:"default_total_steps"`
	StepBuffer        int `mapstructure:"step_buffer"`
}

type SimulatorConfig struct {
	Listen         string `mapstructure:"listen"`
	StepIntervalMs int    `mapstructure:"step_interval_ms"`
	TotalSteps     int    `mapstructure:"total_steps"`
	UseX11         bool   `mapstructure:"use_x11"`
}

type Config struct {
	SocketPath    string              `mapstructure:"socket_path"`
	DatabasePath  string              `mapstructure:"database_path"`
	LogLevel      string              `mapstructure:"log_level"` // debug, info, warn, error
	Engine        EngineConfig        `mapstructure:"engine"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Progress      ProgressConfig      `mapstructure:"progress"`
	Simulator     SimulatorConfig     `mapstructure:"simulator"`
}

// Loader reads configuration from a file system (the OS one unless replaced
// in tests), the environment and defaults.
type Loader struct {
	v *viper.Viper
}

func NewLoader(fs afero.Fs) *Loader {
	v := viper.New()
	if fs != nil {
		v.SetFs(fs)
	}
	return &Loader{v: v}
}

// LoadConfig reads configuration from the OS file system.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(nil).Load(configPath)
}

func (l *Loader) Load(configPath string) (*Config, error) {
	v := l.v
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/focusplay")
		v.AddConfigPath("/etc/focusplay/")
	}

	v.SetEnvPrefix("FOCUSPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("socket_path", "/tmp/focusplay.sock")
	v.SetDefault("database_path", "focusplay.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("engine.url", "ws://127.0.0.1:7345/ws")
	v.SetDefault("engine.command_timeout_seconds", 5)
	v.SetDefault("stream.target_app_id", "")
	v.SetDefault("stream.reconnect_base_delay_ms", 1000)
	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("notifications.capacity", 10)
	v.SetDefault("notifications.dismiss_grace_ms", 1500)
	v.SetDefault("progress.default_total_steps", 100)
	v.SetDefault("progress.step_buffer", 20)
	v.SetDefault("simulator.listen", "127.0.0.1:7345")
	v.SetDefault("simulator.step_interval_ms", 500)
	v.SetDefault("simulator.total_steps", 100)
	v.SetDefault("simulator.use_x11", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Info("config file not found, using defaults")
		} else {
			return nil, err
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.validate()
	slog.Debug("configuration loaded", "config", cfg)
	return &cfg, nil
}

func (c *Config) validate() {
	if c.Engine.CommandTimeoutSeconds < 1 {
		slog.Warn("engine.command_timeout_seconds too low, setting to 1")
		c.Engine.CommandTimeoutSeconds = 1
	}
	if c.Stream.ReconnectBaseDelayMs < 10 {
		slog.Warn("stream.reconnect_base_delay_ms too low, setting to 10")
		c.Stream.ReconnectBaseDelayMs = 10
	}
	if c.Stream.MaxReconnectAttempts < 1 {
		slog.Warn("stream.max_reconnect_attempts too low, setting to 1")
		c.Stream.MaxReconnectAttempts = 1
	}
	if c.Notifications.Capacity < 1 {
		slog.Warn("notifications.capacity too low, setting to 10")
		c.Notifications.Capacity = 10
	}
	if c.Notifications.DismissGraceMs < 0 {
		c.Notifications.DismissGraceMs = 0
	}
	if c.Simulator.StepIntervalMs < 1 {
		c.Simulator.StepIntervalMs = 1
	}
	if _, ok := ParseLevel(c.LogLevel); !ok {
		slog.Warn("invalid log_level, defaulting to info", "log_level", c.LogLevel)
		c.LogLevel = "info"
	}
}

// Watch reloads the file on change and passes the new configuration to fn.
// Nothing is watched when defaults were used.
func (l *Loader) Watch(fn func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}

// ParseLevel maps a log_level value onto a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func (e EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(e.CommandTimeoutSeconds) * time.Second
}

func (s StreamConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(s.ReconnectBaseDelayMs) * time.Millisecond
}

func (n NotificationsConfig) DismissGrace() time.Duration {
	return time.Duration(n.DismissGraceMs) * time.Millisecond
}

func (s SimulatorConfig) StepInterval() time.Duration {
	return time.Duration(s.StepIntervalMs) * time.Millisecond
}
