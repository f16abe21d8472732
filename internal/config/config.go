package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding configuration
// keys, e.g. GLDAS_DOWNLOAD_USERNAME for download.username.
const EnvPrefix = "GLDAS"

// Config holds all configuration for the application
type Config struct {
	Log       LogConfig
	Reshuffle ReshuffleConfig
	Download  DownloadConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// ReshuffleConfig holds the defaults of the reshuffle command
type ReshuffleConfig struct {
	ImgBuffer int    `mapstructure:"imgbuffer"`
	LandMask  string `mapstructure:"land_mask"`
	Product   string // written as global attribute of the time series files
}

// DownloadConfig holds the defaults of the download command
type DownloadConfig struct {
	NProc    int `mapstructure:"n_proc"`
	Username string
	Password string
	BaseURL  string `mapstructure:"base_url"`
	Product  string
}

// New returns a viper instance with the defaults, the environment binding
// and the config file search paths of the application.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.gldas")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("reshuffle.imgbuffer", 50)
	v.SetDefault("reshuffle.land_mask", "")
	v.SetDefault("reshuffle.product", "GLDAS")
	v.SetDefault("download.n_proc", 1)
	v.SetDefault("download.username", "")
	v.SetDefault("download.password", "")
	v.SetDefault("download.base_url", "https://hydro1.gesdisc.eosdis.nasa.gov/data/GLDAS")
	v.SetDefault("download.product", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and returns the merged configuration.
// An empty file searches the default paths, where a missing file is fine.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// NewLogger creates a new slog.Logger writing to w based on the configuration
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(c.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
