// Package config loads daemon configuration from a YAML inventory file with
// environment-variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Printer describes one device in the inventory.
type Printer struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"` // octoprint | bambu | sdcp

	// octoprint
	URL         string `yaml:"url,omitempty"`
	APIKey      string `yaml:"api_key,omitempty"`
	SnapshotURL string `yaml:"snapshot_url,omitempty"`
	StreamURL   string `yaml:"stream_url,omitempty"`

	// bambu / sdcp
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	Serial     string `yaml:"serial,omitempty"`
	AccessCode string `yaml:"access_code,omitempty"`

	// Safety interlocks registered with the emergency coordinator at boot.
	Interlocks []Interlock `yaml:"interlocks,omitempty"`
}

// Interlock declares one safety sensor for a printer. Sensors start engaged;
// readings are fed in at runtime.
type Interlock struct {
	Name     string `yaml:"name"`
	Critical bool   `yaml:"critical"`
}

// Config holds all configuration values.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MetricsAddr  string        `yaml:"metrics_addr"`

	LogFile      string     `yaml:"log_file"`
	LogLevelName string     `yaml:"log_level"`
	LogLevel     slog.Level `yaml:"-"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Printers       []Printer     `yaml:"printers"`
}

// Load reads the YAML file at path (empty means defaults only) and applies
// environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Config{
		PollInterval:   2 * time.Second,
		MetricsAddr:    ":9105",
		LogFile:        "/var/log/printfleet/printfleetd.log",
		LogLevelName:   "INFO",
		ConnectTimeout: 10 * time.Second,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.MetricsAddr = getEnv("PRINTFLEET_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogFile = getEnv("PRINTFLEET_LOG_FILE", cfg.LogFile)
	cfg.LogLevelName = getEnv("PRINTFLEET_LOG_LEVEL", cfg.LogLevelName)
	if v := os.Getenv("PRINTFLEET_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Printers {
		if p.Name == "" {
			return fmt.Errorf("printer with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate printer name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Protocol {
		case "octoprint":
			if p.URL == "" {
				return fmt.Errorf("printer %q: octoprint requires url", p.Name)
			}
		case "bambu":
			if p.Host == "" || p.Serial == "" || p.AccessCode == "" {
				return fmt.Errorf("printer %q: bambu requires host, serial and access_code", p.Name)
			}
		case "sdcp":
			if p.Host == "" {
				return fmt.Errorf("printer %q: sdcp requires host", p.Name)
			}
		default:
			return fmt.Errorf("printer %q: unknown protocol %q", p.Name, p.Protocol)
		}
		for _, il := range p.Interlocks {
			if il.Name == "" {
				return fmt.Errorf("printer %q: interlock with empty name", p.Name)
			}
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
