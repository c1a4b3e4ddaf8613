package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"pdfctl/internal/fsutil"
)

const defaultTolerance = 0.001

// defaultConfigPaths are tried in order when PDFCTL_CONFIG is unset.
var defaultConfigPaths = []string{
	"~/.config/pdfctl/config.json",
	"~/.config/pdfctl/config.yaml",
}

// Config holds user-editable settings for the refinement service.
type Config struct {
	Refinement Refinement `json:"refinement" yaml:"refinement"`
	Engine     Engine     `json:"engine" yaml:"engine"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Server     Server     `json:"server" yaml:"server"`
}

// Refinement captures fit driver preferences.
type Refinement struct {
	Tolerance    float64       `json:"tolerance" yaml:"tolerance" validate:"gt=0"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	MaxSteps     int           `json:"max_steps" yaml:"max_steps" validate:"gte=0"` // 0 means unlimited
	QueueSize    int           `json:"queue_size" yaml:"queue_size" validate:"gte=1"`
}

// Engine describes how to launch the external refinement engine.
type Engine struct {
	Command      string        `json:"command" yaml:"command"`
	Args         []string      `json:"args" yaml:"args"`
	Env          []string      `json:"env" yaml:"env"`
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout" validate:"gte=0"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format     string `json:"format" yaml:"format" validate:"oneof=text json"`
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir" validate:"required_if=FileOutput true"`
}

// Paths configures default locations.
type Paths struct {
	DatabasePath   string `json:"database_path" yaml:"database_path"`
	DatabaseDriver string `json:"database_driver" yaml:"database_driver" validate:"oneof=sqlite sqlite3"`
	DefaultProject string `json:"default_project" yaml:"default_project"`
}

// Server configures the status API.
type Server struct {
	Addr string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// Without PDFCTL_CONFIG the first existing default path is used. Files
// ending in .yaml or .yml are read as YAML, anything else as JSON.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("PDFCTL_CONFIG")
	if configPath == "" {
		var candidates []string
		for _, c := range defaultConfigPaths {
			p, err := expandUser(c)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, p)
		}
		configPath = fsutil.FirstExisting(candidates...)
		if configPath == "" {
			return cfg, nil
		}
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	for _, p := range []*string{&cfg.Paths.DatabasePath, &cfg.Paths.DefaultProject, &cfg.Logging.LogDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Refinement: Refinement{
			Tolerance:    defaultTolerance,
			PollInterval: time.Second,
			QueueSize:    64,
		},
		Engine: Engine{
			Command:      "pdffit2-engine",
			StartTimeout: 10 * time.Second,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath:   filepath.Join(os.TempDir(), "pdfctl.db"),
			DatabaseDriver: "sqlite",
		},
		Server: Server{
			Addr: "127.0.0.1:8765",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
