// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the hotswap daemon configuration.
//
// Configuration is a single YAML document. On first run Load writes the
// defaults to disk so operators have a file to edit. A handful of
// deployment knobs can be overridden with HOTSWAP_* environment variables
// without touching the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/hotswap/pkg/logging"
	"github.com/AleutianAI/hotswap/services/hotswap/journal"
	"github.com/AleutianAI/hotswap/services/hotswap/telemetry"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("loglevel", validateLogLevel)
	_ = configValidate.RegisterValidation("locator", validateLocator)
}

// validateLogLevel accepts any name ParseLevel understands.
func validateLogLevel(fl validator.FieldLevel) bool {
	_, err := logging.ParseLevel(fl.Field().String())
	return err == nil
}

func validateLocator(fl validator.FieldLevel) bool {
	loc := fl.Field().String()
	return loc == "" || IsLocator(loc)
}

// IsLocator reports whether loc is a builtin:// or gs:// locator with a
// non-empty remainder, or a filesystem path ending in ".so".
func IsLocator(loc string) bool {
	for _, scheme := range []string{"builtin://", "gs://"} {
		if rest, ok := strings.CutPrefix(loc, scheme); ok {
			return rest != ""
		}
	}
	return strings.HasSuffix(loc, ".so")
}

// Config is the root configuration document.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	Modules   ModulesConfig    `yaml:"modules" json:"modules"`
	Driver    DriverConfig     `yaml:"driver" json:"driver"`
	Server    ServerConfig     `yaml:"server" json:"server"`
	Journal   journal.Config   `yaml:"journal" json:"journal"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// LoggingConfig maps onto logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"loglevel"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Quiet  bool   `yaml:"quiet,omitempty" json:"quiet,omitempty"`

	// RecentEntries sizes the in-memory buffer served by the admin API.
	RecentEntries int `yaml:"recent_entries" json:"recent_entries" validate:"gte=0,lte=100000"`
}

// ModulesConfig controls where modules come from and how updates drain.
type ModulesConfig struct {
	// Initial is published at startup when the journal has nothing better.
	Initial string `yaml:"initial" json:"initial" validate:"locator"`

	// Dir is scanned and, with Watch, watched for new module files.
	Dir     string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Watch   bool   `yaml:"watch" json:"watch"`
	Pattern string `yaml:"pattern" json:"pattern" validate:"required"`

	// Debounce coalesces bursts of file events.
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"gte=0"`

	// Grace is how long a displaced module is given before its
	// reference is dropped. Negative skips the wait.
	Grace time.Duration `yaml:"grace" json:"grace"`

	// DrainTimeout bounds the wait for in-flight calls after the grace
	// interval. Zero disables the wait.
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout" validate:"gte=0"`

	// RestoreLast republishes the last successful locator from the journal.
	RestoreLast bool `yaml:"restore_last" json:"restore_last"`

	// CacheDir receives modules downloaded from gs:// locators.
	CacheDir     string `yaml:"cache_dir" json:"cache_dir" validate:"required"`
	GCSEndpoint  string `yaml:"gcs_endpoint,omitempty" json:"gcs_endpoint,omitempty" validate:"omitempty,url"`
	GCSAnonymous bool   `yaml:"gcs_anonymous,omitempty" json:"gcs_anonymous,omitempty"`
}

// DriverConfig sizes the synthetic workload.
type DriverConfig struct {
	Workers  int           `yaml:"workers" json:"workers" validate:"gte=1,lte=1024"`
	Rounds   int           `yaml:"rounds" json:"rounds" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`

	// Rate caps invocations per second across all workers. Zero is unlimited.
	Rate float64 `yaml:"rate" json:"rate" validate:"gte=0"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	base := home + string(os.PathSeparator) + ".hotswap"

	jcfg := journal.DefaultConfig(base + string(os.PathSeparator) + "journal")
	tcfg := telemetry.DefaultConfig()

	return Config{
		Logging: LoggingConfig{
			Level:         "info",
			Format:        logging.FormatAuto,
			RecentEntries: 512,
		},
		Modules: ModulesConfig{
			Initial:      "builtin://score_op_v1",
			Pattern:      "*.so",
			Debounce:     250 * time.Millisecond,
			Grace:        500 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
			RestoreLast:  true,
			CacheDir:     base + string(os.PathSeparator) + "cache",
		},
		Driver: DriverConfig{
			Workers:  4,
			Rounds:   10,
			Interval: 200 * time.Millisecond,
		},
		Server: ServerConfig{
			Address:         "127.0.0.1:12250",
			ShutdownTimeout: 10 * time.Second,
		},
		Journal:   jcfg,
		Telemetry: tcfg,
	}
}

// Validate checks struct tags and the cross-field rules tags cannot express.
//
// # Outputs
//
//   - error: A validator.ValidationErrors wrapped with context, or nil.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Journal.InMemory && c.Journal.Path == "" {
		return fmt.Errorf("invalid config: journal.path is required unless journal.in_memory is set")
	}
	if c.Modules.Watch && c.Modules.Dir == "" {
		return fmt.Errorf("invalid config: modules.dir is required when modules.watch is set")
	}
	return nil
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: c.Telemetry.ServiceName,
		Format:  c.Logging.Format,
		Quiet:   c.Logging.Quiet,
	}, nil
}

// ApplyEnv overrides fields from HOTSWAP_* environment variables.
//
// # Description
//
// Recognised variables:
//   - HOTSWAP_LOG_LEVEL: logging.level
//   - HOTSWAP_MODULE: modules.initial
//   - HOTSWAP_MODULE_DIR: modules.dir
//   - HOTSWAP_WATCH: modules.watch (strconv.ParseBool syntax)
//   - HOTSWAP_GRACE: modules.grace (time.ParseDuration syntax)
//   - HOTSWAP_ADDR: server.address
//   - HOTSWAP_JOURNAL_PATH: journal.path
//
// # Outputs
//
//   - error: Non-nil if a boolean or duration variable does not parse.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("HOTSWAP_LOG_LEVEL", &c.Logging.Level)
	setString("HOTSWAP_MODULE", &c.Modules.Initial)
	setString("HOTSWAP_MODULE_DIR", &c.Modules.Dir)
	setString("HOTSWAP_ADDR", &c.Server.Address)
	setString("HOTSWAP_JOURNAL_PATH", &c.Journal.Path)

	if v := os.Getenv("HOTSWAP_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HOTSWAP_WATCH: %w", err)
		}
		c.Modules.Watch = b
	}
	if v := os.Getenv("HOTSWAP_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HOTSWAP_GRACE: %w", err)
		}
		c.Modules.Grace = d
	}
	return nil
}
