// Package config provides functionality for managing configuration options
// for the identity service and the client coordinator using command-line
// flags, environment variables and JSON or YAML config files.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds the configuration values for the identity service.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"port" yaml:"port"`

	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// PublicURL is the externally visible base URL, used to build SSO links.
	PublicURL string `json:"public_url" yaml:"public_url"`

	// SessionTTL is the access token lifetime.
	SessionTTL Duration `json:"session_ttl" yaml:"session_ttl"`

	// LogLevel is passed to the zap logger.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Config is the path to the Config file.
	Config string `json:"-" yaml:"-"`
}

// Duration is a time.Duration that reads and writes as "1s"-style text in
// JSON and YAML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Parse parses the given command-line arguments and environment variables to
// set configuration values. Precedence, lowest first: flags, config file,
// environment variables.
func Parse(args []string) (*Options, error) {
	options := &Options{}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&options.Port, "a", "localhost:8080", "run on ip:port server")
	fs.StringVar(&options.DatabaseDSN, "d", "", "db address")
	fs.StringVar(&options.PublicURL, "u", "http://localhost:8080", "public base URL")
	fs.StringVar(&options.LogLevel, "l", "info", "log level")
	fs.StringVar(&options.Config, "config", "config.json", "path to config file")
	fs.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
	ttl := fs.Duration("ttl", time.Hour, "access token lifetime")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	options.SessionTTL = Duration(*ttl)

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			if err := loadFile(options.Config, options); err != nil {
				return nil, err
			}
		}
	}

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		options.Port = serverAddress
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}

	return options, nil
}

// loadFile decodes a JSON or YAML file into dst, picking the format by
// extension.
func loadFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, dst)
	default:
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}
