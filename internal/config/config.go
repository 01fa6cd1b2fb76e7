// Package config loads the YAML service configuration.
package config

import (
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

type RabbitMQ struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	UseTLS   bool   `yaml:"tls"`
}

// Enabled reports whether a broker is configured at all; single-process
// deployments may run without one.
func (r RabbitMQ) Enabled() bool { return r.Host != "" }

type HTTP struct {
	Port int `yaml:"port"`
}

type Config struct {
	Database Database `yaml:"database"`
	Rabbit   RabbitMQ `yaml:"rabbitmq"`
	HTTP     HTTP     `yaml:"http"`
}

// Load reads and validates the config at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Rabbit.Port == 0 {
		c.Rabbit.Port = 5672
	}
	if c.Rabbit.VHost == "" {
		c.Rabbit.VHost = "/"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
}

func (c Config) validate() error {
	if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
		return fmt.Errorf("database config incomplete: host, user and database are required")
	}
	if c.Rabbit.Enabled() && c.Rabbit.User == "" {
		return fmt.Errorf("rabbitmq config incomplete: user is required when host is set")
	}
	return nil
}

// Find returns the first config file present among the usual candidates.
func Find() (string, error) {
	candidates := []string{"config.yaml", "config.yml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
