/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	IMAP    IMAPConfig    `mapstructure:"imap"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Domain  DomainConfig  `mapstructure:"domain"`
	Storage StorageConfig `mapstructure:"storage"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Reset   ResetConfig   `mapstructure:"reset"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Levels []string `mapstructure:"levels"`
	Color  bool     `mapstructure:"color"`
}

type SMTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	Hostname          string        `mapstructure:"hostname"`
	MaxMessageSize    string        `mapstructure:"max_message_size"`
	MaxRecipients     int           `mapstructure:"max_recipients"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AllowInsecureAuth bool          `mapstructure:"allow_insecure_auth"`

	// MaxMessageBytes is MaxMessageSize parsed by Load.
	MaxMessageBytes int64 `mapstructure:"-"`
}

type IMAPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ResetLinkBase   string        `mapstructure:"reset_link_base"`
	ForgotRateEvery time.Duration `mapstructure:"forgot_rate_every"`
	ForgotRateBurst int           `mapstructure:"forgot_rate_burst"`
}

type DomainConfig struct {
	Default string   `mapstructure:"default"`
	Allowed []string `mapstructure:"allowed"`
}

type StorageConfig struct {
	Driver            string `mapstructure:"driver"` // sqlite or postgres
	Path              string `mapstructure:"path"`   // sqlite database file
	DSN               string `mapstructure:"dsn"`    // postgres connection string
	AttachmentPath    string `mapstructure:"attachment_path"`
	DefaultQuota      string `mapstructure:"default_quota"`
	MaxAttachmentSize string `mapstructure:"max_attachment_size"`

	DefaultQuotaBytes      int64 `mapstructure:"-"`
	MaxAttachmentSizeBytes int64 `mapstructure:"-"`
}

type RelayConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	StartTLS bool   `mapstructure:"starttls"`
	TLS      bool   `mapstructure:"tls"`
}

// Addr returns host:port, or "" when no relay is configured.
func (r RelayConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type ResetConfig struct {
	Backend       string        `mapstructure:"backend"` // redis or badger
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	BadgerPath    string        `mapstructure:"badger_path"` // empty runs badger in memory
	TTL           time.Duration `mapstructure:"ttl"`
}

type QueueConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.levels", []string{"error", "warn", "info"})
	v.SetDefault("log.color", true)

	v.SetDefault("smtp.addr", ":25")
	v.SetDefault("smtp.hostname", "localhost")
	v.SetDefault("smtp.max_message_size", "25MB")
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", 5*time.Minute)
	v.SetDefault("smtp.write_timeout", 5*time.Minute)
	v.SetDefault("smtp.allow_insecure_auth", false)

	v.SetDefault("imap.enabled", true)
	v.SetDefault("imap.addr", ":143")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.token_ttl", 24*time.Hour)
	v.SetDefault("http.reset_link_base", "http://localhost:3000/reset-password")
	v.SetDefault("http.forgot_rate_every", time.Minute)
	v.SetDefault("http.forgot_rate_burst", 3)

	v.SetDefault("domain.default", "enterprise.mail")
	v.SetDefault("domain.allowed", []string{"enterprise.mail", "company.com"})

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "mailhub.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.attachment_path", "attachments")
	v.SetDefault("storage.default_quota", "1GB")
	v.SetDefault("storage.max_attachment_size", "10MB")

	v.SetDefault("relay.host", "")
	v.SetDefault("relay.port", 587)
	v.SetDefault("relay.username", "")
	v.SetDefault("relay.password", "")
	v.SetDefault("relay.starttls", true)
	v.SetDefault("relay.tls", false)

	v.SetDefault("reset.backend", "badger")
	v.SetDefault("reset.redis_addr", "localhost:6379")
	v.SetDefault("reset.redis_password", "")
	v.SetDefault("reset.redis_db", 0)
	v.SetDefault("reset.badger_path", "")
	v.SetDefault("reset.ttl", time.Hour)

	v.SetDefault("queue.interval", 30*time.Second)
	v.SetDefault("queue.max_age", 72*time.Hour)

	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration from path, if given, on top of the built-in
// defaults. Any key can be overridden with a MAILHUB_ prefixed environment
// variable, e.g. MAILHUB_SMTP_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("v.ReadInConfig: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("v.Unmarshal: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) resolve() error {
	var err error
	if c.SMTP.MaxMessageBytes, err = parseSize("smtp.max_message_size", c.SMTP.MaxMessageSize); err != nil {
		return err
	}
	if c.Storage.DefaultQuotaBytes, err = parseSize("storage.default_quota", c.Storage.DefaultQuota); err != nil {
		return err
	}
	if c.Storage.MaxAttachmentSizeBytes, err = parseSize("storage.max_attachment_size", c.Storage.MaxAttachmentSize); err != nil {
		return err
	}
	for i, d := range c.Domain.Allowed {
		c.Domain.Allowed[i] = strings.ToLower(strings.TrimSpace(d))
	}
	c.Domain.Default = strings.ToLower(strings.TrimSpace(c.Domain.Default))

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver)
	}
	switch c.Reset.Backend {
	case "redis", "badger":
	default:
		return fmt.Errorf("reset.backend: unsupported backend %q", c.Reset.Backend)
	}
	return nil
}

func parseSize(key, value string) (int64, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
