// Package config loads the relay's configuration: an optional JSON or
// YAML file merged with the environment-driven overrides spec.md §6.3
// names. Environment variables always win, mirroring the teacher's
// "file defaults, env overlay" convention.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// WSConfig configures the gateway WebSocket listener (component 4.H).
type WSConfig struct {
	Port       int           `json:"port" env:"WS_PORT"`
	AuthSecret string        `json:"-" env:"RELAY_AUTH_SECRET"`
	HandshakeTimeout time.Duration `json:"-"`
	PingInterval     time.Duration `json:"-"`
	PongTimeout      time.Duration `json:"-"`
}

// HTTPConfig configures the WeCom callback + binding HTTP ingress (4.K).
type HTTPConfig struct {
	Port int `json:"port" env:"HTTP_PORT"`
}

// WeComConfig holds the tenant credentials spec.md §6.3 names.
type WeComConfig struct {
	CorpID         string `json:"corp_id" env:"WECOM_CORPID"`
	AppSecret      string `json:"app_secret" env:"WECOM_APP_SECRET"`
	Token          string `json:"token" env:"WECOM_TOKEN"`
	EncodingAESKey string `json:"encoding_aes_key" env:"WECOM_ENCODING_AES_KEY"`
	OpenKfID       string `json:"open_kfid" env:"WECOM_OPEN_KFID"`
}

// Config is the relay's top-level configuration.
type Config struct {
	WS     WSConfig    `json:"ws"`
	HTTP   HTTPConfig  `json:"http"`
	WeCom  WeComConfig `json:"wecom"`
	Locale string      `json:"locale" env:"LOCALE"`
}

// DefaultConfig returns the relay's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		WS: WSConfig{
			Port:             8765,
			HandshakeTimeout: 5 * time.Second,
			PingInterval:     30 * time.Second,
			PongTimeout:      10 * time.Second,
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Locale: "en",
	}
}

// LoadConfig reads an optional config file at path (JSON or YAML, by
// extension) layered under DefaultConfig, then overlays environment
// variables. A missing file is not an error: env vars and defaults
// still apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := unmarshalConfig(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	return cfg, nil
}

func unmarshalConfig(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".yaml") || strings.EqualFold(filepath.Ext(path), ".yml") {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// Validate checks that the configuration is complete enough to serve
// traffic. Only startup-time errors are fatal per spec.md §7.
func (c *Config) Validate() error {
	if c.WeCom.CorpID == "" {
		return fmt.Errorf("wecom corp_id is required")
	}
	if c.WeCom.Token == "" {
		return fmt.Errorf("wecom token is required")
	}
	if c.WeCom.OpenKfID == "" {
		return fmt.Errorf("wecom open_kfid is required")
	}
	if len(c.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("wecom encoding_aes_key must be 43 characters, got %d", len(c.WeCom.EncodingAESKey))
	}
	if c.WS.AuthSecret == "" {
		return fmt.Errorf("relay auth_secret (RELAY_AUTH_SECRET) is required")
	}
	if c.Locale != "zh" && c.Locale != "en" {
		c.Locale = "en"
	}
	return nil
}
