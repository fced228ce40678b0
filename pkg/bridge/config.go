// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the full bridge configuration, loaded from bridge.yaml.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Appservice AppserviceConfig `yaml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HomeserverConfig identifies the homeserver the bridge is registered with.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig holds the appservice registration details and the
// inbound listen address.
type AppserviceConfig struct {
	Address     string `yaml:"address"`
	BotUsername string `yaml:"bot_username"`
	ASToken     string `yaml:"as_token"`
	HSToken     string `yaml:"hs_token"`
	Database    string `yaml:"database"`
	// RateLimitRetries is the total attempt count for rate-limited
	// homeserver calls, including the first attempt.
	RateLimitRetries int `yaml:"rate_limit_retries"`
}

// BridgeConfig holds bridge behavior settings.
type BridgeConfig struct {
	// DeviceUserPrefix is the Matrix localpart prefix for bridge-owned
	// users. Messages from any user with this prefix are ignored to
	// prevent echo loops, and registered devices get usernames of the
	// form <prefix><uuid>.
	DeviceUserPrefix string `yaml:"device_user_prefix"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Appservice.BotUsername == "" {
		return fmt.Errorf("appservice.bot_username is required")
	}
	if c.Appservice.ASToken == "" || c.Appservice.HSToken == "" {
		return fmt.Errorf("appservice.as_token and appservice.hs_token are required")
	}
	if c.Appservice.Address == "" {
		c.Appservice.Address = ":29330"
	}
	if c.Appservice.Database == "" {
		c.Appservice.Database = "mautrix-iot.db"
	}
	if c.Appservice.RateLimitRetries <= 0 {
		c.Appservice.RateLimitRetries = 5
	}
	if c.Bridge.DeviceUserPrefix == "" {
		c.Bridge.DeviceUserPrefix = "iot_"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// BotMXID returns the full Matrix user ID of the management bot.
func (c *Config) BotMXID() id.UserID {
	return id.NewUserID(c.Appservice.BotUsername, c.Homeserver.Domain)
}

// EchoPrefix returns the MXID prefix identifying bridge-owned users.
func (c *Config) EchoPrefix() string {
	return "@" + c.Bridge.DeviceUserPrefix
}

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
