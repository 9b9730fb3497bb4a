// Package config defines all configuration structures for the Sandclaw
// assistant runtime.
package config

import (
	"fmt"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/discord"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/quo"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/whatsapp"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/sandbox"
)

// Config holds all runtime configuration.
type Config struct {
	// Name is the assistant name shown in notices.
	Name string `yaml:"name"`

	// Timezone is the process timezone (e.g. "America/Chicago"). Used as
	// the fallback when a scheduled task carries no timezone of its own.
	Timezone string `yaml:"timezone"`

	// GroupsDir is the root directory holding one folder per
	// conversation. The folder name is the mutual-exclusion key for
	// sandbox instances.
	GroupsDir string `yaml:"groups_dir"`

	// Store configures the shared SQLite database.
	Store StoreConfig `yaml:"store"`

	// Channels configures communication channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Sandbox configures the per-conversation sandbox runner.
	Sandbox sandbox.Config `yaml:"sandbox"`

	// Scheduler configures the task poll loop.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Bridge configures the CRM/tool bridge endpoints.
	Bridge BridgeConfig `yaml:"bridge"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the shared SQLite database (sandclaw.db).
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// ChannelsConfig groups per-channel configuration.
type ChannelsConfig struct {
	Quo      quo.Config      `yaml:"quo"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// SchedulerConfig configures the scheduled-task poll loop.
type SchedulerConfig struct {
	// PollInterval is how often the task table is scanned for due
	// tasks. Coarser than the sandbox output poll: schedule granularity
	// is minutes, not seconds.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BridgeConfig configures the CRM/tool bridge.
type BridgeConfig struct {
	// CRMBaseURL is the contact-upsert endpoint base URL.
	CRMBaseURL string `yaml:"crm_base_url"`

	// CRMToken authenticates bridge calls. Resolved from keyring/env if
	// left empty in the file.
	CRMToken string `yaml:"crm_token"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "Sandclaw",
		GroupsDir: "./groups",
		Store:     StoreConfig{Path: "./data/sandclaw.db"},
		Channels: ChannelsConfig{
			Quo:      quo.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Sandbox:   sandbox.DefaultConfig(),
		Scheduler: SchedulerConfig{PollInterval: time.Minute},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the config for fatal misconfiguration.
func (c *Config) Validate() error {
	if c.GroupsDir == "" {
		return fmt.Errorf("groups_dir is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	if c.Channels.Quo.Enabled && len(c.Channels.Quo.PhoneLines) == 0 {
		return fmt.Errorf("channels.quo.phone_lines is required when quo is enabled")
	}
	return nil
}

// Location returns the configured process timezone, or time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
