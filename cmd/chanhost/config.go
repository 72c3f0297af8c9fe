// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for chanhost.
type Config struct {
	Addr         string        `yaml:"addr"`
	TCPAddr      string        `yaml:"tcp_addr"`
	ConfigFile   string        `yaml:"-"`
	LogLevel     string        `yaml:"log_level"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
	EnableAdmin  bool          `yaml:"enable_admin"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8787"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ClaimTimeout == 0 {
		c.ClaimTimeout = 10 * time.Second
	}
	if c.ShutdownWait == 0 {
		c.ShutdownWait = 5 * time.Second
	}
	c.EnableAdmin = true
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHANHOST_CONFIG"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("CHANHOST_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("CHANHOST_TCP_ADDR"); v != "" {
		c.TCPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHANHOST_CLAIM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ClaimTimeout = d
		}
	}
	if v := os.Getenv("CHANHOST_SHUTDOWN_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownWait = d
		}
	}
	if v := os.Getenv("CHANHOST_ENABLE_ADMIN"); v != "" {
		c.EnableAdmin = v == "1" || v == "true"
	}
}

// LoadFile populates the config from a YAML file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// BindFlags binds command line flags using the current values as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML config file path")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.TCPAddr, "tcp-addr", c.TCPAddr, "raw TCP listen address for privileged connections, empty to disable")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.DurationVar(&c.ClaimTimeout, "claim-timeout", c.ClaimTimeout, "how long to wait for a stream sub-channel to connect")
	fs.DurationVar(&c.ShutdownWait, "shutdown-wait", c.ShutdownWait, "time allowed for open connections on shutdown")
	fs.BoolVar(&c.EnableAdmin, "admin", c.EnableAdmin, "serve the JSON-RPC admin endpoint at /admin")
}
