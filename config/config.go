// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the caesar-transfer configuration record:
// the transfer-protocol knobs (relay URL, chunk size, destination
// handling) plus the logging and metrics settings every long-lived
// component in this codebase expects.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultChunkSize       = 64 * 1024
	minChunkSize           = 16 * 1024
	maxChunkSize           = 1024 * 1024
	defaultMaxListBytes    = 10 << 30 // 10 GiB
	defaultProtocolVersion = 1
	defaultListenAddr      = "0.0.0.0"
	defaultListenPort      = 8053
	defaultLogLevel        = "NOTICE"
)

// Config is the full configuration surface. There is no package-level
// global: every component takes a *Config explicitly.
type Config struct {
	// RelayURL is where peers dial the relay (sender and receiver mode).
	RelayURL string `toml:"relay_url"`

	// ListenAddr and ListenPort are where the relay binds (relay mode only).
	ListenAddr string `toml:"listen_addr"`
	ListenPort int    `toml:"listen_port"`

	// ChunkSize is the sender's plaintext chunk size in bytes, must fall
	// in [16384, 1048576].
	ChunkSize int `toml:"chunk_size"`

	// DestinationDir is the receiver's output root.
	DestinationDir string `toml:"destination_dir"`

	// Overwrite permits the receiver to replace an existing file.
	Overwrite bool `toml:"overwrite"`

	// RenameOnConflict, if true and Overwrite is false, writes to a
	// "<name> (n)" suffixed path instead of failing with
	// DestinationConflict when the destination exists. Off by default:
	// a conflicting destination is an error unless the operator opted
	// in to one of the two escape hatches.
	RenameOnConflict bool `toml:"rename_on_conflict"`

	// KeepPartial, if true, renames a partially written file to
	// "<name>.part" when a receive fails partway through, instead of
	// deleting it. Off by default: a failed transfer leaves nothing
	// behind at the destination path.
	KeepPartial bool `toml:"keep_partial"`

	// MaxListBytes ceilings the total announced transfer size the
	// receiver will accept.
	MaxListBytes int64 `toml:"max_list_bytes"`

	// ProtocolVersion is the wire protocol version this build speaks.
	ProtocolVersion uint16 `toml:"protocol_version"`

	// LogLevel and LogFile configure internal/corelog. LogFile == ""
	// means stdout.
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	// MetricsAddr, if non-empty, serves Prometheus metrics at
	// http://MetricsAddr/metrics (relay mode only).
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns a Config with every field set to its documented
// default, suitable as a starting point for LoadFile or direct field
// assignment in tests.
func Default() *Config {
	return &Config{
		ListenAddr:      defaultListenAddr,
		ListenPort:      defaultListenPort,
		ChunkSize:       defaultChunkSize,
		MaxListBytes:    defaultMaxListBytes,
		ProtocolVersion: defaultProtocolVersion,
		LogLevel:        defaultLogLevel,
	}
}

// LoadFile reads and validates a TOML configuration file, starting from
// Default() and overlaying whatever the file sets.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the recognized fields for internal consistency. It
// does not reach out to the network or filesystem beyond checking that
// DestinationDir, if set, is an absolute path.
func (c *Config) Validate() error {
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkSize < minChunkSize || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("config: chunk_size %d outside [%d, %d]", c.ChunkSize, minChunkSize, maxChunkSize)
	}
	if c.MaxListBytes < 0 {
		return fmt.Errorf("config: max_list_bytes must be non-negative")
	}
	if c.DestinationDir != "" && !filepath.IsAbs(c.DestinationDir) {
		return fmt.Errorf("config: destination_dir %q is not an absolute path", c.DestinationDir)
	}
	switch strings.ToUpper(c.LogLevel) {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG", "":
	default:
		return fmt.Errorf("config: log_level %q is invalid", c.LogLevel)
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = defaultProtocolVersion
	}
	return nil
}

// ListenNetAddr returns "ListenAddr:ListenPort" for net.Listen.
func (c *Config) ListenNetAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}
