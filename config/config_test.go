// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestChunkSizeBounds(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 1024
	require.Error(t, cfg.Validate())

	cfg.ChunkSize = 2 << 20
	require.Error(t, cfg.Validate())

	cfg.ChunkSize = 65536
	require.NoError(t, cfg.Validate())
}

func TestDestinationDirMustBeAbsolute(t *testing.T) {
	cfg := Default()
	cfg.DestinationDir = "relative/path"
	require.Error(t, cfg.Validate())

	cfg.DestinationDir = "/tmp/caesar-transfer-test"
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caesar.toml")
	contents := `
relay_url = "wss://relay.example.org"
listen_port = 9999
chunk_size = 131072
max_list_bytes = 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.org", cfg.RelayURL)
	require.Equal(t, 9999, cfg.ListenPort)
	require.Equal(t, 131072, cfg.ChunkSize)
	require.Equal(t, int64(1048576), cfg.MaxListBytes)
	require.Equal(t, uint16(1), cfg.ProtocolVersion)
}

func TestLoadFileRejectsBadChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caesar.toml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size = 10\n"), 0600))

	_, err := LoadFile(path)
	require.Error(t, err)
}
