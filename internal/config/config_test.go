// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "farmsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[database]
url = "postgres://app@db:5432/farm"
max_conns = 10

[http]
port = 9000

[auth]
jwt_secret = "file-secret"

[logging]
level = "debug"
format = "text"

[sync]
tables = ["parcels", "harvests"]
max_payload_bytes = 4096
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://app@db:5432/farm", cfg.Database.URL)
	require.Equal(t, int32(10), cfg.Database.MaxConns)
	require.Equal(t, int32(2), cfg.Database.MinConns) // default kept
	require.Equal(t, 9000, cfg.HTTP.Port)
	require.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, []string{"parcels", "harvests"}, cfg.Sync.Tables)
	require.Equal(t, 4096, cfg.Sync.MaxPayloadBytes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, `[database`)
	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[auth]
jwt_secret = "file-secret"
`)
	t.Setenv("FARMSYNC_DATABASE_URL", "postgres://env@db:5432/farm")
	t.Setenv("FARMSYNC_JWT_SECRET", "env-secret")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://env@db:5432/farm", cfg.Database.URL)
	require.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestValidation(t *testing.T) {
	// No config file and no secret anywhere: refuse to start.
	t.Setenv("FARMSYNC_JWT_SECRET", "")
	t.Setenv("FARMSYNC_DATABASE_URL", "")
	_, err := LoadFromFile("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "jwt_secret")

	path := writeConfig(t, `
[http]
port = 99999

[auth]
jwt_secret = "s"
`)
	_, err = LoadFromFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")
}
