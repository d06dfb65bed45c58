// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bureau-foundation/tidemark/lib/process"
)

func TestParseFlags(t *testing.T) {
	f, _, err := parseFlags([]string{"--endpoint", "https://collector.example", "--observe", "-c", "agent.yaml"})
	require.NoError(t, err)
	require.Equal(t, "https://collector.example", f.endpoint)
	require.Equal(t, "agent.yaml", f.configPath)
	require.True(t, f.observe)

	_, _, err = parseFlags([]string{"--no-such-flag"})
	var usage *process.UsageError
	require.ErrorAs(t, err, &usage)
	require.Equal(t, 2, process.ExitCode(err))

	_, _, err = parseFlags([]string{"extra"})
	require.ErrorAs(t, err, &usage)

	_, _, err = parseFlags([]string{"--help"})
	require.ErrorIs(t, err, pflag.ErrHelp)
	require.Zero(t, process.ExitCode(err))
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  base_url: https://from-file.example
retention:
  observe_mode: true
store:
  path: /tmp/file.db
`), 0o600))

	f, flagSet, err := parseFlags([]string{"-c", path, "--store", "/tmp/flag.db", "--observe=false", "--listen", "127.0.0.1:0"})
	require.NoError(t, err)
	cfg, err := loadConfig(f, flagSet)
	require.NoError(t, err)

	require.Equal(t, "https://from-file.example", cfg.Endpoint.BaseURL)
	require.Equal(t, "/tmp/flag.db", cfg.Store.Path)
	require.Equal(t, "127.0.0.1:0", cfg.Ingest.Address)
	require.False(t, cfg.Retention.ObserveMode)

	// Without --observe the file's value stands.
	f, flagSet, err = parseFlags([]string{"-c", path})
	require.NoError(t, err)
	cfg, err = loadConfig(f, flagSet)
	require.NoError(t, err)
	require.True(t, cfg.Retention.ObserveMode)
}

func TestLoadConfigValidates(t *testing.T) {
	t.Setenv("TIDEMARK_CONFIG", "")
	f, flagSet, err := parseFlags(nil)
	require.NoError(t, err)
	_, err = loadConfig(f, flagSet)
	require.ErrorContains(t, err, "endpoint.base_url is required")
}

type fakeCreator struct {
	id  string
	err error
}

func (c fakeCreator) CreateSession(ctx context.Context) (string, error) { return c.id, c.err }

func TestResolveSession(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	require.Equal(t, "configured", resolveSession(ctx, "configured", fakeCreator{id: "remote"}, logger))
	require.Equal(t, "remote", resolveSession(ctx, "", fakeCreator{id: "remote"}, logger))

	local := resolveSession(ctx, "", fakeCreator{err: errors.New("connection refused")}, logger)
	_, err := uuid.Parse(local)
	require.NoError(t, err)
}
