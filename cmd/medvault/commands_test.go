package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := medvault.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Authorities = []string{"registrar"}
	cfg.Log.Level = "error"
	cfg.Retry.InitialDelay = time.Millisecond
	path := filepath.Join(dir, "medvault.yaml")
	require.NoError(t, medvault.SaveConfig(cfg, path))
	return path
}

func TestInitCommand(t *testing.T) {
	output := filepath.Join(t.TempDir(), "medvault.yaml")
	require.NoError(t, initCommand(context.Background(), []string{"-output", output, "-authorities", "registrar, board"}))

	cfg, err := medvault.LoadConfig(output)
	require.NoError(t, err)
	assert.Equal(t, []string{"registrar", "board"}, cfg.Authorities)

	err = initCommand(context.Background(), []string{"-output", output})
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, initCommand(context.Background(), []string{"-output", output, "-force"}))
}

func TestKeyPathSanitizesAddress(t *testing.T) {
	cfg := medvault.DefaultConfig()
	cfg.DataDir = "/var/lib/medvault"
	assert.Equal(t, "/var/lib/medvault/keyrings/x509_CN=alice_O=org.pem", keyPath(cfg, "x509:CN=alice/O=org"))
}

func TestCommands_UploadAndOpen(t *testing.T) {
	t.Setenv(EnvPassphrase, "correct horse battery staple")
	ctx := context.Background()
	config := writeTestConfig(t)

	require.NoError(t, keygenCommand(ctx, []string{"-config", config, "-as", "alice"}))
	assert.Error(t, keygenCommand(ctx, []string{"-config", config, "-as", "alice"}), "existing keyrings are kept")

	require.NoError(t, registerCommand(ctx, []string{"-config", config, "-as", "alice", "-role", "patient"}))
	assert.Error(t, verifyCommand(ctx, []string{"-config", config, "-as", "alice", "alice"}))
	require.NoError(t, verifyCommand(ctx, []string{"-config", config, "-as", "registrar", "alice"}))

	input := filepath.Join(t.TempDir(), "panel.txt")
	require.NoError(t, os.WriteFile(input, []byte("hemoglobin 14.2 g/dL"), 0o600))
	metrics := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, uploadCommand(ctx, []string{"-config", config, "-metrics-file", metrics, "-as", "alice", "-type", "lab_result", input}))
	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "medvault_transitions_total")

	cfg, err := medvault.LoadConfig(config)
	require.NoError(t, err)
	v, err := medvault.Open(ctx, cfg)
	require.NoError(t, err)
	var ref string
	for rec, err := range v.ListByOwner(ctx, "alice") {
		require.NoError(t, err)
		ref = rec.ID
	}
	require.NoError(t, v.Close())
	require.NotEmpty(t, ref)

	output := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, openCommand(ctx, []string{"-config", config, "-as", "alice", "-output", output, ref}))
	content, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "hemoglobin 14.2 g/dL", string(content))

	require.NoError(t, auditCommand(ctx, []string{"-config", config, "-verify"}))
}

func TestCommands_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	config := writeTestConfig(t)

	t.Setenv(EnvPassphrase, "first")
	require.NoError(t, keygenCommand(ctx, []string{"-config", config, "-as", "bob"}))

	t.Setenv(EnvPassphrase, "second")
	assert.Error(t, registerCommand(ctx, []string{"-config", config, "-as", "bob", "-role", "provider"}))
}

func TestCommands_MissingFlags(t *testing.T) {
	ctx := context.Background()
	assert.ErrorContains(t, registerCommand(ctx, nil), "-as is required")
	assert.ErrorContains(t, requestCommand(ctx, []string{"-as", "bob"}), "-owner is required")
	assert.Error(t, uploadCommand(ctx, []string{"-as", "alice"}))
}

func TestHealthCommand(t *testing.T) {
	ctx := context.Background()
	config := writeTestConfig(t)
	assert.NoError(t, healthCommand(ctx, []string{"-config", config}))
}
