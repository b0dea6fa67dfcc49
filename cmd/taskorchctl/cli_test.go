package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig points a fresh taskorch config at a private sqlite
// file under t.TempDir, mirroring how an operator would point
// taskorchctl at a running deployment's database.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskorch.db")
	cfgPath := filepath.Join(dir, "taskorch.yaml")
	contents := "db_path: " + dbPath + "\nlog_level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(contents), 0o600))
	return cfgPath
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMigrateThenQueueStats(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := runCLI(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "queue", "stats")
	require.NoError(t, err)
	require.Contains(t, out, "total:")
	require.Contains(t, out, "ready:")
}

func TestLockLsEmpty(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := runCLI(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "lock", "ls")
	require.NoError(t, err)
	require.Contains(t, out, "no active locks")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "taskorchctl")
}
