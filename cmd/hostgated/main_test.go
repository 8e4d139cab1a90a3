package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigSourcePrefersAdHocStaticDir(t *testing.T) {
	data, err := loadConfigSource("ignored.toml", "/var/www")
	require.NoError(t, err)
	require.Contains(t, string(data), `static_dir = "/var/www"`)
	require.Contains(t, string(data), `name = "adhoc"`)
}

func TestLoadConfigSourceReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nname = \"x\"\n"), 0o644))

	data, err := loadConfigSource(path, "")
	require.NoError(t, err)
	require.Equal(t, "[server]\nname = \"x\"\n", string(data))
}

func TestLoadConfigSourceMissingFileErrors(t *testing.T) {
	_, err := loadConfigSource(filepath.Join(t.TempDir(), "nope.toml"), "")
	require.Error(t, err)
}

func TestWritePIDFileWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostgated.pid")
	require.NoError(t, writePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestRunDaemonDryRunValidConfigReturnsNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[site]]
name = "A"
hostname = "a.test"
port = 80
default = true
static_dir = "`+dir+`"
`), 0o644))

	err := runDaemon(context.Background(), daemonOptions{configPath: path, dryRun: true})
	require.NoError(t, err)
}

func TestRunDaemonDryRunInvalidConfigErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[site]]
name = "A"
hostname = "a.test"
port = 80
static_dir = "/does/not/exist/anywhere"
`), 0o644))

	err := runDaemon(context.Background(), daemonOptions{configPath: path, dryRun: true})
	require.Error(t, err)
}
