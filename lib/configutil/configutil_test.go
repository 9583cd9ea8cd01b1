package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Database  string `json:"database"`
	WorkerURL string `json:"worker_url"`
}

func write(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "app.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigBaseOnly(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "app.json5"), `{
		// comments are allowed
		database: "graph.db",
		worker_url: "http://localhost:9222",
	}`)

	got, err := ReadConfig[testConfig](filepath.Join(dir, "app.json5"))
	require.NoError(t, err)
	require.Equal(t, "graph.db", got.Database)
	require.Equal(t, "http://localhost:9222", got.WorkerURL)
}

func TestReadConfigLocalOverride(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "app.json5"), `{database: "graph.db", worker_url: "http://prod:9222"}`)
	write(t, filepath.Join(dir, "app.local.json5"), `{worker_url: "http://localhost:9222"}`)

	got, err := ReadConfig[testConfig](filepath.Join(dir, "app.json5"))
	require.NoError(t, err)
	require.Equal(t, "graph.db", got.Database)
	require.Equal(t, "http://localhost:9222", got.WorkerURL)
}

func TestReadConfigLocalOnly(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "app.local.json5"), `{database: "local.db"}`)

	got, err := ReadConfig[testConfig](filepath.Join(dir, "app.json5"))
	require.NoError(t, err)
	require.Equal(t, "local.db", got.Database)
}

func TestReadConfigEmptyFileIsAbsent(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "app.json5"), "")

	_, err := ReadConfig[testConfig](filepath.Join(dir, "app.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
