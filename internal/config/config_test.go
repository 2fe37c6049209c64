package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kbase_endpoint: https://kbase.us/services
workspace_url: https://kbase.us/services/ws
`), 0644))

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://kbase.us/services", doc.KBaseEndpoint)
	assert.Equal(t, "docker", doc.Runtime)
	assert.Equal(t, DefaultMaxTasks, doc.MaxTasks)
	assert.Equal(t, DefaultWorkDir, doc.WorkDir)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime: shifter
max_tasks: 5
workdir: /custom/workdir
`), 0644))

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "shifter", doc.Runtime)
	assert.Equal(t, 5, doc.MaxTasks)
	assert.Equal(t, "/custom/workdir", doc.WorkDir)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
