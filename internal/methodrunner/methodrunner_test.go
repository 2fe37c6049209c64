package methodrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kbase/job-runner-go/internal/config"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	removed    []string
	lastMounts []runtime.Mount
}

func (f *fakeAdapter) GetImage(ctx context.Context, ref string) (string, error) { return ref, nil }

func (f *fakeAdapter) Run(ctx context.Context, cfg runtime.Config, notify []runtime.NotifyQueue) (string, error) {
	f.lastMounts = cfg.Mounts
	return "handle-" + cfg.JobID, nil
}

func (f *fakeAdapter) Remove(ctx context.Context, handle string) error {
	f.removed = append(f.removed, handle)
	return nil
}

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Document{WorkDir: root, RefDataDir: filepath.Join(root, "refdata")}
	return New(&fakeAdapter{}, cfg, "http://10.0.0.1:9999/", "abc123"), root
}

func TestGetOutputMissingFileReturnsFixedErrorDocument(t *testing.T) {
	runner, root := newTestRunner(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workdir"), 0755))

	job := &jobmodel.Job{JobID: "job-1", Subjob: false}
	doc, err := runner.GetOutput(job)

	require.NoError(t, err)
	assert.Equal(t, OutputError, doc)
}

func TestGetOutputReturnsParsedDocument(t *testing.T) {
	runner, root := newTestRunner(t)
	workDir := filepath.Join(root, "workdir")
	require.NoError(t, os.MkdirAll(workDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "output.json"), []byte(`{"result":42}`), 0644))

	job := &jobmodel.Job{JobID: "job-1", Subjob: false}
	doc, err := runner.GetOutput(job)

	require.NoError(t, err)
	assert.EqualValues(t, 42, doc["result"])
}

func TestRunWritesWorkspaceFiles(t *testing.T) {
	runner, root := newTestRunner(t)
	job := &jobmodel.Job{
		JobID:  "job-1",
		Module: "kb_uploadmethods",
		Method: "import_fastq",
		Params: map[string]interface{}{},
	}
	info := &jobmodel.ModuleInfo{Module: "kb_uploadmethods", Version: "1.0.0", ImageRef: "dockerhub.com/kbase/uploader:1.0.0"}

	action, err := runner.Run(context.Background(), job, info, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "kb_uploadmethods", action.Name)

	workDir := filepath.Join(root, "workdir")
	assert.FileExists(t, filepath.Join(workDir, "config.properties"))
	assert.FileExists(t, filepath.Join(workDir, "input.json"))

	tokenBytes, err := os.ReadFile(filepath.Join(workDir, "token"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(tokenBytes), "token file must hold the runner's user token, not an unrelated params entry")

	assert.Equal(t, 1, runner.LiveHandleCount())
}

func TestRunTokenFileIgnoresParamsToken(t *testing.T) {
	runner, root := newTestRunner(t)
	job := &jobmodel.Job{
		JobID:  "job-1",
		Module: "kb_uploadmethods",
		Method: "import_fastq",
		// An argument document coincidentally carrying its own "token"
		// key (e.g. a workspace object reference) must never leak into
		// the workspace credential file.
		Params: map[string]interface{}{"token": "not-the-user-credential"},
	}
	info := &jobmodel.ModuleInfo{Module: "kb_uploadmethods", Version: "1.0.0", ImageRef: "dockerhub.com/kbase/uploader:1.0.0"}

	_, err := runner.Run(context.Background(), job, info, nil, nil)
	require.NoError(t, err)

	tokenBytes, err := os.ReadFile(filepath.Join(root, "workdir", "token"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(tokenBytes))
}

func TestRunSubjobUsesSubjobDirectory(t *testing.T) {
	runner, root := newTestRunner(t)
	job := &jobmodel.Job{JobID: "sub-1", Subjob: true, Params: map[string]interface{}{}}
	info := &jobmodel.ModuleInfo{Module: "m", Version: "1.0", ImageRef: "img:1.0"}

	_, err := runner.Run(context.Background(), job, info, nil, nil)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, "subjobs", "sub-1"))
}

func TestCleanupAllIsIdempotent(t *testing.T) {
	runner, _ := newTestRunner(t)
	job := &jobmodel.Job{JobID: "job-1", Params: map[string]interface{}{}}
	info := &jobmodel.ModuleInfo{Module: "m", Version: "1.0", ImageRef: "img:1.0"}

	_, err := runner.Run(context.Background(), job, info, nil, nil)
	require.NoError(t, err)

	runner.CleanupAll(context.Background())
	assert.Equal(t, 0, runner.LiveHandleCount())

	runner.CleanupAll(context.Background()) // idempotent: no panic, no new removals
	assert.Equal(t, 0, runner.LiveHandleCount())
}

func TestConfigMountMissingHostPathFails(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Document{
		WorkDir: root,
		VolumeMounts: []config.VolumeMountSpec{
			{HostDir: "/definitely/not/a/real/path", ContainerDir: "/mnt", ReadOnly: true},
		},
	}
	runner := New(&fakeAdapter{}, cfg, "http://10.0.0.1:9999/", "abc123")
	job := &jobmodel.Job{JobID: "job-1", Params: map[string]interface{}{}}
	info := &jobmodel.ModuleInfo{Module: "m", Version: "1.0", ImageRef: "img:1.0"}

	_, err := runner.Run(context.Background(), job, info, nil, nil)
	assert.Error(t, err)
}

func TestCatalogVolumeMountsAreAddedToContainerMounts(t *testing.T) {
	root := t.TempDir()
	refDir := t.TempDir()
	cfg := &config.Document{WorkDir: root, RefDataDir: filepath.Join(root, "refdata")}
	adapter := &fakeAdapter{}
	runner := New(adapter, cfg, "http://10.0.0.1:9999/", "abc123")

	job := &jobmodel.Job{JobID: "job-1", Module: "m", Method: "run_it", ClientGroup: "bigmem", Params: map[string]interface{}{}}
	info := &jobmodel.ModuleInfo{Module: "m", Version: "1.0", ImageRef: "img:1.0"}
	catalogMounts := []jobmodel.VolumeMount{
		{HostDir: refDir, ContainerDir: "/catalog-data", ReadOnly: true},
	}

	_, err := runner.Run(context.Background(), job, info, catalogMounts, nil)
	require.NoError(t, err)

	require.Len(t, adapter.lastMounts, 2)
	assert.Equal(t, refDir, adapter.lastMounts[1].HostDir)
	assert.Equal(t, "/catalog-data", adapter.lastMounts[1].ContainerDir)
	assert.True(t, adapter.lastMounts[1].ReadOnly)
}

func TestCatalogVolumeMountMissingHostPathFails(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Document{WorkDir: root}
	runner := New(&fakeAdapter{}, cfg, "http://10.0.0.1:9999/", "abc123")

	job := &jobmodel.Job{JobID: "job-1", Params: map[string]interface{}{}}
	info := &jobmodel.ModuleInfo{Module: "m", Version: "1.0", ImageRef: "img:1.0"}
	catalogMounts := []jobmodel.VolumeMount{
		{HostDir: "/definitely/not/a/real/catalog/path", ContainerDir: "/mnt", ReadOnly: true},
	}

	_, err := runner.Run(context.Background(), job, info, catalogMounts, nil)
	assert.Error(t, err)
}
