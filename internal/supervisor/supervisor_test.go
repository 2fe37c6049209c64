package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kbase/job-runner-go/internal/authclient"
	"github.com/kbase/job-runner-go/internal/catalog"
	"github.com/kbase/job-runner-go/internal/config"
	"github.com/kbase/job-runner-go/internal/engine"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/methodrunner"
	"github.com/kbase/job-runner-go/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal runtime.Adapter that lets the test control
// when a container "finishes" by calling the stashed notify callback.
type fakeAdapter struct {
	mu      sync.Mutex
	notify  map[string][]runtime.NotifyQueue
	removed []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{notify: make(map[string][]runtime.NotifyQueue)}
}

func (f *fakeAdapter) GetImage(ctx context.Context, ref string) (string, error) { return ref, nil }

func (f *fakeAdapter) Run(ctx context.Context, cfg runtime.Config, notifyQueues []runtime.NotifyQueue) (string, error) {
	f.mu.Lock()
	f.notify[cfg.JobID] = notifyQueues
	f.mu.Unlock()
	return "handle-" + cfg.JobID, nil
}

func (f *fakeAdapter) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	f.removed = append(f.removed, handle)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) finish(jobID string) {
	f.mu.Lock()
	queues := f.notify[jobID]
	f.mu.Unlock()
	for _, q := range queues {
		q.NotifyFinished(jobID)
	}
}

type fakeCatalogClient struct{}

func (fakeCatalogClient) GetModuleVersion(ctx context.Context, module, version string) (*jobmodel.ModuleInfo, error) {
	return &jobmodel.ModuleInfo{Module: module, Version: "1.0.0", ImageRef: "dockerhub.com/kbase/" + module + ":1.0.0"}, nil
}

func (fakeCatalogClient) GetVolumeMounts(ctx context.Context, module, method, clientGroup string) ([]jobmodel.VolumeMount, error) {
	return nil, nil
}

type noopEndpoint struct{}

func (noopEndpoint) Start(ctx context.Context, addr, token string) error { return nil }
func (noopEndpoint) Stop(ctx context.Context) error                     { return nil }

// testEngineServer fakes the execution-engine JSON-RPC surface: get_job_params
// returns a fixed method/params, check_job_canceled returns canceled's
// current value, and finish_job records the final document.
type testEngineServer struct {
	mu       sync.Mutex
	canceled bool
	finished map[string]interface{}
	method   string
}

func (te *testEngineServer) setCanceled(v bool) {
	te.mu.Lock()
	te.canceled = v
	te.mu.Unlock()
}

func newTestEngine(t *testing.T, method string) (*engine.Client, *testEngineServer) {
	t.Helper()
	te := &testEngineServer{method: method}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result []json.RawMessage
		switch req.Method {
		case "check_job_canceled":
			te.mu.Lock()
			canceled := te.canceled
			te.mu.Unlock()
			b, _ := json.Marshal(map[string]interface{}{"finished": canceled})
			result = []json.RawMessage{b}
		case "get_job_params":
			params, _ := json.Marshal(map[string]interface{}{
				"method":      te.method,
				"params":      map[string]interface{}{"token": "tok-123"},
				"service_ver": "",
				"wsid":        "1",
			})
			cfg, _ := json.Marshal(map[string]interface{}{
				"kbase_endpoint": "https://kbase.example/services",
				"runtime":        "docker",
				"max_tasks":      20,
			})
			result = []json.RawMessage{params, cfg}
		case "update_job", "finish_job", "add_job_logs":
			if req.Method == "finish_job" && len(req.Params) >= 2 {
				te.mu.Lock()
				doc, _ := req.Params[1].(map[string]interface{})
				te.finished = doc
				te.mu.Unlock()
			}
			result = []json.RawMessage{}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}))
	t.Cleanup(srv.Close)

	return engine.New(srv.URL, "admin-token"), te
}

func newTestAuth(t *testing.T, expiresIn time.Duration) *authclient.Client {
	t.Helper()
	expires := time.Now().Add(expiresIn).Unix()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"user":    "someuser",
			"expires": expires,
		})
	}))
	t.Cleanup(srv.Close)

	return authclient.New(srv.URL)
}

func newTestSupervisor(t *testing.T, method string, expiresIn time.Duration, adapter *fakeAdapter) (*Supervisor, *testEngineServer) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root, 0755))

	engineClient, te := newTestEngine(t, method)
	authClient := newTestAuth(t, expiresIn)
	cache := catalog.New(fakeCatalogClient{})
	cfg := &config.Document{WorkDir: root, RefDataDir: filepath.Join(root, "refdata"), MaxTasks: 20}
	runner := methodrunner.New(adapter, cfg, "http://callback.example/", "tok-123")

	sup := New(Deps{
		JobID:        "job-1",
		UserToken:    "tok-123",
		AdminToken:   "admin-token",
		EngineClient: engineClient,
		AuthClient:   authClient,
		CatalogCache: cache,
		MethodRunner: runner,
		Endpoint:     noopEndpoint{},
		Config:       cfg,
	})
	return sup, te
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func TestRunPrimaryJobFinishesCleanly(t *testing.T) {
	adapter := newFakeAdapter()
	sup, te := newTestSupervisor(t, "kb_uploadmethods.import_fastq", time.Hour, adapter)

	workDir := filepath.Join(sup.cfg.WorkDir, "workdir")
	go func() {
		waitForFile(t, filepath.Dir(workDir)) // root exists already; wait for workdir itself below
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(workDir); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		require.NoError(t, os.WriteFile(filepath.Join(workDir, "output.json"), []byte(`{"ok":true}`), 0644))
		adapter.finish("job-1")
	}()

	doc, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, true, doc["ok"])
	assert.Equal(t, doc, te.finished)
}

func TestRunReportsCanceledAfterUpstreamPoll(t *testing.T) {
	adapter := newFakeAdapter()
	sup, te := newTestSupervisor(t, "kb_uploadmethods.import_fastq", time.Hour, adapter)

	workDir := filepath.Join(sup.cfg.WorkDir, "workdir")
	go func() {
		waitForFile(t, workDir)
		te.setCanceled(true)
	}()

	doc, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Canceled or unexpected error", doc["error"])
}

func TestCancelEventTearsDownAndReturnsEmptyDocument(t *testing.T) {
	adapter := newFakeAdapter()
	sup, _ := newTestSupervisor(t, "kb_uploadmethods.import_fastq", time.Hour, adapter)

	workDir := filepath.Join(sup.cfg.WorkDir, "workdir")
	go func() {
		waitForFile(t, workDir)
		sup.Cancel()
	}()

	doc, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, doc)
	assert.Equal(t, 0, sup.methodRunner.LiveHandleCount())
}

func TestSubmitSubjobCapExceededCancelsJob(t *testing.T) {
	adapter := newFakeAdapter()
	sup, _ := newTestSupervisor(t, "kb_uploadmethods.import_fastq", time.Hour, adapter)
	sup.maxTasks = 1 // the primary job already occupies the one slot

	workDir := filepath.Join(sup.cfg.WorkDir, "workdir")
	go func() {
		waitForFile(t, workDir)
		sup.SubmitSubjob("sub-1", map[string]interface{}{"method": "kb_uploadmethods.align"})
	}()

	doc, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Canceled or unexpected error", doc["error"])
}

func TestSpecialMethodDispatchSkipsRuntimeAdapter(t *testing.T) {
	adapter := newFakeAdapter()
	sup, _ := newTestSupervisor(t, "kb_uploadmethods.import_fastq", time.Hour, adapter)

	workDir := filepath.Join(sup.cfg.WorkDir, "workdir")
	go func() {
		waitForFile(t, workDir)
		sup.SubmitSubjob("special-1", map[string]interface{}{"method": "special.cwl_workflow"})
		sup.StashSpecialOutput("special-1", map[string]interface{}{"v": float64(1)})

		require.NoError(t, os.WriteFile(filepath.Join(workDir, "output.json"), []byte(`{"ok":true}`), 0644))
		adapter.finish("job-1")
	}()

	doc, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, true, doc["ok"])
}

func TestProvenanceSnapshotReflectsLaunchedJobs(t *testing.T) {
	adapter := newFakeAdapter()
	sup, _ := newTestSupervisor(t, "kb_uploadmethods.import_fastq", time.Hour, adapter)

	workDir := filepath.Join(sup.cfg.WorkDir, "workdir")
	go func() {
		waitForFile(t, workDir)
		snapshot := sup.Provenance()
		require.Len(t, snapshot, 1)
		assert.Equal(t, "kb_uploadmethods", snapshot[0].Name)

		require.NoError(t, os.WriteFile(filepath.Join(workDir, "output.json"), []byte(`{"ok":true}`), 0644))
		adapter.finish("job-1")
	}()

	_, err := sup.Run(context.Background())
	require.NoError(t, err)
}

func TestValidateStartupFailsFastOnMissingWorkdir(t *testing.T) {
	adapter := newFakeAdapter()
	engineClient, _ := newTestEngine(t, "m.method")
	authClient := newTestAuth(t, time.Hour)
	cache := catalog.New(fakeCatalogClient{})
	cfg := &config.Document{WorkDir: "/definitely/not/a/real/dir"}
	runner := methodrunner.New(adapter, cfg, "http://callback.example/", "tok-123")

	sup := New(Deps{
		JobID:        "job-1",
		UserToken:    "tok-123",
		EngineClient: engineClient,
		AuthClient:   authClient,
		CatalogCache: cache,
		MethodRunner: runner,
		Endpoint:     noopEndpoint{},
		Config:       cfg,
	})

	_, err := sup.Run(context.Background())
	assert.ErrorContains(t, err, "working directory missing")
}
