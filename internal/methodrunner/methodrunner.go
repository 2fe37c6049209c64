// Package methodrunner translates a job request into a runtime
// invocation: it prepares the per-job working directory, computes
// volume mounts and labels, launches the workload through a runtime
// adapter, and records the resulting provenance action.
package methodrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/kbase/job-runner-go/internal/config"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/runtime"
)

// Runner prepares workspaces, launches containers through a runtime
// adapter, and tracks the handles it has launched so cleanup can reach
// every one of them regardless of how the process exits.
type Runner struct {
	adapter     runtime.Adapter
	cfg         *config.Document
	callbackURL string
	userToken   string

	mu       sync.Mutex
	handles  []jobmodel.ContainerHandle
}

// New returns a Runner that launches containers through adapter, using
// cfg for endpoint URLs and mount policy, callbackURL as the
// SDK_CALLBACK_URL every workload receives, and userToken as the
// credential written to each job's workspace token file.
func New(adapter runtime.Adapter, cfg *config.Document, callbackURL, userToken string) *Runner {
	return &Runner{adapter: adapter, cfg: cfg, callbackURL: callbackURL, userToken: userToken}
}

// Run prepares the workspace for job, computes its volume mounts,
// labels, and environment, launches it via the runtime adapter, and
// returns the provenance action to record. It is non-blocking with
// respect to container execution: the adapter's own reader task posts
// a Finished event once the workload exits and drains.
func (r *Runner) Run(ctx context.Context, job *jobmodel.Job, info *jobmodel.ModuleInfo, catalogMounts []jobmodel.VolumeMount, notifyQueues []runtime.NotifyQueue) (jobmodel.ProvenanceAction, error) {
	workDir := jobWorkDir(r.cfg.WorkDir, job)

	if err := r.prepareWorkspace(workDir, job); err != nil {
		return jobmodel.ProvenanceAction{}, fmt.Errorf("preparing workspace for %s: %w", job.JobID, err)
	}

	mounts, err := r.computeMounts(workDir, job, info, catalogMounts)
	if err != nil {
		return jobmodel.ProvenanceAction{}, err
	}

	labels := r.computeLabels(job, info)

	rtCfg := runtime.Config{
		JobID:  job.JobID,
		Image:  info.ImageRef,
		Env:    map[string]string{"SDK_CALLBACK_URL": r.callbackURL},
		Mounts: mounts,
		Labels: labels,
		Subjob: job.Subjob,
	}

	if _, err := r.adapter.GetImage(ctx, info.ImageRef); err != nil {
		return jobmodel.ProvenanceAction{}, fmt.Errorf("resolving image %s: %w", info.ImageRef, err)
	}

	handle, err := r.adapter.Run(ctx, rtCfg, notifyQueues)
	if err != nil {
		return jobmodel.ProvenanceAction{}, fmt.Errorf("launching container for %s: %w", job.JobID, err)
	}

	r.mu.Lock()
	r.handles = append(r.handles, jobmodel.ContainerHandle{JobID: job.JobID, NativeID: handle})
	r.mu.Unlock()

	return jobmodel.ProvenanceAction{
		Name:    info.Module,
		Ver:     info.Version,
		CodeURL: info.GitURL,
		Commit:  info.GitCommit,
	}, nil
}

// jobWorkDir returns workdir/workdir for the primary job or
// workdir/subjobs/<id> for a subjob.
func jobWorkDir(root string, job *jobmodel.Job) string {
	if job.Subjob {
		return filepath.Join(root, "subjobs", job.JobID)
	}
	return filepath.Join(root, "workdir")
}

// prepareWorkspace idempotently creates the job's directory and
// writes config.properties, input.json, and token.
func (r *Runner) prepareWorkspace(workDir string, job *jobmodel.Job) error {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}

	if err := r.writeConfigProperties(workDir); err != nil {
		return err
	}
	if err := writeInputDocument(workDir, job); err != nil {
		return err
	}
	if err := writeTokenFile(workDir, r.userToken); err != nil {
		return err
	}
	return nil
}

// writeConfigProperties writes the INI-format [global] section the
// containerized workload expects. No example in the corpus imports an
// INI-writing library, so this is hand-rolled with fmt.Fprintf.
func (r *Runner) writeConfigProperties(workDir string) error {
	f, err := os.Create(filepath.Join(workDir, "config.properties"))
	if err != nil {
		return fmt.Errorf("creating config.properties: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "[global]")
	fmt.Fprintf(f, "kbase_endpoint=%s\n", r.cfg.KBaseEndpoint)
	fmt.Fprintf(f, "workspace_url=%s\n", r.cfg.WorkspaceURL)
	fmt.Fprintf(f, "shock_url=%s\n", r.cfg.ShockURL)
	fmt.Fprintf(f, "handle_url=%s\n", r.cfg.HandleURL)
	fmt.Fprintf(f, "auth_service_url=%s\n", r.cfg.AuthServiceURL)
	fmt.Fprintf(f, "auth_service_url_allow_insecure=%t\n", r.cfg.AuthAllowInsecure)
	fmt.Fprintln(f, "scratch=/kb/module/work/tmp")
	return nil
}

func writeInputDocument(workDir string, job *jobmodel.Job) error {
	doc := map[string]interface{}{
		"version": "1.1",
		"method":  fmt.Sprintf("%s.%s", job.Module, job.Method),
		"params":  job.Params,
		"context": map[string]interface{}{},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling input.json: %w", err)
	}
	return os.WriteFile(filepath.Join(workDir, "input.json"), data, 0644)
}

func writeTokenFile(workDir, token string) error {
	return os.WriteFile(filepath.Join(workDir, "token"), []byte(token), 0600)
}

// computeMounts returns the ordered mount list: job dir, then any
// config-declared volume mounts with ${username} expanded, then the
// catalog's volume mounts, then the module's ref-data mount if it
// declares a data_version.
func (r *Runner) computeMounts(workDir string, job *jobmodel.Job, info *jobmodel.ModuleInfo, catalogMounts []jobmodel.VolumeMount) ([]runtime.Mount, error) {
	mounts := []runtime.Mount{
		{HostDir: workDir, ContainerDir: "/kb/module/work", ReadOnly: false},
	}

	for _, m := range r.cfg.VolumeMounts {
		hostDir := strings.ReplaceAll(m.HostDir, "${username}", job.UserName)
		if _, err := os.Stat(hostDir); err != nil {
			return nil, fmt.Errorf("configured volume mount host path missing: %s", hostDir)
		}
		mounts = append(mounts, runtime.Mount{
			HostDir:      hostDir,
			ContainerDir: m.ContainerDir,
			ReadOnly:     m.ReadOnly,
		})
	}

	// Catalog mounts are keyed by (module, method, client_group) and
	// merge into the same slot as the config-declared ones: the
	// original submits both into a single config['volume_mounts'] list
	// ahead of the ref-data mount.
	for _, m := range catalogMounts {
		hostDir := strings.ReplaceAll(m.HostDir, "${username}", job.UserName)
		if _, err := os.Stat(hostDir); err != nil {
			return nil, fmt.Errorf("catalog volume mount host path missing: %s", hostDir)
		}
		mounts = append(mounts, runtime.Mount{
			HostDir:      hostDir,
			ContainerDir: m.ContainerDir,
			ReadOnly:     m.ReadOnly,
		})
	}

	if info.DataVolume != nil {
		mounts = append(mounts, runtime.Mount{
			HostDir:      filepath.Join(r.cfg.RefDataDir, info.DataVolume.Folder, info.DataVolume.Version),
			ContainerDir: "/data",
			ReadOnly:     true,
		})
	}

	return mounts, nil
}

func (r *Runner) computeLabels(job *jobmodel.Job, info *jobmodel.ModuleInfo) map[string]string {
	imageVersion := info.ImageRef
	if idx := strings.LastIndex(info.ImageRef, "."); idx != -1 {
		imageVersion = info.ImageRef[idx+1:]
	}

	return map[string]string{
		"app_id":        fmt.Sprintf("%s/%s", job.Module, job.Method),
		"app_name":      job.Method,
		"condor_id":     config.CondorID,
		"image_name":    info.ImageRef,
		"image_version": imageVersion,
		"job_id":        job.JobID,
		"user_name":     job.UserName,
		"wsid":          job.WorkspaceID,
	}
}

// OutputError is the fixed document GetOutput returns when a job's
// working directory lacks output.json.
var OutputError = map[string]interface{}{
	"error": map[string]interface{}{
		"code":    -32601,
		"name":    "Output not found",
		"message": "No output generated",
		"error":   "No output generated",
	},
}

// GetOutput reads output.json from job's working directory. A missing
// file is a clean completion, not a failure: it returns the fixed
// Output-not-found document. A present file containing an "error"
// field is logged and returned verbatim.
func (r *Runner) GetOutput(job *jobmodel.Job) (map[string]interface{}, error) {
	workDir := jobWorkDir(r.cfg.WorkDir, job)
	data, err := os.ReadFile(filepath.Join(workDir, "output.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return OutputError, nil
		}
		return nil, fmt.Errorf("reading output.json for %s: %w", job.JobID, err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing output.json for %s: %w", job.JobID, err)
	}

	if errField, ok := doc["error"]; ok {
		logging.Log.WithField("job_id", job.JobID).WithField("error", errField).Warn("job output contains an in-band error")
	}

	return doc, nil
}

// CleanupAll attempts to remove every container handle recorded so
// far. Per-handle removal errors are swallowed; this is best-effort
// teardown and is idempotent — calling it twice is safe because
// handles are cleared after the first pass.
func (r *Runner) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.adapter.Remove(ctx, h.NativeID); err != nil {
			logging.Log.WithField("job_id", h.JobID).WithError(err).Warn("failed to remove container during cleanup")
		}
	}
}

// LiveHandleCount returns the number of container handles currently
// tracked for cleanup.
func (r *Runner) LiveHandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
