package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// ShifterAdapter implements Adapter against the shifter HPC container
// runtime by shelling out to the shifter CLI. There is no shifter Go
// client library; every operation is a subprocess invocation.
type ShifterAdapter struct {
	sink LogSink

	mu      sync.Mutex
	handles map[string]*exec.Cmd
}

// NewShifterAdapter returns a ShifterAdapter.
func NewShifterAdapter(sink LogSink) *ShifterAdapter {
	return &ShifterAdapter{sink: sink, handles: make(map[string]*exec.Cmd)}
}

// GetImage looks up ref locally via `shifterimg lookup` and, on
// miss, pulls it once via `shifterimg pull`.
//
// The original adapter this is grounded on compared the lookup
// command's split-by-whitespace stdout (a list) against the empty
// string, which is never true regardless of whether the image was
// found — every lookup fell through to a pull. Here a missing image is
// detected by an empty trimmed stdout, which is the condition that
// comparison was almost certainly meant to test.
func (s *ShifterAdapter) GetImage(ctx context.Context, ref string) (string, error) {
	out, err := exec.CommandContext(ctx, "shifterimg", "lookup", ref).Output()
	id := strings.TrimSpace(string(out))
	if err == nil && id != "" {
		return id, nil
	}

	logging.Log.WithField("image", ref).Info("shifter image not present locally, pulling")
	if pullErr := s.pull(ctx, ref); pullErr != nil {
		return "", fmt.Errorf("shifter pull failed for %s: %w", ref, pullErr)
	}

	out, err = exec.CommandContext(ctx, "shifterimg", "lookup", ref).Output()
	id = strings.TrimSpace(string(out))
	if err != nil || id == "" {
		return "", fmt.Errorf("shifter image %s unavailable after pull", ref)
	}
	return id, nil
}

func (s *ShifterAdapter) pull(ctx context.Context, ref string) error {
	return exec.CommandContext(ctx, "shifterimg", "pull", ref).Run()
}

// Run launches `shifter --image=<ref> <command...>` as a subprocess,
// merging cfg.Env over the adapter's own environment, and spawns a
// reader goroutine that forwards output lines and posts to
// notifyQueues once the process has exited and its pipes are drained.
func (s *ShifterAdapter) Run(ctx context.Context, cfg Config, notifyQueues []NotifyQueue) (string, error) {
	args := []string{fmt.Sprintf("--image=%s", cfg.Image)}
	args = append(args, cfg.Command...)

	cmd := exec.Command("shifter", args...)
	cmd.Env = append(os.Environ(), envMapToSlice(cfg.Env)...)
	for _, m := range cfg.Mounts {
		// shifter's bind-mount flag; ro suffix mirrors docker's mount mode.
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		cmd.Args = append(cmd.Args, "--volume="+m.HostDir+":"+m.ContainerDir+":"+mode)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open shifter stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open shifter stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start shifter: %w", err)
	}

	handle := fmt.Sprintf("shifter-%s", cfg.JobID)
	s.mu.Lock()
	s.handles[handle] = cmd
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(s.sink, cfg.JobID, stdout, false)
	}()
	go func() {
		defer wg.Done()
		drainLines(s.sink, cfg.JobID, stderr, true)
	}()

	go func() {
		wg.Wait() // both pipes fully drained before we wait() the process
		if err := cmd.Wait(); err != nil {
			logging.Log.WithField("job_id", cfg.JobID).WithError(err).Warn("shifter process exited with error")
		}
		for _, q := range notifyQueues {
			q.NotifyFinished(cfg.JobID)
		}
	}()

	return handle, nil
}

// Remove kills the shifter process associated with handle, if still
// running, and forgets it. Best-effort.
func (s *ShifterAdapter) Remove(ctx context.Context, handle string) error {
	s.mu.Lock()
	cmd, ok := s.handles[handle]
	delete(s.handles, handle)
	s.mu.Unlock()

	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

var _ Adapter = (*ShifterAdapter)(nil)
