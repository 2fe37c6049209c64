package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerAdapter implements Adapter against the local Docker daemon.
type DockerAdapter struct {
	client *client.Client
	sink   LogSink
}

// NewDockerAdapter creates a DockerAdapter using the default Docker
// socket (unix:///var/run/docker.sock, or npipe on Windows).
func NewDockerAdapter(sink LogSink) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerAdapter{client: cli, sink: sink}, nil
}

// GetImage pulls the image if it is not already present locally.
func (d *DockerAdapter) GetImage(ctx context.Context, ref string) (string, error) {
	logger := logging.Log.WithField("image", ref)

	_, _, err := d.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		logger.Debug("image found locally")
		return ref, nil
	}

	logger.Info("pulling image")
	pullResp, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer pullResp.Close()

	if _, err := io.Copy(io.Discard, pullResp); err != nil {
		return "", fmt.Errorf("error reading pull response for %s: %w", ref, err)
	}

	return ref, nil
}

// Run creates and starts a container for cfg, then spawns a goroutine
// that demultiplexes its log stream, forwards lines to the sink, waits
// for exit, and only then notifies every queue in notifyQueues.
func (d *DockerAdapter) Run(ctx context.Context, cfg Config, notifyQueues []NotifyQueue) (string, error) {
	logger := logging.Log.WithField("job_id", cfg.JobID)

	if cfg.Image == "" {
		return "", fmt.Errorf("image is required")
	}

	// SDK module images run their own entrypoint with no command; unlike
	// a generic job runner, this adapter never overrides either.
	containerConfig := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Command,
		Env:          envMapToSlice(cfg.Env),
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       cfg.Labels,
	}

	needsRoot := false
	for _, c := range cfg.Capabilities {
		if c == CapabilityDocker {
			needsRoot = true
		}
	}
	if !needsRoot {
		containerConfig.User = "1001:1001"
	}

	binds := make([]string, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.HostDir, m.ContainerDir, mode))
	}

	privileged := false
	for _, c := range cfg.Capabilities {
		if c == CapabilityDocker {
			privileged = true
		}
	}

	hostConfig := &container.HostConfig{
		Binds:      binds,
		Privileged: privileged,
		AutoRemove: false,
	}

	containerName := fmt.Sprintf("jobrunner-%s", cfg.JobID)
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	logger.WithField("container_id", resp.ID).Info("container started")

	go d.streamAndWait(context.Background(), cfg.JobID, resp.ID, notifyQueues)

	return resp.ID, nil
}

// streamAndWait demultiplexes stdout/stderr, forwards each non-empty
// line to the sink, blocks until the container exits, and only then
// notifies the caller's queues. The notification must come strictly
// after the drain completes or the supervisor may observe a truncated
// output.json.
func (d *DockerAdapter) streamAndWait(ctx context.Context, jobID, containerID string, notifyQueues []NotifyQueue) {
	logger := logging.Log.WithField("container_id", containerID)

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	var drained sync.WaitGroup
	if err != nil {
		logger.WithError(err).Error("failed to attach to container logs")
	} else {
		stdoutReader, stdoutWriter := io.Pipe()
		stderrReader, stderrWriter := io.Pipe()

		go func() {
			defer logs.Close()
			defer stdoutWriter.Close()
			defer stderrWriter.Close()
			if _, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, logs); err != nil && err != io.EOF {
				logger.WithError(err).Error("error demultiplexing container log stream")
			}
		}()

		drained.Add(2)
		go func() {
			defer drained.Done()
			drainLines(d.sink, jobID, stdoutReader, false)
		}()
		go func() {
			defer drained.Done()
			drainLines(d.sink, jobID, stderrReader, true)
		}()
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("error waiting for container exit")
		}
	case status := <-statusCh:
		logger.WithField("exit_code", status.StatusCode).Info("container exited")
	}

	drained.Wait()
	for _, q := range notifyQueues {
		q.NotifyFinished(jobID)
	}
}

// Remove force-removes the container referenced by handle.
func (d *DockerAdapter) Remove(ctx context.Context, handle string) error {
	return d.client.ContainerRemove(ctx, handle, container.RemoveOptions{RemoveVolumes: true, Force: true})
}

func envMapToSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

var _ Adapter = (*DockerAdapter)(nil)
