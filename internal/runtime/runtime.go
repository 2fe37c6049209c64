// Package runtime provides a uniform surface over the container
// backends that actually execute a job's workload. Two backends
// conform: docker and shifter. The supervisor and method runner only
// ever see the Adapter interface.
package runtime

import (
	"context"
	"fmt"
)

// Capability constants describe what a launched workload needs from
// its runtime environment.
const (
	CapabilityDocker = "docker"
	CapabilityGPU    = "gpu"
)

// Config is everything an Adapter needs to launch one workload.
type Config struct {
	JobID        string
	Image        string
	Command      []string
	Env          map[string]string
	Mounts       []Mount
	Labels       map[string]string
	Capabilities []string
	Subjob       bool

	CPULimit    string
	MemoryLimit string
}

// Mount is one bind mount, ordered as the method runner computed it.
type Mount struct {
	HostDir      string
	ContainerDir string
	ReadOnly     bool
}

// NotifyQueue receives a Finished(job_id) signal from a launched
// workload's log-reader task once the process has exited and its
// output has been fully drained. It is deliberately narrower than the
// supervisor's full QueueEvent channel so a runtime backend cannot
// post anything but a finish notification.
type NotifyQueue interface {
	NotifyFinished(jobID string)
}

// Adapter is the abstract surface a container runtime backend must
// satisfy. GetImage ensures the image is locally available; Run starts
// the workload and its own log-reader task and returns immediately;
// Remove is best-effort teardown.
type Adapter interface {
	// GetImage idempotently ensures the image is locally available,
	// returning a backend-specific identifier (or empty string if the
	// backend has none).
	GetImage(ctx context.Context, ref string) (id string, err error)

	// Run starts the workload and spawns an internal log-reader task
	// that forwards lines to the configured log sink and posts to every
	// queue in notifyQueues after the process exits and output is
	// drained. Returns a handle immediately; never blocks for exit.
	Run(ctx context.Context, cfg Config, notifyQueues []NotifyQueue) (handle string, err error)

	// Remove tears down the workload referenced by handle. Best-effort;
	// callers are expected to swallow and log errors.
	Remove(ctx context.Context, handle string) error
}

// New constructs the Adapter named by runtimeName. Unknown values are
// a fatal init-time error, matching the upstream contract that an
// unrecognized runtime selector must not silently fall back.
func New(runtimeName string, sink LogSink) (Adapter, error) {
	switch runtimeName {
	case "", "docker":
		return NewDockerAdapter(sink)
	case "shifter":
		return NewShifterAdapter(sink), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q: must be docker or shifter", runtimeName)
	}
}

// LogSink is the narrow interface runtime adapters use to forward
// demultiplexed stdout/stderr lines. internal/logsink.Sink satisfies
// this.
type LogSink interface {
	Line(jobID string, text string, isError bool)
}
