// Package logsink buffers per-job log lines and forwards them to the
// execution engine in small batches, flushing on a line-count
// threshold or on explicit request. It optionally mirrors the full
// stream to object storage for later retrieval.
package logsink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/kbase/job-runner-go/internal/config"
	"github.com/kbase/job-runner-go/internal/engine"
	"github.com/kbase/job-runner-go/internal/objects"
)

const defaultThreshold = 5

// EngineClient is the narrow engine surface the sink forwards to.
type EngineClient interface {
	AddJobLogs(ctx context.Context, jobID string, lines []engine.LogLine) error
}

// Sink buffers log lines per job id and flushes them upstream once the
// buffer passes threshold lines. It is internally serialized; callers
// from multiple runtime-adapter reader goroutines may call Line
// concurrently.
type Sink struct {
	engine    EngineClient
	threshold int
	mirror    objects.ObjectStore
	debug     bool

	mu     sync.Mutex
	cache  []engine.LogLine
	mirrorBuf []byte
}

// New returns a Sink that flushes to engineClient once more than
// threshold lines are buffered (default 5, matching the original job
// runner's log batching),
// optionally mirroring every line to an object store.
func New(engineClient EngineClient, mirror objects.ObjectStore) *Sink {
	return &Sink{
		engine:    engineClient,
		threshold: defaultThreshold,
		mirror:    mirror,
		debug:     config.DebugRunner,
	}
}

// Line buffers one log line and flushes if the buffer has grown past
// the threshold. Implements runtime.LogSink.
func (s *Sink) Line(jobID string, text string, isError bool) {
	if s.debug {
		if isError {
			fmt.Fprintln(os.Stderr, text)
		} else {
			fmt.Fprintln(os.Stdout, text)
		}
	}

	s.mu.Lock()
	s.cache = append(s.cache, engine.LogLine{Line: text, IsError: isError})
	s.mirrorBuf = append(s.mirrorBuf, []byte(text+"\n")...)
	over := len(s.cache) > s.threshold
	s.mu.Unlock()

	if over {
		s.Flush(context.Background(), jobID)
	}
}

// Flush ships every buffered line for jobID upstream and, if a mirror
// object store is configured, appends the buffered mirror bytes to
// logs/<jobID>.log.
func (s *Sink) Flush(ctx context.Context, jobID string) {
	s.mu.Lock()
	lines := s.cache
	mirrorBytes := s.mirrorBuf
	s.cache = nil
	s.mirrorBuf = nil
	s.mu.Unlock()

	if len(lines) == 0 {
		return
	}

	if err := s.engine.AddJobLogs(ctx, jobID, lines); err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("failed to flush job logs upstream")
	}

	if s.mirror != nil && len(mirrorBytes) > 0 {
		s.mirrorAppend(ctx, jobID, mirrorBytes)
	}
}

func (s *Sink) mirrorAppend(ctx context.Context, jobID string, newBytes []byte) {
	key := fmt.Sprintf("logs/%s.log", jobID)

	existing, err := s.mirror.Get(ctx, key)
	var buf bytes.Buffer
	if err == nil {
		io.Copy(&buf, existing)
		existing.Close()
	} else if err != objects.ErrNotFound {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("failed to read existing mirrored logs")
	}
	buf.Write(newBytes)

	if err := s.mirror.Put(ctx, key, &buf, "text/plain"); err != nil {
		logging.Log.WithField("job_id", jobID).WithError(err).Warn("failed to mirror job logs to object store")
	}
}
