// Package resourcemon periodically samples this process's own CPU and
// memory usage and records them to the metrics gauges and the
// structured log. It has no notion of a worker pool or job queue — it
// exists to surface the single supervisor process's health.
package resourcemon

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/kbase/job-runner-go/internal/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Monitor samples process resource usage on an interval.
type Monitor struct {
	interval time.Duration
	proc     *process.Process

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Monitor sampling every interval (default 30s if zero).
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logging.Log.WithError(err).Warn("failed to get process handle for resource monitoring")
		proc = nil
	}

	return &Monitor{
		interval: interval,
		proc:     proc,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling in a background goroutine until ctx is done or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts sampling and waits for the loop goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var cpuPercent float64
	var memBytes float64

	if m.proc != nil {
		if pct, err := m.proc.CPUPercent(); err == nil {
			cpuPercent = pct
		}
		if memInfo, err := m.proc.MemoryInfo(); err == nil && memInfo != nil {
			memBytes = float64(memInfo.RSS)
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}

	metrics.RecordResourceUsage(cpuPercent, memBytes)

	logging.Log.WithFields(map[string]interface{}{
		"cpu_percent":  cpuPercent,
		"memory_bytes": memBytes,
		"goroutines":   runtime.NumGoroutine(),
	}).Debug("resource sample")
}
