// limits.go enforces best-effort per-child resource caps by sampling the
// child's memory and CPU usage. Exceeding a cap marks the child unhealthy and
// terminates it; the monitor then treats the death as an abnormal exit, so
// the usual restart policy applies. This is resource hygiene, not a security
// boundary.
package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// limitSampleInterval is how often a child's resource usage is sampled.
const limitSampleInterval = 5 * time.Second

// limitWatcher samples one child until the record exits or a cap is blown.
type limitWatcher struct {
	maxMemoryBytes uint64
	maxCPUPct      float64
	interval       time.Duration
	logger         *zap.Logger
}

// watch runs in its own goroutine per running child. kill is called at most
// once, when a cap is exceeded; the watcher then exits and leaves the
// cleanup to the monitor goroutine observing the process death.
func (w *limitWatcher) watch(rec *serverRecord, kill func(reason string)) {
	if w.maxMemoryBytes == 0 && w.maxCPUPct == 0 {
		return
	}

	rec.mu.Lock()
	pid := rec.pid
	rec.mu.Unlock()
	if pid == 0 {
		return
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		w.logger.Debug("cannot attach resource watcher", zap.Int("pid", pid), zap.Error(err))
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rec.exited:
			return
		case <-ticker.C:
		}

		if w.maxMemoryBytes > 0 {
			mem, err := proc.MemoryInfo()
			if err != nil {
				// Process likely gone; the monitor handles the exit.
				return
			}
			if mem.RSS > w.maxMemoryBytes {
				w.logger.Warn("child exceeded memory cap",
					zap.String("server_id", rec.id),
					zap.Uint64("rss_bytes", mem.RSS),
					zap.Uint64("cap_bytes", w.maxMemoryBytes))
				kill("memory cap exceeded")
				return
			}
		}

		if w.maxCPUPct > 0 {
			pct, err := proc.CPUPercent()
			if err != nil {
				return
			}
			if pct > w.maxCPUPct {
				w.logger.Warn("child exceeded cpu cap",
					zap.String("server_id", rec.id),
					zap.Float64("cpu_pct", pct),
					zap.Float64("cap_pct", w.maxCPUPct))
				kill("cpu cap exceeded")
				return
			}
		}

		rec.touchHealth()
	}
}
