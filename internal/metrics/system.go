package metrics

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	selfOnce sync.Once
	selfProc *process.Process
)

func self() *process.Process {
	selfOnce.Do(func() {
		// Errors leave selfProc nil; system sampling degrades to
		// runtime-only metrics.
		selfProc, _ = process.NewProcess(int32(os.Getpid()))
	})
	return selfProc
}

// CollectSystemMetrics samples the process's memory and CPU usage into the
// "memory" and "cpu" categories. Intended to run on the same interval as the
// cache sweep.
func (m *Monitor) CollectSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	memFields := map[string]any{
		"heap_used":  ms.HeapAlloc,
		"heap_total": ms.HeapSys,
	}

	p := self()
	if p != nil {
		if info, err := p.MemoryInfo(); err == nil && info != nil {
			memFields["rss"] = info.RSS
		}
	}
	m.RecordMetric("memory", memFields)

	if p != nil {
		if pct, err := p.CPUPercent(); err == nil {
			m.RecordMetric("cpu", map[string]any{
				"percent":    pct,
				"goroutines": runtime.NumGoroutine(),
			})
		}
	}
}
