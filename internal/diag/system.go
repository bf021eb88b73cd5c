// Package diag exposes gopsutil-sourced process/host gauges alongside the
// resolver's own metrics.
//
// Nothing in the resolver's correctness path depends on these numbers; they
// exist purely for the /health endpoint and operator visibility.
package diag

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time read of process/host resource usage.
type Snapshot struct {
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFiles  int     `json:"open_files"`
}

// Collect reads the current process's resource usage. Any individual
// gopsutil failure is reported as a zero value rather than propagated: this
// is diagnostic-only data, never a dependency of a resolver operation.
func Collect() Snapshot {
	snap := Snapshot{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap
	}
	if pct, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if files, err := proc.OpenFiles(); err == nil {
		snap.OpenFiles = len(files)
	}
	return snap
}

// CPUCount reports the number of logical CPUs gopsutil observes, used at
// startup logging time alongside automaxprocs' GOMAXPROCS adjustment.
func CPUCount() int {
	n, err := cpu.Counts(true)
	if err != nil {
		return runtime.NumCPU()
	}
	return n
}
