// Package system reports process and host resource usage for the health endpoint.
package system

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Stats struct {
	ProcessRSSBytes         uint64  `json:"process_rss_bytes"`
	SystemMemoryUsedPercent float64 `json:"system_memory_used_percent"`
	SystemMemoryTotalBytes  uint64  `json:"system_memory_total_bytes"`
	Goroutines              int     `json:"goroutines"`
}

// Collect gathers what it can. Fields the platform cannot report stay zero
// and the first such error is returned alongside the partial stats.
func Collect(ctx context.Context) (Stats, error) {
	s := Stats{Goroutines: runtime.NumGoroutine()}
	var firstErr error

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		var info *process.MemoryInfoStat
		if info, err = proc.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSSBytes = info.RSS
		}
	}
	if err != nil {
		firstErr = err
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		s.SystemMemoryUsedPercent = vm.UsedPercent
		s.SystemMemoryTotalBytes = vm.Total
	} else if firstErr == nil {
		firstErr = err
	}

	return s, firstErr
}
