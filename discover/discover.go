// Package discover inspects the host to size the worker pool and to warn
// about memory pressure before a quantization run.
package discover

import (
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// maxDefaultWorkers caps the autodetected pool size. Quantization is
// memory-bandwidth bound, so more workers than this rarely helps.
const maxDefaultWorkers = 16

// DefaultWorkers returns the worker pool size to use when none is configured:
// the number of physical cores, capped at maxDefaultWorkers.
func DefaultWorkers() int {
	count, err := cpu.Counts(false)
	if err != nil || count < 1 {
		slog.Debug("physical core detection failed, falling back to GOMAXPROCS", "error", err)
		count = runtime.GOMAXPROCS(0)
	}

	if count > maxDefaultWorkers {
		count = maxDefaultWorkers
	}
	if count < 1 {
		count = 1
	}

	return count
}

// SystemMemory returns total and available memory in bytes. Both are zero if
// detection fails; callers treat that as "unknown", not as an error.
func SystemMemory() (total, available uint64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		slog.Debug("memory detection failed", "error", err)
		return 0, 0
	}

	return vm.Total, vm.Available
}
