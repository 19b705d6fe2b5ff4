package config

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const maxDefaultConcurrency = 8

// DefaultConcurrency derives the worker count from logical CPUs. Backend
// calls are network bound, so the cap matters more than the CPU count.
func DefaultConcurrency() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 4
	}
	return min(n, maxDefaultConcurrency)
}

// AvailableMemoryMB returns available system memory, or 0 when unknown.
func AvailableMemoryMB() int64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return int64(v.Available / (1024 * 1024))
}
