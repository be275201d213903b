package bitmapcache

import (
	"math"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultFloorBytes is the smallest budget a cache is given regardless of
	// reported memory
	DefaultFloorBytes = 16 * 1024 * 1024

	// fallbackAvailableBytes is assumed when host memory cannot be read
	fallbackAvailableBytes = 1024 * 1024 * 1024

	availableDivisor = 8
)

// availableMemory is replaced in tests
var availableMemory = runtimeAvailableMemory

// ComputeBudget returns clamp(limit, floor, available/8). A non-positive limit
// means "as much as memory allows". The floor wins when available memory is
// too small to honour it.
func ComputeBudget(limit, floor int64) int64 {
	return computeBudget(limit, floor, availableMemory())
}

func computeBudget(limit, floor, available int64) int64 {
	if floor <= 0 {
		floor = DefaultFloorBytes
	}
	ceiling := available / availableDivisor

	budget := limit
	if budget <= 0 || budget > ceiling {
		budget = ceiling
	}
	if budget < floor {
		budget = floor
	}
	return budget
}

// runtimeAvailableMemory is host available memory, further bounded by the Go
// runtime soft memory limit when one is set
func runtimeAvailableMemory() int64 {
	available := int64(fallbackAvailableBytes)
	if v, err := mem.VirtualMemory(); err == nil && v.Available > 0 {
		if v.Available > math.MaxInt64 {
			available = math.MaxInt64
		} else {
			available = int64(v.Available)
		}
	}

	// A negative input only queries the current limit
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < available {
		available = limit
	}
	return available
}
