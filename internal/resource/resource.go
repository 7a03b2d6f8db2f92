// Package resource holds the collector's container-aware resource helpers:
// MemoryLimitBytes reads the memory actually available to the process,
// whether that's a cgroup-constrained container or a bare VM, and
// MaxConnections turns that figure into an upper bound on concurrent
// outbound connections. Adapted from the teacher's root-level
// cgroup-detection helpers, it adds a gopsutil-backed fallback for
// environments with no cgroup filesystem at all, and wires
// go.uber.org/automaxprocs so GOMAXPROCS matches the container's real CPU
// quota rather than the host's full core count. The service layer calls
// only ApplyGOMAXPROCS; no worker pool or ingestion buffer is sized from
// these figures.
package resource

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	runtimeOverheadBytes = 128 * 1024 * 1024
	bytesPerConnection   = 180 * 1024
	minConnections       = 100
	maxConnections       = 50_000
	defaultConnections   = 10_000
)

// ApplyGOMAXPROCS sets GOMAXPROCS from the container's CPU quota (cgroup
// cpu.max / cpu.cfs_quota_us), logging what it changed. Safe to call
// outside a container; it's then a no-op.
func ApplyGOMAXPROCS(logger zerolog.Logger) {
	_, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info().Msgf(format, args...)
	}))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to apply GOMAXPROCS from cgroup CPU quota")
	}
}

// MemoryLimitBytes returns the container memory limit in bytes, trying
// cgroup v2 (/sys/fs/cgroup/memory.max) then cgroup v1
// (/sys/fs/cgroup/memory/memory.limit_in_bytes), falling back to
// gopsutil's view of total system memory when neither cgroup file exists
// (bare metal, VMs, non-Linux development hosts). Returns 0 only when no
// figure could be determined at all.
func MemoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limit, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
			return limit, nil
		}
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, nil
	}
	return int64(vm.Total), nil
}

// MaxConnections derives a safe upper bound on concurrent outbound
// exchange WebSocket connections from memoryLimitBytes, reserving
// runtimeOverheadBytes for the Go runtime/metrics/buffer pools and
// budgeting bytesPerConnection (outbound priority queue + orderbook state
// + per-connection bookkeeping) per connection, clamped to
// [minConnections, maxConnections].
func MaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return defaultConnections
	}

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	max := int(available / bytesPerConnection)
	if max < minConnections {
		max = minConnections
	}
	if max > maxConnections {
		max = maxConnections
	}
	return max
}
