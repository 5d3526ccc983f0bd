package sessionmgr

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

const (
	runtimeOverheadBytes = 128 * 1024 * 1024
	bytesPerSession      = 48 * 1024 // held list + reorder/reassembly maps, smaller than a full socket client
	minSessions          = 100
	maxSessionsCeiling   = 100000
	defaultMaxSessions   = 10000
)

// AdmissionGuard caps concurrently active sessions based on a static
// cgroup-derived memory ceiling and a sampled CPU reading, grounded on the
// teacher's ResourceGuard/DynamicCapacityManager (resource_guard.go,
// capacity.go): static configuration, no auto-tuning, a single emergency
// brake on CPU.
type AdmissionGuard struct {
	maxSessions      int
	cpuRejectPercent float64
	memoryLimitBytes int64
	currentCPU       atomic.Value // float64
	log              zerolog.Logger
}

// NewAdmissionGuard builds a guard whose session ceiling is derived from the
// container's cgroup memory limit (0 if undetected, in which case a
// conservative default is used) and which rejects admission once sampled
// CPU exceeds cpuRejectPercent.
func NewAdmissionGuard(log zerolog.Logger, cpuRejectPercent float64) *AdmissionGuard {
	limit, err := cgroupMemoryLimitBytes()
	if err != nil {
		limit = 0
	}
	g := &AdmissionGuard{
		maxSessions:      maxSessionsForMemory(limit),
		cpuRejectPercent: cpuRejectPercent,
		memoryLimitBytes: limit,
		log:              log,
	}
	g.currentCPU.Store(0.0)
	log.Info().
		Int("max_sessions", g.maxSessions).
		Int64("memory_limit_bytes", limit).
		Float64("cpu_reject_percent", cpuRejectPercent).
		Msg("admission guard initialized")
	return g
}

func maxSessionsForMemory(limitBytes int64) int {
	if limitBytes == 0 {
		return defaultMaxSessions
	}
	available := limitBytes - runtimeOverheadBytes
	if available < 0 {
		available = limitBytes / 2
	}
	n := int(available / bytesPerSession)
	if n < minSessions {
		n = minSessions
	}
	if n > maxSessionsCeiling {
		n = maxSessionsCeiling
	}
	return n
}

// Sample refreshes the guard's CPU reading. Call it periodically from the
// host part's own timer; Sample itself makes a blocking gopsutil call and
// must not be invoked from a session's Tick.
func (g *AdmissionGuard) Sample(ctx context.Context) error {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return err
	}
	if len(pcts) > 0 {
		g.currentCPU.Store(pcts[0])
	}
	return nil
}

// MaxSessions returns the configured session ceiling.
func (g *AdmissionGuard) MaxSessions() int { return g.maxSessions }

// ShouldAccept reports whether a new session should be admitted given
// activeSessions already active.
func (g *AdmissionGuard) ShouldAccept(activeSessions int) (bool, string) {
	if activeSessions >= g.maxSessions {
		return false, fmt.Sprintf("at max sessions (%d)", g.maxSessions)
	}
	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cpuRejectPercent {
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, g.cpuRejectPercent)
	}
	return true, "OK"
}
