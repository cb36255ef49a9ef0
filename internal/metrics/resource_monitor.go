/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/logging"
)

// ResourceMonitor tracks process resources and flags likely leaks
type ResourceMonitor struct {
	startGoroutines int
	startMemory     uint64
	maxGoroutines   int
	maxMemoryMB     uint64
	mu              sync.RWMutex

	metrics ResourceMetrics
}

// ResourceMetrics holds current resource usage metrics
type ResourceMetrics struct {
	Goroutines      int           `json:"goroutines"`
	MemoryMB        uint64        `json:"memory_mb"`
	GCCycles        uint32        `json:"gc_cycles"`
	LastGCPause     time.Duration `json:"last_gc_pause"`
	ActiveSessions  int           `json:"active_sessions"`
	EngineInstances int           `json:"engine_instances"`
}

// ResourceProbe reports hub state the monitor cannot derive from the runtime
type ResourceProbe interface {
	Len() int
}

// NewResourceMonitor creates a resource monitor with baseline measurements
func NewResourceMonitor() *ResourceMonitor {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rm := &ResourceMonitor{
		startGoroutines: runtime.NumGoroutine(),
		startMemory:     m.Alloc / 1024 / 1024,
		maxGoroutines:   1000,
		maxMemoryMB:     1024, // models are resident
	}

	if logging.Logger != nil {
		logging.Logger.Info("ResourceMonitor initialized",
			zap.String("component", "metrics"),
			zap.Int("baseline_goroutines", rm.startGoroutines),
			zap.Uint64("baseline_memory_mb", rm.startMemory))
	}

	return rm
}

// SetLimits overrides the goroutine and memory ceilings
func (rm *ResourceMonitor) SetLimits(maxGoroutines int, maxMemoryMB uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.maxGoroutines = maxGoroutines
	rm.maxMemoryMB = maxMemoryMB
}

// UpdateMetrics samples the runtime together with hub counts
func (rm *ResourceMonitor) UpdateMetrics(activeSessions, engineInstances int) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.metrics = ResourceMetrics{
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   m.Alloc / 1024 / 1024,
		GCCycles:   m.NumGC,
		//nolint:gosec // G115: pause values fit in int64
		LastGCPause:     time.Duration(m.PauseNs[(m.NumGC+255)%256]),
		ActiveSessions:  activeSessions,
		EngineInstances: engineInstances,
	}
}

// Sample updates metrics from the given session and engine probes
func (rm *ResourceMonitor) Sample(sessions, engines ResourceProbe) {
	var active, instances int
	if sessions != nil {
		active = sessions.Len()
	}
	if engines != nil {
		instances = engines.Len()
	}
	rm.UpdateMetrics(active, instances)
}

// GetMetrics returns current resource metrics
func (rm *ResourceMonitor) GetMetrics() ResourceMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metrics
}

// CheckResourceLeaks reports warnings for suspicious resource usage
func (rm *ResourceMonitor) CheckResourceLeaks() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var warnings []string

	// Each live session holds a few goroutines (coordinator, transport loops).
	allowance := 50 + 4*rm.metrics.ActiveSessions
	if goroutineDiff := rm.metrics.Goroutines - rm.startGoroutines; goroutineDiff > allowance {
		warnings = append(warnings,
			fmt.Sprintf("Potential goroutine leak: %d goroutines (started with %d)",
				rm.metrics.Goroutines, rm.startGoroutines))
	}

	if rm.metrics.MemoryMB > rm.startMemory && rm.metrics.MemoryMB-rm.startMemory > 200 {
		warnings = append(warnings,
			fmt.Sprintf("Significant memory increase: %dMB (started with %dMB)",
				rm.metrics.MemoryMB, rm.startMemory))
	}

	if rm.metrics.Goroutines > rm.maxGoroutines {
		warnings = append(warnings,
			fmt.Sprintf("Goroutine limit exceeded: %d (max %d)",
				rm.metrics.Goroutines, rm.maxGoroutines))
	}

	if rm.metrics.MemoryMB > rm.maxMemoryMB {
		warnings = append(warnings,
			fmt.Sprintf("Memory limit exceeded: %dMB (max %dMB)",
				rm.metrics.MemoryMB, rm.maxMemoryMB))
	}

	if rm.metrics.EngineInstances > rm.metrics.ActiveSessions {
		warnings = append(warnings,
			fmt.Sprintf("Engine instances outnumber sessions: %d instances, %d sessions",
				rm.metrics.EngineInstances, rm.metrics.ActiveSessions))
	}

	if rm.metrics.LastGCPause > 100*time.Millisecond {
		warnings = append(warnings,
			fmt.Sprintf("High GC pause detected: %v", rm.metrics.LastGCPause))
	}

	return warnings
}

// IsHealthy returns true if resource usage is within acceptable limits
func (rm *ResourceMonitor) IsHealthy() bool {
	return len(rm.CheckResourceLeaks()) == 0
}

// GetHealthStatus returns a health status summary
func (rm *ResourceMonitor) GetHealthStatus() map[string]interface{} {
	metrics := rm.GetMetrics()
	warnings := rm.CheckResourceLeaks()

	return map[string]interface{}{
		"healthy":          len(warnings) == 0,
		"warnings":         warnings,
		"goroutines":       metrics.Goroutines,
		"memory_mb":        metrics.MemoryMB,
		"active_sessions":  metrics.ActiveSessions,
		"engine_instances": metrics.EngineInstances,
		"gc_cycles":        metrics.GCCycles,
		"last_gc_pause_ns": int64(metrics.LastGCPause),
	}
}
