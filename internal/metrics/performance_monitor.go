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
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

const throughputPeriod = 10 * time.Second

// PerformanceMonitor tracks hub-wide transcription and transport metrics.
// It also observes sessions as a session.Listener.
type PerformanceMonitor struct {
	mutex sync.RWMutex
	now   func() time.Time

	// Window transcription
	windowsProcessed    uint64
	totalProcessingTime time.Duration
	maxProcessingTime   time.Duration
	minProcessingTime   time.Duration
	processedAudio      time.Duration
	sampleRate          int

	// Sessions
	sessionsCompleted      uint64
	sessionsAborted        uint64
	averageSessionDuration time.Duration

	// Errors
	timeouts          uint64
	failures          uint64
	invalidWindows    uint64
	instanceLosses    uint64
	frameErrors       uint64
	bufferOverflows   uint64
	framesReceived    uint64
	lastOverflowCount map[string]uint64

	// Throughput
	lastThroughputCheck time.Time
	windowsInLastPeriod uint64
	currentThroughput   float64 // windows per second

	recommendations []string
}

// ProcessingMetrics holds transcription performance figures
type ProcessingMetrics struct {
	WindowsProcessed      uint64        `json:"windows_processed"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	MaxProcessingTime     time.Duration `json:"max_processing_time"`
	MinProcessingTime     time.Duration `json:"min_processing_time"`
	RealTimeFactor        float64       `json:"real_time_factor"`
	CurrentThroughput     float64       `json:"current_throughput"`
	Timeouts              uint64        `json:"timeouts"`
	Failures              uint64        `json:"failures"`
	InvalidWindows        uint64        `json:"invalid_windows"`
	BufferOverflows       uint64        `json:"buffer_overflows"`
}

// NewPerformanceMonitor creates a monitor for audio at sampleRate
func NewPerformanceMonitor(sampleRate int) *PerformanceMonitor {
	pm := &PerformanceMonitor{now: time.Now, sampleRate: sampleRate}
	pm.resetLocked()
	return pm
}

func (pm *PerformanceMonitor) resetLocked() {
	pm.windowsProcessed = 0
	pm.totalProcessingTime = 0
	pm.maxProcessingTime = 0
	pm.minProcessingTime = time.Hour
	pm.processedAudio = 0

	pm.sessionsCompleted = 0
	pm.sessionsAborted = 0
	pm.averageSessionDuration = 0

	pm.timeouts = 0
	pm.failures = 0
	pm.invalidWindows = 0
	pm.instanceLosses = 0
	pm.frameErrors = 0
	pm.bufferOverflows = 0
	pm.framesReceived = 0
	pm.lastOverflowCount = make(map[string]uint64)

	pm.lastThroughputCheck = pm.now()
	pm.windowsInLastPeriod = 0
	pm.currentThroughput = 0
	pm.recommendations = nil
}

// RecordWindowProcessing records one transcribed window
func (pm *PerformanceMonitor) RecordWindowProcessing(processingTime time.Duration, windowSamples int) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	pm.windowsProcessed++
	pm.totalProcessingTime += processingTime
	if pm.sampleRate > 0 {
		pm.processedAudio += time.Duration(windowSamples) * time.Second / time.Duration(pm.sampleRate)
	}

	if processingTime > pm.maxProcessingTime {
		pm.maxProcessingTime = processingTime
	}
	if processingTime < pm.minProcessingTime {
		pm.minProcessingTime = processingTime
	}

	pm.windowsInLastPeriod++

	now := pm.now()
	if elapsed := now.Sub(pm.lastThroughputCheck); elapsed >= throughputPeriod {
		pm.currentThroughput = float64(pm.windowsInLastPeriod) / elapsed.Seconds()
		pm.windowsInLastPeriod = 0
		pm.lastThroughputCheck = now
		pm.updateRecommendations()
	}
}

// RecordFailure classifies a failed window
func (pm *PerformanceMonitor) RecordFailure(err error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	switch {
	case errors.Is(err, engine.ErrTimeout):
		pm.timeouts++
	case errors.Is(err, engine.ErrInvalidAudioFormat):
		pm.invalidWindows++
	case errors.Is(err, engine.ErrInstanceNotFound):
		pm.instanceLosses++
	default:
		pm.failures++
	}
}

// RecordFrame records a received transport frame
func (pm *PerformanceMonitor) RecordFrame() {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.framesReceived++
}

// RecordFrameError records a malformed or rejected transport frame
func (pm *PerformanceMonitor) RecordFrameError() {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.frameErrors++
}

// RecordSessionClosed records a finished session
func (pm *PerformanceMonitor) RecordSessionClosed(completed bool, sessionDuration time.Duration) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if completed {
		pm.sessionsCompleted++
	} else {
		pm.sessionsAborted++
	}

	closed := pm.sessionsCompleted + pm.sessionsAborted
	//nolint:gosec // G115: session counts stay far below int64 range
	pm.averageSessionDuration = (pm.averageSessionDuration*time.Duration(closed-1) + sessionDuration) / time.Duration(closed)
}

// recordOverflows adds the growth of a session's overflow counter
func (pm *PerformanceMonitor) recordOverflows(sessionID string, total uint64, final bool) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if last := pm.lastOverflowCount[sessionID]; total > last {
		pm.bufferOverflows += total - last
	}
	if final {
		delete(pm.lastOverflowCount, sessionID)
	} else {
		pm.lastOverflowCount[sessionID] = total
	}
}

// OnTranscript implements session.Listener
func (pm *PerformanceMonitor) OnTranscript(p session.Progress, result worker.TranscriptionResult, _ validation.Alignment) {
	pm.RecordWindowProcessing(result.Duration, result.WindowLenSamples)
	pm.recordOverflows(p.SessionID, p.Stats.BufferOverflows, false)
}

// OnFailure implements session.Listener
func (pm *PerformanceMonitor) OnFailure(p session.Progress, err error) {
	pm.RecordFailure(err)
	pm.recordOverflows(p.SessionID, p.Stats.BufferOverflows, false)
}

// OnFinished implements session.Listener
func (pm *PerformanceMonitor) OnFinished(p session.Progress) {
	pm.recordOverflows(p.SessionID, p.Stats.BufferOverflows, true)
	pm.RecordSessionClosed(p.State == session.StateCompleted, p.UpdatedAt.Sub(p.StartedAt))
}

func (pm *PerformanceMonitor) averageLocked() time.Duration {
	if pm.windowsProcessed == 0 {
		return 0
	}
	//nolint:gosec // G115: window counts stay far below int64 range
	return pm.totalProcessingTime / time.Duration(pm.windowsProcessed)
}

func (pm *PerformanceMonitor) realTimeFactorLocked() float64 {
	if pm.processedAudio <= 0 {
		return 0
	}
	return float64(pm.totalProcessingTime) / float64(pm.processedAudio)
}

// GetProcessingMetrics returns current transcription metrics
func (pm *PerformanceMonitor) GetProcessingMetrics() ProcessingMetrics {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	minTime := pm.minProcessingTime
	if pm.windowsProcessed == 0 {
		minTime = 0
	}

	return ProcessingMetrics{
		WindowsProcessed:      pm.windowsProcessed,
		AverageProcessingTime: pm.averageLocked(),
		MaxProcessingTime:     pm.maxProcessingTime,
		MinProcessingTime:     minTime,
		RealTimeFactor:        pm.realTimeFactorLocked(),
		CurrentThroughput:     pm.currentThroughput,
		Timeouts:              pm.timeouts,
		Failures:              pm.failures,
		InvalidWindows:        pm.invalidWindows,
		BufferOverflows:       pm.bufferOverflows,
	}
}

// GetPerformanceStatus returns comprehensive performance status
func (pm *PerformanceMonitor) GetPerformanceStatus() map[string]interface{} {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	attempts := pm.windowsProcessed + pm.timeouts + pm.failures + pm.invalidWindows
	var timeoutRate, failureRate float64
	if attempts > 0 {
		timeoutRate = float64(pm.timeouts) / float64(attempts) * 100
		failureRate = float64(pm.failures) / float64(attempts) * 100
	}
	var frameErrorRate float64
	if pm.framesReceived > 0 {
		frameErrorRate = float64(pm.frameErrors) / float64(pm.framesReceived) * 100
	}

	return map[string]interface{}{
		"windows_processed":          pm.windowsProcessed,
		"average_processing_time_ms": pm.averageLocked().Milliseconds(),
		"max_processing_time_ms":     pm.maxProcessingTime.Milliseconds(),
		"real_time_factor":           pm.realTimeFactorLocked(),
		"current_throughput_wps":     pm.currentThroughput,
		"sessions_completed":         pm.sessionsCompleted,
		"sessions_aborted":           pm.sessionsAborted,
		"average_session_duration_s": pm.averageSessionDuration.Seconds(),
		"timeout_rate":               timeoutRate,
		"failure_rate":               failureRate,
		"instance_losses":            pm.instanceLosses,
		"frames_received":            pm.framesReceived,
		"frame_error_rate":           frameErrorRate,
		"buffer_overflows":           pm.bufferOverflows,
		"recommendations":            append([]string{}, pm.recommendations...),
	}
}

// updateRecommendations derives tuning hints from current metrics
func (pm *PerformanceMonitor) updateRecommendations() {
	pm.recommendations = nil

	if rtf := pm.realTimeFactorLocked(); rtf > 1 {
		pm.recommendations = append(pm.recommendations,
			"Transcription is slower than real time. Use a smaller model or raise the window step.")
	}

	attempts := pm.windowsProcessed + pm.timeouts + pm.failures
	if attempts > 0 && float64(pm.timeouts)/float64(attempts) > 0.05 {
		pm.recommendations = append(pm.recommendations,
			"High transcription timeout rate (>5%). Increase the engine timeout or reduce concurrency.")
	}
	if attempts > 0 && float64(pm.failures)/float64(attempts) > 0.01 {
		pm.recommendations = append(pm.recommendations,
			"Engine failures above 1%. Check the model and backend logs.")
	}

	if pm.bufferOverflows > 0 {
		pm.recommendations = append(pm.recommendations,
			"Audio buffer overflows detected. Increase the buffer duration or the tick rate.")
	}

	if pm.framesReceived > 100 && float64(pm.frameErrors)/float64(pm.framesReceived) > 0.05 {
		pm.recommendations = append(pm.recommendations,
			"High frame error rate (>5%). Check client frame encoding.")
	}
}

// RefreshRecommendations recomputes tuning hints immediately
func (pm *PerformanceMonitor) RefreshRecommendations() []string {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.updateRecommendations()
	return append([]string{}, pm.recommendations...)
}

// GetRecommendations returns current performance recommendations
func (pm *PerformanceMonitor) GetRecommendations() []string {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	return append([]string{}, pm.recommendations...)
}

// LogPerformanceSummary logs a performance summary
func (pm *PerformanceMonitor) LogPerformanceSummary() {
	if logging.Logger == nil {
		return
	}
	m := pm.GetProcessingMetrics()

	logging.Logger.Info("Performance summary",
		zap.String("component", "metrics"),
		zap.Uint64("windows_processed", m.WindowsProcessed),
		zap.Duration("avg_processing_time", m.AverageProcessingTime),
		zap.Float64("real_time_factor", m.RealTimeFactor),
		zap.Uint64("timeouts", m.Timeouts),
		zap.Uint64("buffer_overflows", m.BufferOverflows),
	)

	if recommendations := pm.GetRecommendations(); len(recommendations) > 0 {
		logging.LogWarn("Performance recommendations", zap.Strings("recommendations", recommendations))
	}
}

// Reset resets all performance metrics
func (pm *PerformanceMonitor) Reset() {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	pm.resetLocked()
}
