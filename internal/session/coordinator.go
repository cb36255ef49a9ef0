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

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/window"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// EngineReleaser frees the engine instance a session owns.
type EngineReleaser interface {
	Free(id engine.InstanceID) error
}

// CoordinatorConfig wires a coordinator to shared infrastructure.
type CoordinatorConfig struct {
	ID             string
	Language       string
	SampleRate     int
	BufferCapacity int
	Window         window.Config
	Aligner        validation.AlignerOptions
	Pool           *worker.Pool
	Transcriber    *worker.Transcriber
	Engine         EngineReleaser
	Listener       Listener
}

// Coordinator runs one review session: audio in, windows out, transcripts
// aligned against the expected passage.
type Coordinator struct {
	id         string
	language   string
	sampleRate int
	buf        *audio.RingBuffer
	sched      *window.Scheduler
	alignOpts  validation.AlignerOptions
	pool       *worker.Pool
	tr         *worker.Transcriber
	eng        EngineReleaser
	listener   Listener
	now        func() time.Time

	mu             sync.Mutex
	state          State
	instance       engine.InstanceID
	aligner        *validation.Aligner
	slot           *worker.Slot
	cursor         int
	matched        int
	mismatches     []validation.Mismatch
	inflight       int
	lastSequence   uint64
	minSequence    uint64
	lastTranscript string
	lastErr        string
	stats          Stats
	processing     time.Duration
	processedAudio time.Duration
	startedAt      time.Time
	updatedAt      time.Time

	finishOnce sync.Once
	done       chan struct{}
}

// NewCoordinator creates an Idle session.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Pool == nil || cfg.Transcriber == nil || cfg.Engine == nil {
		return nil, errors.New("coordinator requires a pool, transcriber and engine")
	}
	if cfg.BufferCapacity < cfg.Window.WindowSize {
		cfg.BufferCapacity = cfg.Window.WindowSize * 5
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}

	buf := audio.NewRingBuffer(cfg.BufferCapacity)
	sched, err := window.NewScheduler(buf, cfg.Window)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Coordinator{
		id:         cfg.ID,
		language:   cfg.Language,
		sampleRate: cfg.SampleRate,
		buf:        buf,
		sched:      sched,
		alignOpts:  cfg.Aligner,
		pool:       cfg.Pool,
		tr:         cfg.Transcriber,
		eng:        cfg.Engine,
		listener:   cfg.Listener,
		now:        time.Now,
		state:      StateIdle,
		instance:   engine.InvalidInstance,
		startedAt:  now,
		updatedAt:  now,
		done:       make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// Done is closed once the session reached a terminal state and released
// its resources.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves Idle to Recording with the cursor at the start of expected.
func (c *Coordinator) Start(expected []string, instance engine.InstanceID) error {
	aligner, err := validation.NewAligner(expected, c.alignOpts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state)
	}
	c.aligner = aligner
	c.instance = instance
	c.cursor = 0
	c.state = StateRecording
	c.startedAt = c.now()
	c.updatedAt = c.startedAt
	c.slot = worker.NewSlot(c.pool, c.tr, instance, c.language, c)
	c.mu.Unlock()

	logging.LogSessionEvent(c.id, "started",
		zap.Int32("instance_id", int32(instance)),
		zap.Int("expected_words", aligner.Len()),
	)
	return nil
}

// PushAudio appends samples to the session buffer.
func (c *Coordinator) PushAudio(samples []float32) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateRecording && state != StateProcessing {
		return fmt.Errorf("%w: %s", ErrNotRecording, state)
	}
	c.buf.Write(samples)
	return nil
}

// Tick runs the window scheduler once and dispatches a ready window.
func (c *Coordinator) Tick() window.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording && c.state != StateProcessing {
		return window.NotReady
	}

	w, decision := c.sched.Tick()
	switch decision {
	case window.Duplicate:
		c.stats.Duplicates++
	case window.Silent:
		c.stats.SilentWindows++
	case window.Dispatched:
		replaced, err := c.slot.Submit(w)
		if err != nil {
			return window.NotReady
		}
		c.stats.WindowsDispatched++
		c.lastSequence = w.Sequence
		if replaced {
			c.stats.Superseded++
		} else {
			c.inflight++
		}
		c.state = StateProcessing
		logging.LogTranscription(c.id, "dispatch",
			zap.Uint64("sequence", w.Sequence),
			zap.Int("samples", len(w.Samples)),
			zap.Bool("superseded_pending", replaced),
		)
	}
	return decision
}

// Run ticks on interval until ctx is done or the session finishes.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// HandleResult aligns a transcript. It runs on the worker slot goroutine in
// dispatch order.
func (c *Coordinator) HandleResult(result worker.TranscriptionResult) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}

	if result.Sequence < c.minSequence {
		// Dispatched before a reset; the cursor it was aimed at is gone.
		c.inflight--
		c.settleLocked()
		c.mu.Unlock()
		return
	}

	alignment := c.aligner.Align(result.Text, c.cursor)
	c.cursor = alignment.Cursor
	c.matched += alignment.Matched
	c.mismatches = append(c.mismatches, alignment.Mismatches...)
	c.stats.RepeatedTokens += uint64(alignment.Trimmed)
	c.lastTranscript = result.Text
	c.inflight--
	c.stats.Transcriptions++
	c.recordTiming(result)

	completed := c.cursor == c.aligner.Len()
	if completed {
		c.state = StateCompleted
	} else {
		c.settleLocked()
	}
	c.updatedAt = c.now()
	progress := c.progressLocked()
	c.mu.Unlock()

	logging.LogTranscription(c.id, "aligned",
		zap.Uint64("sequence", result.Sequence),
		zap.String("text", result.Text),
		zap.Int("cursor", alignment.Cursor),
		zap.Int("mismatches", len(alignment.Mismatches)),
		zap.Int("trimmed", alignment.Trimmed),
	)
	c.listener.OnTranscript(progress, result, alignment)

	if completed {
		// The slot goroutine is running this handler; release it asynchronously.
		go c.finish()
	}
}

// HandleFailure records a failed window. Only losing the engine instance
// is fatal.
func (c *Coordinator) HandleFailure(w window.Window, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}

	c.inflight--
	c.lastErr = err.Error()
	fatal := errors.Is(err, engine.ErrInstanceNotFound)
	switch {
	case fatal:
		c.state = StateAborted
	case errors.Is(err, engine.ErrTimeout):
		c.stats.Timeouts++
	case errors.Is(err, engine.ErrInvalidAudioFormat):
		c.stats.InvalidWindows++
	default:
		c.stats.Failures++
	}
	if !fatal {
		c.settleLocked()
	}
	c.updatedAt = c.now()
	progress := c.progressLocked()
	c.mu.Unlock()

	logging.LogWarn("Window transcription failed",
		zap.String("session_id", c.id),
		zap.Uint64("sequence", w.Sequence),
		zap.Bool("fatal", fatal),
		zap.Error(err),
	)
	c.listener.OnFailure(progress, err)

	if fatal {
		go c.finish()
	}
}

func (c *Coordinator) settleLocked() {
	if c.inflight < 0 {
		c.inflight = 0
	}
	if c.inflight == 0 {
		c.state = StateRecording
	}
}

func (c *Coordinator) recordTiming(result worker.TranscriptionResult) {
	n := float64(c.stats.Transcriptions)
	ms := float64(result.Duration) / float64(time.Millisecond)
	c.stats.AvgProcessingMs += (ms - c.stats.AvgProcessingMs) / n
	c.processing += result.Duration
	c.processedAudio += audio.Duration(result.WindowLenSamples, c.sampleRate)
	if c.processedAudio > 0 {
		c.stats.RealTimeFactor = float64(c.processing) / float64(c.processedAudio)
	}
}

// Stop aborts the session, cancels queued and in-flight work and frees the
// engine instance. Stopping a finished session is a no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.state = StateAborted
		c.updatedAt = c.now()
	}
	c.mu.Unlock()
	c.finish()
}

// Finish flushes a ready window, waits for outstanding transcriptions and
// then stops the session. A passage completed meanwhile stays Completed.
func (c *Coordinator) Finish(ctx context.Context) Progress {
	c.Tick()

	c.mu.Lock()
	slot := c.slot
	c.mu.Unlock()
	if slot != nil {
		if err := slot.Drain(ctx); err != nil {
			logging.LogWarn("Session finished before transcriptions drained",
				zap.String("session_id", c.id), zap.Error(err))
		}
	}

	c.Stop()
	return c.Progress()
}

// Reset rewinds the cursor and clears buffered audio and mismatches.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state.Terminal() {
		return fmt.Errorf("%w: cannot reset from %s", ErrInvalidState, c.state)
	}
	c.cursor = 0
	c.matched = 0
	c.mismatches = nil
	c.lastTranscript = ""
	c.lastErr = ""
	c.minSequence = c.lastSequence + 1
	c.buf.Reset()
	c.sched.Reset()
	c.updatedAt = c.now()
	logging.LogSessionEvent(c.id, "reset")
	return nil
}

func (c *Coordinator) finish() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		slot := c.slot
		instance := c.instance
		c.mu.Unlock()

		if slot != nil {
			slot.Close()
		}
		if instance != engine.InvalidInstance {
			if err := c.eng.Free(instance); err != nil && !errors.Is(err, engine.ErrInstanceNotFound) {
				logging.LogError(err, "Failed to free engine instance", zap.String("session_id", c.id))
			}
		}

		c.mu.Lock()
		c.inflight = 0
		progress := c.progressLocked()
		c.mu.Unlock()

		logging.LogSessionEvent(c.id, progress.State.String(),
			zap.Int("cursor", progress.Cursor),
			zap.Int("mismatches", len(progress.Mismatches)),
		)
		close(c.done)
		c.listener.OnFinished(progress)
	})
}

// Progress returns a snapshot of the session.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

func (c *Coordinator) progressLocked() Progress {
	total := 0
	if c.aligner != nil {
		total = c.aligner.Len()
	}
	stats := c.stats
	stats.BufferOverflows = c.buf.Overflows()

	p := Progress{
		SessionID:      c.id,
		State:          c.state,
		InstanceID:     c.instance,
		Language:       c.language,
		Cursor:         c.cursor,
		Total:          total,
		MatchedCount:   c.matched,
		Mismatches:     append([]validation.Mismatch{}, c.mismatches...),
		LastTranscript: c.lastTranscript,
		LastError:      c.lastErr,
		Buffer:         c.buf.Status(c.sampleRate, c.sched.Config().WindowSize),
		Stats:          stats,
		StartedAt:      c.startedAt,
		UpdatedAt:      c.updatedAt,
	}
	if total > 0 {
		p.Percent = float64(c.cursor) / float64(total) * 100
	}
	return p
}
