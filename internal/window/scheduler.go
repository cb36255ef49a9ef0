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

package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
)

// Decision is the outcome of one scheduler tick.
type Decision int

const (
	// NotReady means fewer than a window of samples is buffered.
	NotReady Decision = iota
	// Stale means less than one step of fresh audio arrived since the last dispatch.
	Stale
	// Duplicate means the candidate overlaps already-processed material.
	Duplicate
	// Silent means the candidate carries no speech energy.
	Silent
	// Dispatched means the candidate should be transcribed.
	Dispatched
)

func (d Decision) String() string {
	switch d {
	case NotReady:
		return "not_ready"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case Silent:
		return "silent"
	case Dispatched:
		return "dispatched"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Window is an owned copy of WindowSize samples taken from a buffer.
type Window struct {
	Sequence   uint64
	Samples    []float32
	CapturedAt time.Time
	// Similarity to the previous dispatched window, 0 for the first one.
	Similarity float64
	First      bool
}

// Stats counts tick outcomes.
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	NotReady   uint64 `json:"not_ready"`
	Stale      uint64 `json:"stale"`
	Duplicates uint64 `json:"duplicates"`
	Silent     uint64 `json:"silent"`
	Dispatched uint64 `json:"dispatched"`
}

// Scheduler turns the contents of a RingBuffer into non-redundant windows.
type Scheduler struct {
	cfg Config
	buf *audio.RingBuffer
	now func() time.Time

	mu          sync.Mutex
	last        []float32
	lastWritten uint64
	sequence    uint64
	stats       Stats
}

// NewScheduler validates cfg and binds a scheduler to buf.
func NewScheduler(buf *audio.RingBuffer, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid window config: %w", err)
	}
	if buf.Capacity() < cfg.WindowSize {
		return nil, fmt.Errorf("invalid window config: buffer capacity %d below window size %d", buf.Capacity(), cfg.WindowSize)
	}
	return &Scheduler{cfg: cfg, buf: buf, now: time.Now}, nil
}

// Config returns the scheduler geometry.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Tick inspects the buffer once. The returned Window is only meaningful
// when the decision is Dispatched.
func (s *Scheduler) Tick() (Window, Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Ticks++

	available := s.buf.Available()
	if available < s.cfg.WindowSize {
		s.stats.NotReady++
		return Window{}, NotReady
	}

	written := s.buf.TotalWritten()
	if written < s.lastWritten {
		// The buffer was reset underneath us; start over.
		s.last = nil
	}

	overlap := s.cfg.OverlapSize()
	first := s.last == nil || available < overlap

	if !first && written-s.lastWritten < uint64(s.cfg.StepSize) {
		s.stats.Stale++
		return Window{}, Stale
	}

	candidate := s.buf.PeekLatest(s.cfg.WindowSize)

	var score float64
	if !first {
		if s.cfg.SilenceThreshold > 0 && audio.RMS(candidate) < s.cfg.SilenceThreshold {
			s.stats.Silent++
			return Window{}, Silent
		}
		if overlap > 0 {
			score = Similarity(s.last[len(s.last)-overlap:], candidate[:overlap])
			if score > s.cfg.DuplicateThreshold {
				s.stats.Duplicates++
				return Window{Similarity: score}, Duplicate
			}
		}
	}

	s.sequence++
	s.last = candidate
	s.lastWritten = written
	s.stats.Dispatched++

	samples := make([]float32, len(candidate))
	copy(samples, candidate)
	return Window{
		Sequence:   s.sequence,
		Samples:    samples,
		CapturedAt: s.now(),
		Similarity: score,
		First:      first,
	}, Dispatched
}

// Run ticks every interval until ctx is done, handing dispatched windows
// to dispatch. dispatch runs on the scheduler goroutine and must not block
// for long.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, dispatch func(Window)) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w, decision := s.Tick(); decision == Dispatched {
				dispatch(w)
			}
		}
	}
}

// Reset forgets the previous window so the next ready window is treated
// as the first of a stream.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
	s.lastWritten = 0
}

// Stats returns a snapshot of tick counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
