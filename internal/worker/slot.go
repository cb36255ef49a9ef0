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

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/window"
)

// ErrSlotClosed is returned when submitting to a closed slot.
var ErrSlotClosed = errors.New("worker slot closed")

// Handler receives the outcome of each transcribed window, in dispatch order.
type Handler interface {
	HandleResult(TranscriptionResult)
	HandleFailure(w window.Window, err error)
}

// Slot is the per-session queue in front of the pool. It holds at most one
// window in flight and one pending; a newer submission replaces the
// pending window.
type Slot struct {
	pool        *Pool
	transcriber *Transcriber
	instance    engine.InstanceID
	language    string
	handler     Handler

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	pending    *window.Window
	busy       bool
	closed     bool
	idle       chan struct{}
	superseded uint64
}

// NewSlot starts the slot goroutine. Close must be called to stop it.
func NewSlot(pool *Pool, transcriber *Transcriber, instance engine.InstanceID, language string, handler Handler) *Slot {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Slot{
		pool:        pool,
		transcriber: transcriber,
		instance:    instance,
		language:    language,
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		idle:        idle,
	}
	go s.loop()
	return s
}

// Submit queues w. It reports whether an older pending window was dropped.
func (s *Slot) Submit(w window.Window) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSlotClosed
	}
	replaced := s.pending != nil
	if replaced {
		s.superseded++
	}
	if !s.busy && s.pending == nil {
		s.idle = make(chan struct{})
	}
	s.pending = &w
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return replaced, nil
}

// Busy reports whether a window is in flight or pending.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy || s.pending != nil
}

// Superseded returns how many pending windows were replaced before running.
func (s *Slot) Superseded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superseded
}

// Drain waits until nothing is in flight or pending.
func (s *Slot) Drain(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight transcription, drops the pending window and
// waits for the slot goroutine to exit. Results of cancelled work are not
// delivered.
func (s *Slot) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	s.pending = nil
	s.markIdleLocked()
	s.mu.Unlock()
}

func (s *Slot) markIdleLocked() {
	s.busy = false
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

func (s *Slot) take() (window.Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return window.Window{}, false
	}
	w := *s.pending
	s.pending = nil
	s.busy = true
	return w, true
}

func (s *Slot) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.pending == nil {
		s.markIdleLocked()
	}
}

func (s *Slot) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			w, ok := s.take()
			if !ok {
				break
			}
			if !s.run(w) {
				return
			}
		}
	}
}

// run transcribes one window and reports false once the slot is cancelled.
func (s *Slot) run(w window.Window) bool {
	if err := s.pool.Acquire(s.ctx); err != nil {
		return false
	}
	// The worker stays taken until the engine returns, even past a timeout.
	result, err := s.transcriber.transcribe(s.ctx, s.instance, w, s.language, s.pool.Release)

	if s.ctx.Err() != nil {
		return false
	}
	if err != nil {
		s.handler.HandleFailure(w, err)
	} else {
		s.handler.HandleResult(result)
	}
	s.finish()
	return true
}
