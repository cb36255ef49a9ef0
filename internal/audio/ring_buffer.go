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

package audio

import (
	"sync"
	"time"
)

// RingBuffer is a fixed-capacity circular store of mono float32 samples.
// When a write would exceed capacity the oldest unread samples are dropped.
// One producer and one consumer may use it concurrently.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []float32
	readPos  int // index of the oldest unread sample
	count    int // unread samples
	written  uint64
	overflow uint64
}

// BufferStatus is a point-in-time view of a buffer for status reporting.
type BufferStatus struct {
	Samples            int     `json:"samples"`
	Capacity           int     `json:"capacity"`
	DurationMs         float64 `json:"duration_ms"`
	UsagePercent       float64 `json:"usage_percent"`
	ReadyForProcessing bool    `json:"ready_for_processing"`
	OverflowedSamples  uint64  `json:"overflowed_samples"`
}

// NewRingBuffer creates a buffer holding at most capacity samples.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]float32, capacity)}
}

// Write appends samples, dropping the oldest unread ones on overflow.
func (rb *RingBuffer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	rb.written += uint64(len(samples))

	// Only the trailing capacity samples can survive this write.
	if len(samples) > capacity {
		rb.overflow += uint64(len(samples) - capacity)
		samples = samples[len(samples)-capacity:]
	}

	if free := capacity - rb.count; len(samples) > free {
		drop := len(samples) - free
		rb.readPos = (rb.readPos + drop) % capacity
		rb.count -= drop
		rb.overflow += uint64(drop)
	}

	writePos := (rb.readPos + rb.count) % capacity
	n := copy(rb.buf[writePos:], samples)
	copy(rb.buf, samples[n:])
	rb.count += len(samples)
}

// Read consumes and returns up to n of the oldest unread samples.
func (rb *RingBuffer) Read(n int) []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return nil
	}

	out := rb.copyFrom(rb.readPos, n)
	rb.readPos = (rb.readPos + n) % len(rb.buf)
	rb.count -= n
	return out
}

// PeekLatest returns a copy of the most recent n unread samples, oldest
// first, without consuming anything.
func (rb *RingBuffer) PeekLatest(n int) []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return nil
	}

	start := (rb.readPos + rb.count - n) % len(rb.buf)
	return rb.copyFrom(start, n)
}

func (rb *RingBuffer) copyFrom(start, n int) []float32 {
	out := make([]float32, n)
	copied := copy(out, rb.buf[start:])
	if copied < n {
		copy(out[copied:], rb.buf[:n-copied])
	}
	return out
}

// Available returns the number of unread samples.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Capacity returns the maximum number of samples the buffer holds.
func (rb *RingBuffer) Capacity() int {
	return len(rb.buf)
}

// TotalWritten returns the number of samples ever written, including dropped ones.
func (rb *RingBuffer) TotalWritten() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// Overflows returns how many unread samples were dropped to make room.
func (rb *RingBuffer) Overflows() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overflow
}

// Reset discards all unread samples and counters.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.readPos = 0
	rb.count = 0
	rb.written = 0
	rb.overflow = 0
}

// Status reports fill level against the window size the caller processes.
func (rb *RingBuffer) Status(sampleRate, windowSize int) BufferStatus {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	status := BufferStatus{
		Samples:            rb.count,
		Capacity:           len(rb.buf),
		UsagePercent:       float64(rb.count) / float64(len(rb.buf)) * 100,
		ReadyForProcessing: windowSize > 0 && rb.count >= windowSize,
		OverflowedSamples:  rb.overflow,
	}
	if sampleRate > 0 {
		status.DurationMs = float64(rb.count) * 1000 / float64(sampleRate)
	}
	return status
}

// Duration converts a sample count at the given rate to wall time.
func Duration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples converts a duration at the given rate to a sample count.
func Samples(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}
