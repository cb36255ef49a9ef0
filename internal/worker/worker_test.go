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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/window"
)

type fakeProcessor struct {
	gate    chan struct{}
	text    string
	err     error
	ignore  bool // ignore ctx, like an engine without abort support
	started chan uint64
}

func (f *fakeProcessor) Process(ctx context.Context, id engine.InstanceID, samples []float32, language string) (string, error) {
	if f.started != nil {
		f.started <- uint64(samples[0])
	}
	if f.gate != nil {
		if f.ignore {
			<-f.gate
		} else {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}
	return fmt.Sprintf("w%d", int(samples[0])), nil
}

func testWindow(seq uint64, n int) window.Window {
	samples := make([]float32, n)
	if n > 0 {
		samples[0] = float32(seq)
	}
	return window.Window{Sequence: seq, Samples: samples}
}

func TestTranscriber_Validation(t *testing.T) {
	tr := NewTranscriber(&fakeProcessor{}, Options{MinSamples: 10, MaxSamples: 100})

	tests := []struct {
		name    string
		samples int
		wantErr error
	}{
		{"empty", 0, engine.ErrInvalidAudioFormat},
		{"too short", 5, engine.ErrInvalidAudioFormat},
		{"too long", 101, engine.ErrInvalidAudioFormat},
		{"minimum", 10, nil},
		{"maximum", 100, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transcribe(context.Background(), 1, testWindow(1, tt.samples), "ar")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Transcribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTranscriber_Result(t *testing.T) {
	tr := NewTranscriber(&fakeProcessor{text: "alhamdu"}, Options{Timeout: time.Second})
	result, err := tr.Transcribe(context.Background(), 7, testWindow(3, 160), "ar")
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if result.Text != "alhamdu" || result.InstanceID != 7 || result.Sequence != 3 || result.WindowLenSamples != 160 {
		t.Errorf("Transcribe() = %+v", result)
	}
	if result.ProducedAt.IsZero() {
		t.Error("ProducedAt is zero")
	}
}

func TestTranscriber_Timeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	tests := []struct {
		name      string
		processor *fakeProcessor
	}{
		{"cooperative engine", &fakeProcessor{gate: gate}},
		{"engine ignoring cancellation", &fakeProcessor{gate: gate, ignore: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranscriber(tt.processor, Options{Timeout: 20 * time.Millisecond})
			start := time.Now()
			_, err := tr.Transcribe(context.Background(), 1, testWindow(1, 10), "ar")
			if !errors.Is(err, engine.ErrTimeout) {
				t.Errorf("Transcribe() error = %v, want ErrTimeout", err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("Transcribe() took %v, want bounded by timeout", elapsed)
			}
		})
	}
}

func TestTranscriber_PassesEngineErrors(t *testing.T) {
	tr := NewTranscriber(&fakeProcessor{err: engine.ErrInstanceNotFound}, Options{})
	if _, err := tr.Transcribe(context.Background(), 1, testWindow(1, 10), "ar"); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Errorf("Transcribe() error = %v, want ErrInstanceNotFound", err)
	}
}

type emptyProcessor struct{}

func (emptyProcessor) Process(context.Context, engine.InstanceID, []float32, string) (string, error) {
	return "", nil
}

func TestTranscriber_EmptyTextIsFailure(t *testing.T) {
	tr := NewTranscriber(emptyProcessor{}, Options{})
	if _, err := tr.Transcribe(context.Background(), 1, testWindow(1, 10), "ar"); !errors.Is(err, engine.ErrProcessingFailed) {
		t.Errorf("Transcribe() error = %v, want ErrProcessingFailed", err)
	}
}

func TestTranscriber_WithRegistry(t *testing.T) {
	reg := engine.NewRegistry(engine.NewMockDriver())
	defer func() { _ = reg.Close() }()

	id, err := reg.Init(context.Background(), "model.bin", "en")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	tr := NewTranscriber(reg, Options{Timeout: time.Second})
	if _, err := tr.Transcribe(context.Background(), id, testWindow(1, 10), ""); err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}

	if err := reg.Free(id); err != nil {
		t.Fatalf("Free() error: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), id, testWindow(2, 10), ""); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Errorf("Transcribe() after Free error = %v, want ErrInstanceNotFound", err)
	}
}

func TestPool_Bounded(t *testing.T) {
	pool := NewPool(1)
	if err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if pool.Active() != 1 {
		t.Errorf("Active() = %d, want 1", pool.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pool.Acquire(ctx); err == nil {
		t.Error("second Acquire() succeeded on a full pool")
	}

	pool.Release()
	if pool.Active() != 0 {
		t.Errorf("Active() = %d, want 0", pool.Active())
	}
	if NewPool(0).Size() != 1 {
		t.Error("NewPool(0) should clamp to one worker")
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	results  []TranscriptionResult
	failures []error
}

func (h *recordingHandler) HandleResult(r TranscriptionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *recordingHandler) HandleFailure(_ window.Window, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

func (h *recordingHandler) sequences() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	seqs := make([]uint64, len(h.results))
	for i, r := range h.results {
		seqs[i] = r.Sequence
	}
	return seqs
}

func TestSlot_NewerWindowSupersedesPending(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan uint64, 4)
	processor := &fakeProcessor{gate: gate, started: started}
	handler := &recordingHandler{}
	slot := NewSlot(NewPool(2), NewTranscriber(processor, Options{}), 1, "ar", handler)
	defer slot.Close()

	if replaced, err := slot.Submit(testWindow(1, 10)); err != nil || replaced {
		t.Fatalf("Submit(1) = %v, %v", replaced, err)
	}
	if seq := <-started; seq != 1 {
		t.Fatalf("first started window = %d, want 1", seq)
	}

	if replaced, _ := slot.Submit(testWindow(2, 10)); replaced {
		t.Error("Submit(2) replaced a window, want queued")
	}
	if replaced, _ := slot.Submit(testWindow(3, 10)); !replaced {
		t.Error("Submit(3) did not replace pending window 2")
	}
	if !slot.Busy() {
		t.Error("Busy() = false with work in flight")
	}

	gate <- struct{}{}
	if seq := <-started; seq != 3 {
		t.Fatalf("second started window = %d, want 3", seq)
	}
	gate <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := slot.Drain(ctx); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	got := handler.sequences()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("delivered sequences = %v, want [1 3]", got)
	}
	if slot.Superseded() != 1 {
		t.Errorf("Superseded() = %d, want 1", slot.Superseded())
	}
}

func TestSlot_FailuresAreDelivered(t *testing.T) {
	handler := &recordingHandler{}
	slot := NewSlot(NewPool(1), NewTranscriber(emptyProcessor{}, Options{}), 1, "ar", handler)
	defer slot.Close()

	if _, err := slot.Submit(testWindow(1, 10)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := slot.Drain(ctx); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.failures) != 1 || !errors.Is(handler.failures[0], engine.ErrProcessingFailed) {
		t.Errorf("failures = %v, want one ErrProcessingFailed", handler.failures)
	}
}

func TestSlot_CloseCancelsInflight(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan uint64, 1)
	handler := &recordingHandler{}
	slot := NewSlot(NewPool(1), NewTranscriber(&fakeProcessor{gate: gate, started: started}, Options{}), 1, "ar", handler)

	if _, err := slot.Submit(testWindow(1, 10)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-started
	_, _ = slot.Submit(testWindow(2, 10))

	closed := make(chan struct{})
	go func() {
		slot.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return while a transcription was in flight")
	}

	if got := handler.sequences(); len(got) != 0 {
		t.Errorf("delivered sequences after Close = %v, want none", got)
	}
	if slot.Busy() {
		t.Error("Busy() = true after Close")
	}
	if _, err := slot.Submit(testWindow(3, 10)); !errors.Is(err, ErrSlotClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrSlotClosed", err)
	}
	if err := slot.Drain(context.Background()); err != nil {
		t.Errorf("Drain() after Close error = %v", err)
	}
	slot.Close()
}

// countingProcessor ignores ctx and records how many calls overlap.
type countingProcessor struct {
	gate    chan struct{}
	started chan uint64

	mu      sync.Mutex
	running int
	peak    int
}

func (p *countingProcessor) Process(_ context.Context, _ engine.InstanceID, samples []float32, _ string) (string, error) {
	p.mu.Lock()
	p.running++
	if p.running > p.peak {
		p.peak = p.running
	}
	p.mu.Unlock()

	p.started <- uint64(samples[0])
	<-p.gate

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	return fmt.Sprintf("w%d", int(samples[0])), nil
}

func (p *countingProcessor) peakRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func TestSlot_TimedOutCallKeepsWorker(t *testing.T) {
	processor := &countingProcessor{gate: make(chan struct{}), started: make(chan uint64, 4)}
	pool := NewPool(1)
	tr := NewTranscriber(processor, Options{Timeout: 20 * time.Millisecond})

	first, second := &recordingHandler{}, &recordingHandler{}
	slotA := NewSlot(pool, tr, 1, "ar", first)
	defer slotA.Close()
	slotB := NewSlot(pool, tr, 2, "ar", second)
	defer slotB.Close()

	if _, err := slotA.Submit(testWindow(1, 10)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if seq := <-processor.started; seq != 1 {
		t.Fatalf("started window = %d, want 1", seq)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := slotA.Drain(ctx); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	first.mu.Lock()
	failures := append([]error{}, first.failures...)
	first.mu.Unlock()
	if len(failures) != 1 || !errors.Is(failures[0], engine.ErrTimeout) {
		t.Fatalf("failures = %v, want one ErrTimeout", failures)
	}
	if pool.Active() != 1 {
		t.Errorf("Active() = %d after timeout, want the running engine call to hold the worker", pool.Active())
	}

	if _, err := slotB.Submit(testWindow(2, 10)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	select {
	case seq := <-processor.started:
		t.Fatalf("window %d started while the timed-out call was still running", seq)
	case <-time.After(100 * time.Millisecond):
	}

	processor.gate <- struct{}{}
	if seq := <-processor.started; seq != 2 {
		t.Fatalf("started window = %d, want 2", seq)
	}
	close(processor.gate)

	if peak := processor.peakRunning(); peak != 1 {
		t.Errorf("peak concurrent engine calls = %d, want 1", peak)
	}
}
