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
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/window"
)

// Processor runs one synchronous inference. *engine.Registry implements it.
type Processor interface {
	Process(ctx context.Context, id engine.InstanceID, samples []float32, language string) (string, error)
}

// TranscriptionResult is the text produced for one dispatched window.
type TranscriptionResult struct {
	InstanceID       engine.InstanceID `json:"instance_id"`
	Sequence         uint64            `json:"sequence"`
	Text             string            `json:"text"`
	ProducedAt       time.Time         `json:"produced_at"`
	WindowLenSamples int               `json:"window_len_samples"`
	Duration         time.Duration     `json:"duration"`
}

// Options bounds what a Transcriber accepts.
type Options struct {
	Timeout    time.Duration
	MinSamples int
	MaxSamples int
}

// Transcriber validates windows and bounds engine calls by a timeout.
type Transcriber struct {
	processor Processor
	opts      Options
	now       func() time.Time
}

// NewTranscriber wraps processor. A zero Timeout disables the deadline and
// zero sample bounds only reject empty windows.
func NewTranscriber(processor Processor, opts Options) *Transcriber {
	if opts.MinSamples < 1 {
		opts.MinSamples = 1
	}
	return &Transcriber{processor: processor, opts: opts, now: time.Now}
}

// Transcribe runs the engine on w. Timeouts surface as engine.ErrTimeout and
// empty engine output as engine.ErrProcessingFailed.
func (t *Transcriber) Transcribe(ctx context.Context, id engine.InstanceID, w window.Window, language string) (TranscriptionResult, error) {
	return t.transcribe(ctx, id, w, language, nil)
}

// transcribe calls release once the engine call has actually returned,
// which may be after a timeout has already been reported.
func (t *Transcriber) transcribe(ctx context.Context, id engine.InstanceID, w window.Window, language string, release func()) (TranscriptionResult, error) {
	if release == nil {
		release = func() {}
	}

	n := len(w.Samples)
	if n < t.opts.MinSamples {
		release()
		return TranscriptionResult{}, fmt.Errorf("%w: window of %d samples is below minimum %d", engine.ErrInvalidAudioFormat, n, t.opts.MinSamples)
	}
	if t.opts.MaxSamples > 0 && n > t.opts.MaxSamples {
		release()
		return TranscriptionResult{}, fmt.Errorf("%w: window of %d samples exceeds maximum %d", engine.ErrInvalidAudioFormat, n, t.opts.MaxSamples)
	}

	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	start := t.now()

	// The engine may ignore ctx; the select below still returns on time.
	go func() {
		text, err := t.processor.Process(ctx, id, w.Samples, language)
		release()
		done <- outcome{text: text, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	if out.err != nil {
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			return TranscriptionResult{}, fmt.Errorf("%w after %v", engine.ErrTimeout, t.opts.Timeout)
		default:
			return TranscriptionResult{}, out.err
		}
	}
	if out.text == "" {
		return TranscriptionResult{}, fmt.Errorf("%w: engine returned no text", engine.ErrProcessingFailed)
	}

	produced := t.now()
	return TranscriptionResult{
		InstanceID:       id,
		Sequence:         w.Sequence,
		Text:             out.text,
		ProducedAt:       produced,
		WindowLenSamples: n,
		Duration:         produced.Sub(start),
	}, nil
}
