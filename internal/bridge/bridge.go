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

// Package bridge exposes the engine and dictionary primitives with
// C-compatible conventions: integer handles where negative means failure,
// boolean success, and caller-owned fixed-capacity output buffers that
// receive a NUL-terminated result.
package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

// Failure is the handle returned when Init fails.
const Failure int32 = -1

// Options configures a Bridge.
type Options struct {
	// Language is used by Init, whose primitive carries no language.
	Language string
	// Timeout bounds each engine call. Zero means no limit.
	Timeout time.Duration
}

// Bridge serves the primitives over an explicit registry.
type Bridge struct {
	registry *engine.Registry
	opts     Options
}

// New creates a bridge over registry.
func New(registry *engine.Registry, opts Options) *Bridge {
	return &Bridge{registry: registry, opts: opts}
}

func (b *Bridge) context() (context.Context, context.CancelFunc) {
	if b.opts.Timeout > 0 {
		return context.WithTimeout(context.Background(), b.opts.Timeout)
	}
	return context.WithCancel(context.Background())
}

// Init loads the model at modelPath and returns its handle, or Failure.
func (b *Bridge) Init(modelPath string) int32 {
	ctx, cancel := b.context()
	defer cancel()

	id, err := b.registry.Init(ctx, modelPath, b.opts.Language)
	if err != nil {
		logging.LogWarn("Bridge init failed", zap.String("model_path", modelPath), zap.Error(err))
		return Failure
	}
	return int32(id)
}

// Free releases the handle. It reports false for unknown handles.
func (b *Bridge) Free(id int32) bool {
	err := b.registry.Free(engine.InstanceID(id))
	if err != nil && !errors.Is(err, engine.ErrInstanceNotFound) {
		// The handle is gone even when the model failed to close.
		logging.LogError(err, "Bridge free failed", zap.Int32("instance_id", id))
		return true
	}
	return err == nil
}

// IsValid reports whether the handle refers to a live instance.
func (b *Bridge) IsValid(id int32) bool {
	return b.registry.IsValid(engine.InstanceID(id))
}

// ProcessAudio transcribes samples into out. An empty transcript counts as
// failure.
func (b *Bridge) ProcessAudio(id int32, samples []float32, language string, out []byte) bool {
	if len(samples) == 0 || len(out) == 0 {
		return false
	}

	text, err := b.process(id, samples, language)
	if err != nil || text == "" {
		return false
	}
	return writeCString(out, text)
}

// ProcessSlidingWindow transcribes samples window by window at step hops
// and writes the window transcripts, one per line, into out. Audio no
// longer than one window is processed whole. A trailing remainder longer
// than half a step is covered by a final window aligned to the end.
func (b *Bridge) ProcessSlidingWindow(id int32, samples []float32, windowSec, stepSec float32, sampleRate int32, language string, out []byte) bool {
	if len(samples) == 0 || len(out) == 0 {
		return false
	}

	spans, err := windowSpans(len(samples), windowSec, stepSec, int(sampleRate))
	if err != nil {
		logging.LogWarn("Bridge sliding window rejected", zap.Error(err))
		return false
	}

	segments := make([]string, 0, len(spans))
	for _, span := range spans {
		text, err := b.process(id, samples[span.start:span.end], language)
		if err != nil {
			return false
		}
		if text != "" {
			segments = append(segments, text)
		}
	}
	if len(segments) == 0 {
		return false
	}
	return writeCString(out, strings.Join(segments, "\n"))
}

// GetModelInfo writes a description of the instance into out.
func (b *Bridge) GetModelInfo(id int32, out []byte) bool {
	if len(out) == 0 {
		return false
	}
	info, err := b.registry.ModelInfo(engine.InstanceID(id))
	if err != nil {
		return false
	}
	return writeCString(out, info.String())
}

func (b *Bridge) process(id int32, samples []float32, language string) (string, error) {
	ctx, cancel := b.context()
	defer cancel()

	text, err := b.registry.Process(ctx, engine.InstanceID(id), samples, language)
	if err != nil {
		logging.LogWarn("Bridge process failed", zap.Int32("instance_id", id), zap.Error(err))
	}
	return text, err
}

// ValidateWord reports whether word appears in dictionary, ignoring case.
func ValidateWord(word string, dictionary []string) bool {
	return validation.ValidateWord(word, dictionary)
}

// CString returns the NUL-terminated prefix of buf as a string.
func CString(buf []byte) string {
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// writeCString copies s and a terminating NUL into out. It fails without
// writing when s holds a NUL or does not fit.
func writeCString(out []byte, s string) bool {
	if strings.IndexByte(s, 0) >= 0 || len(s)+1 > len(out) {
		return false
	}
	n := copy(out, s)
	out[n] = 0
	return true
}

var errWindowGeometry = errors.New("invalid window or step size")

type span struct {
	start, end int
}

func windowSpans(total int, windowSec, stepSec float32, sampleRate int) ([]span, error) {
	if windowSec <= 0 || stepSec <= 0 || stepSec > windowSec {
		return nil, errWindowGeometry
	}
	if sampleRate <= 0 {
		return nil, errors.New("invalid sample rate")
	}

	window := int(windowSec * float32(sampleRate))
	step := int(stepSec * float32(sampleRate))
	if window <= 0 || step <= 0 {
		return nil, errWindowGeometry
	}
	if window >= total {
		return []span{{0, total}}, nil
	}

	var spans []span
	position := 0
	for ; position+window <= total; position += step {
		spans = append(spans, span{position, position + window})
	}
	if position < total && total-position > step/2 {
		spans = append(spans, span{total - window, total})
	}
	return spans, nil
}
