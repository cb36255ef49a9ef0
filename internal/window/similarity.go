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
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
)

// DefaultDuplicateThreshold is the similarity above which a window is
// treated as already-processed material.
const DefaultDuplicateThreshold = 0.8

// Config sizes the sliding window in samples.
type Config struct {
	WindowSize         int
	StepSize           int
	DuplicateThreshold float64
	// SilenceThreshold is the RMS below which a window is skipped as silent.
	// Zero disables the check.
	SilenceThreshold float64
}

// ConfigFromDurations builds a Config from wall-clock sizes.
func ConfigFromDurations(sampleRate int, window, step time.Duration, duplicateThreshold, silenceThreshold float64) Config {
	return Config{
		WindowSize:         audio.Samples(window, sampleRate),
		StepSize:           audio.Samples(step, sampleRate),
		DuplicateThreshold: duplicateThreshold,
		SilenceThreshold:   silenceThreshold,
	}
}

// OverlapSize is the number of samples two consecutive windows share.
func (c Config) OverlapSize() int {
	return c.WindowSize - c.StepSize
}

// Validate checks the window geometry.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("window size must be positive, got %d", c.WindowSize))
	}
	if c.StepSize <= 0 || c.StepSize > c.WindowSize {
		errs = append(errs, fmt.Errorf("step size must be in (0, %d], got %d", c.WindowSize, c.StepSize))
	}
	if c.DuplicateThreshold < -1 || c.DuplicateThreshold > 1 {
		errs = append(errs, fmt.Errorf("duplicate threshold must be in [-1, 1], got %v", c.DuplicateThreshold))
	}
	if c.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("silence threshold must not be negative, got %v", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// Similarity is the normalized cross-correlation of a and b over their
// common length, in [-1, 1]. It is 0 when either vector has zero norm.
func Similarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding drift.
	return math.Max(-1, math.Min(1, score))
}
