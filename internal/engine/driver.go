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

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Driver loads models for one inference backend.
type Driver interface {
	Name() string
	Open(ctx context.Context, modelPath, language string) (Model, error)
}

// Model is a loaded inference engine. Transcribe is synchronous and may be
// slow; implementations should return early once ctx is done.
type Model interface {
	Transcribe(ctx context.Context, samples []float32, language string) (string, error)
	Info() string
	Close() error
}

// DriverConfig selects and configures a backend.
type DriverConfig struct {
	Backend     string // "whisper", "http" or "mock"
	SampleRate  int
	STTURL      string
	HTTPTimeout time.Duration
}

// NewDriver builds the driver named by cfg.Backend.
func NewDriver(cfg DriverConfig) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "whisper", "":
		return NewWhisperDriver(), nil
	case "http":
		return NewHTTPDriver(cfg.STTURL, cfg.SampleRate, cfg.HTTPTimeout), nil
	case "mock":
		return NewMockDriver(), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
