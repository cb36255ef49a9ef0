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
	"sync"
	"time"
)

// Canned transcripts returned by the mock backend when no Respond hook is set.
var mockTranscripts = map[string]string{
	"ar": "بسم الله الرحمن الرحيم",
	"en": "This is a mock transcription for testing.",
}

// MockDriver is a deterministic in-process backend for development and tests.
type MockDriver struct {
	// Delay simulates inference latency. The call returns early if ctx ends.
	Delay time.Duration
	// Models, when non-empty, is the set of model paths that exist.
	Models []string
	// Respond overrides the canned transcript. call counts from 1 across all
	// models opened by this driver.
	Respond func(call int, samples []float32, language string) (string, error)

	mu    sync.Mutex
	calls int
	open  int
}

// NewMockDriver returns a mock backend with canned transcripts.
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

func (d *MockDriver) Name() string { return "mock" }

func (d *MockDriver) Open(ctx context.Context, modelPath, language string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	if len(d.Models) > 0 && !contains(d.Models, modelPath) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}
	d.mu.Lock()
	d.open++
	d.mu.Unlock()
	return &mockModel{driver: d, path: modelPath}, nil
}

// Calls returns the number of Transcribe calls served.
func (d *MockDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// OpenModels returns how many opened models have not been closed.
func (d *MockDriver) OpenModels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type mockModel struct {
	driver *MockDriver
	path   string
	closed bool
}

func (m *mockModel) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	d := m.driver
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()

	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if d.Respond != nil {
		return d.Respond(call, samples, language)
	}
	if text, ok := mockTranscripts[language]; ok {
		return text, nil
	}
	return mockTranscripts["en"], nil
}

func (m *mockModel) Info() string {
	return "mock engine"
}

func (m *mockModel) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.driver.mu.Lock()
	m.driver.open--
	m.driver.mu.Unlock()
	return nil
}
