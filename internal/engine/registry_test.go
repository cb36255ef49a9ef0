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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, driver *MockDriver) *Registry {
	t.Helper()
	reg := NewRegistry(driver)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRegistry_Lifecycle(t *testing.T) {
	driver := NewMockDriver()
	reg := newTestRegistry(t, driver)
	ctx := context.Background()

	id, err := reg.Init(ctx, "models/ggml-base.bin", "ar")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if id <= 0 {
		t.Fatalf("Init() id = %d, want positive", id)
	}
	if !reg.IsValid(id) {
		t.Error("IsValid() = false after Init, want true")
	}

	text, err := reg.Process(ctx, id, make([]float32, 160), "")
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if text != mockTranscripts["ar"] {
		t.Errorf("Process() = %q, want instance language transcript %q", text, mockTranscripts["ar"])
	}

	if err := reg.Free(id); err != nil {
		t.Fatalf("Free() error: %v", err)
	}
	if reg.IsValid(id) {
		t.Error("IsValid() = true after Free, want false")
	}
	if _, err := reg.Process(ctx, id, make([]float32, 160), "ar"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Process() after Free error = %v, want ErrInstanceNotFound", err)
	}
	if err := reg.Free(id); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("second Free() error = %v, want ErrInstanceNotFound", err)
	}
	if _, err := reg.ModelInfo(id); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("ModelInfo() after Free error = %v, want ErrInstanceNotFound", err)
	}
	if driver.OpenModels() != 0 {
		t.Errorf("OpenModels() = %d, want 0", driver.OpenModels())
	}
}

func TestRegistry_IDsNeverReused(t *testing.T) {
	reg := newTestRegistry(t, NewMockDriver())
	ctx := context.Background()

	seen := make(map[InstanceID]bool)
	var last InstanceID
	for i := 0; i < 5; i++ {
		id, err := reg.Init(ctx, "model.bin", "en")
		if err != nil {
			t.Fatalf("Init() error: %v", err)
		}
		if seen[id] || id <= last {
			t.Fatalf("Init() id = %d after %d, want fresh increasing id", id, last)
		}
		seen[id] = true
		last = id
		if err := reg.Free(id); err != nil {
			t.Fatalf("Free() error: %v", err)
		}
	}
}

func TestRegistry_InitErrors(t *testing.T) {
	tests := []struct {
		name      string
		driver    Driver
		modelPath string
		wantErr   error
	}{
		{"empty path", NewMockDriver(), "  ", ErrModelNotFound},
		{"unknown model", &MockDriver{Models: []string{"known.bin"}}, "other.bin", ErrModelNotFound},
		{"driver failure", failingDriver{err: errors.New("out of memory")}, "model.bin", ErrInitializationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(tt.driver)
			id, err := reg.Init(context.Background(), tt.modelPath, "en")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Init() error = %v, want %v", err, tt.wantErr)
			}
			if id != InvalidInstance {
				t.Errorf("Init() id = %d, want %d", id, InvalidInstance)
			}
			if reg.Len() != 0 {
				t.Errorf("Len() = %d, want 0", reg.Len())
			}
		})
	}
}

type failingDriver struct{ err error }

func (f failingDriver) Name() string { return "failing" }

func (f failingDriver) Open(context.Context, string, string) (Model, error) { return nil, f.err }

func TestRegistry_ProcessErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		respond error
		wantErr error
	}{
		{"engine failure", errors.New("decoder crashed"), ErrProcessingFailed},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"bad audio", ErrInvalidAudioFormat, ErrInvalidAudioFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &MockDriver{Respond: func(int, []float32, string) (string, error) { return "", tt.respond }}
			reg := newTestRegistry(t, driver)
			id, err := reg.Init(context.Background(), "model.bin", "en")
			if err != nil {
				t.Fatalf("Init() error: %v", err)
			}
			if _, err := reg.Process(context.Background(), id, []float32{0}, "en"); !errors.Is(err, tt.wantErr) {
				t.Errorf("Process() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_FreeWaitsForInflight(t *testing.T) {
	driver := &MockDriver{Delay: 50 * time.Millisecond}
	reg := newTestRegistry(t, driver)
	id, err := reg.Init(context.Background(), "model.bin", "en")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var processErr error
	go func() {
		defer wg.Done()
		_, processErr = reg.Process(context.Background(), id, []float32{0}, "en")
	}()

	// Let the inference start before freeing.
	for driver.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := reg.Free(id); err != nil {
		t.Fatalf("Free() error: %v", err)
	}
	if driver.OpenModels() != 0 {
		t.Errorf("OpenModels() = %d after Free, want 0", driver.OpenModels())
	}
	wg.Wait()
	if processErr != nil {
		t.Errorf("in-flight Process() error = %v, want nil", processErr)
	}
}

func TestRegistry_BusyInstanceHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	// Respond ignores ctx, like an engine that cannot abort mid-run.
	driver := &MockDriver{Respond: func(int, []float32, string) (string, error) {
		<-release
		return "alhamdu", nil
	}}
	reg := newTestRegistry(t, driver)
	id, err := reg.Init(context.Background(), "model.bin", "ar")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := reg.Process(context.Background(), id, []float32{0}, "ar")
		first <- err
	}()
	for driver.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := reg.Process(ctx, id, []float32{0}, "ar"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Process() on busy instance error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Process() on busy instance took %v, want bounded by its deadline", elapsed)
	}
	if driver.Calls() != 1 {
		t.Errorf("Calls() = %d, want the waiting call never to reach the engine", driver.Calls())
	}

	close(release)
	if err := <-first; err != nil {
		t.Errorf("first Process() error = %v", err)
	}
}

func TestRegistry_ModelInfoAndList(t *testing.T) {
	reg := newTestRegistry(t, NewMockDriver())
	ctx := context.Background()
	first, _ := reg.Init(ctx, "a.bin", "ar")
	second, _ := reg.Init(ctx, "b.bin", "en")

	info, err := reg.ModelInfo(second)
	if err != nil {
		t.Fatalf("ModelInfo() error: %v", err)
	}
	if info.ModelPath != "b.bin" || info.Language != "en" || info.State != StateReady {
		t.Errorf("ModelInfo() = %+v", info)
	}
	if !strings.Contains(info.String(), "backend=mock") {
		t.Errorf("ModelInfo.String() = %q, want backend=mock", info.String())
	}

	list := reg.List()
	if len(list) != 2 || list[0].ID != first || list[1].ID != second {
		t.Errorf("List() = %+v, want ids [%d %d]", list, first, second)
	}
}

func TestRegistry_ConcurrentInitFree(t *testing.T) {
	reg := newTestRegistry(t, NewMockDriver())

	var wg sync.WaitGroup
	ids := make(chan InstanceID, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.Init(context.Background(), "model.bin", "en")
			if err != nil {
				t.Errorf("Init() error: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[InstanceID]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
		if err := reg.Free(id); err != nil {
			t.Errorf("Free(%d) error: %v", id, err)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}

func TestNewDriver(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{"mock", "mock", false},
		{"HTTP", "http", false},
		{"whisper", "whisper", false},
		{"", "whisper", false},
		{"vosk", "", true},
	}

	for _, tt := range tests {
		driver, err := NewDriver(DriverConfig{Backend: tt.backend})
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewDriver(%q) expected error", tt.backend)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewDriver(%q) error: %v", tt.backend, err)
			continue
		}
		if driver.Name() != tt.want {
			t.Errorf("NewDriver(%q).Name() = %q, want %q", tt.backend, driver.Name(), tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUninitialized: "uninitialized",
		StateReady:         "ready",
		StateFreed:         "freed",
		State(9):           "state(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
