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

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/security"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

func newTestManager(t *testing.T, driver *engine.MockDriver, listeners ...Listener) (*Manager, *engine.Registry) {
	t.Helper()
	registry := engine.NewRegistry(driver)
	manager := NewManager(registry, worker.NewPool(4), Defaults{
		ModelPath:    "model.bin",
		Language:     "ar",
		SampleRate:   16000,
		TickInterval: 5 * time.Millisecond,
		Window:       testWindow,
	}, listeners...)
	t.Cleanup(func() {
		manager.Close()
		_ = registry.Close()
	})
	return manager, registry
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager_CreateSurfacesEngineErrors(t *testing.T) {
	manager, _ := newTestManager(t, &engine.MockDriver{Models: []string{"model.bin"}})

	_, err := manager.Create(context.Background(), CreateRequest{ExpectedText: "bismillah", ModelPath: "missing.bin"})
	if !errors.Is(err, engine.ErrModelNotFound) {
		t.Errorf("Create() error = %v, want ErrModelNotFound", err)
	}
	if _, err := manager.Create(context.Background(), CreateRequest{ExpectedText: "   "}); !errors.Is(err, validation.ErrInvalidReference) {
		t.Errorf("Create(empty) error = %v, want ErrInvalidReference", err)
	}
	_, err = manager.Create(context.Background(), CreateRequest{ID: "../x", ExpectedText: "bismillah"})
	if !errors.Is(err, security.ErrInvalidSessionID) {
		t.Errorf("Create(bad id) error = %v, want ErrInvalidSessionID", err)
	}
	if !IsClientError(err) {
		t.Errorf("IsClientError(%v) = false, want true", err)
	}
	if manager.Len() != 0 {
		t.Errorf("Len() = %d, want 0", manager.Len())
	}
}

func TestManager_SessionLifecycle(t *testing.T) {
	events := newRecorder()
	manager, registry := newTestManager(t, scripted("bismillah rahman"), events)

	c, err := manager.Create(context.Background(), CreateRequest{ID: "fatiha-1", ExpectedWords: []string{"bismillah", "rahman"}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := manager.Create(context.Background(), CreateRequest{ID: "fatiha-1", ExpectedText: "x"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("duplicate Create() error = %v, want ErrInvalidState", err)
	}
	if registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1 after rejected duplicate", registry.Len())
	}

	got, err := manager.Get("fatiha-1")
	if err != nil || got != c {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if list := manager.List(); len(list) != 1 || list[0].SessionID != "fatiha-1" {
		t.Errorf("List() = %+v", list)
	}

	if err := c.PushAudio(newNoise().next(160)); err != nil {
		t.Fatalf("PushAudio() error: %v", err)
	}
	final := receive(t, events.finished, "session completion")
	if final.State != StateCompleted {
		t.Errorf("final state = %v, want completed", final.State)
	}

	waitFor(t, "session removal", func() bool { return manager.Len() == 0 })
	if _, err := manager.Get("fatiha-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after completion error = %v, want ErrSessionNotFound", err)
	}
	if registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", registry.Len())
	}
}

func TestManager_StopAndClose(t *testing.T) {
	manager, registry := newTestManager(t, engine.NewMockDriver())

	first, err := manager.Create(context.Background(), CreateRequest{ExpectedText: "qul huwa"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := manager.Create(context.Background(), CreateRequest{ExpectedText: "allahu ahad"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	p, err := manager.Stop(first.ID())
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if p.State != StateAborted {
		t.Errorf("Stop() state = %v, want aborted", p.State)
	}
	if _, err := manager.Stop("unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Stop(unknown) error = %v, want ErrSessionNotFound", err)
	}

	manager.Close()
	if manager.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", manager.Len())
	}
	if registry.Len() != 0 {
		t.Errorf("registry.Len() after Close = %d, want 0", registry.Len())
	}
}

func TestManager_CreateWithPreset(t *testing.T) {
	manager, _ := newTestManager(t, scripted())

	tests := []struct {
		name     string
		req      CreateRequest
		window   int
		step     int
		language string
	}{
		{"defaults", CreateRequest{ExpectedText: "bismillah"}, testWindow.WindowSize, testWindow.StepSize, "ar"},
		{"arabic", CreateRequest{ExpectedText: "bismillah", Preset: "arabic", Language: "en"}, testWindow.WindowSize, testWindow.StepSize, "en"},
		{"murajaah", CreateRequest{ExpectedText: "bismillah", Preset: "murajaah"}, 48000, 32000, "ar"},
		{"fast", CreateRequest{ExpectedText: "bismillah", Preset: "fast"}, 24000, 19200, "ar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := manager.Create(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Create() error: %v", err)
			}
			defer c.Stop()

			cfg := c.sched.Config()
			if cfg.WindowSize != tt.window || cfg.StepSize != tt.step {
				t.Errorf("window = %d/%d, want %d/%d", cfg.WindowSize, cfg.StepSize, tt.window, tt.step)
			}
			if cfg.DuplicateThreshold != testWindow.DuplicateThreshold {
				t.Errorf("DuplicateThreshold = %v, want %v", cfg.DuplicateThreshold, testWindow.DuplicateThreshold)
			}
			if got := c.Progress().Language; got != tt.language {
				t.Errorf("Language = %q, want %q", got, tt.language)
			}
		})
	}
}

func TestManager_CreateUnknownPreset(t *testing.T) {
	manager, registry := newTestManager(t, scripted())

	_, err := manager.Create(context.Background(), CreateRequest{ExpectedText: "bismillah", Preset: "slow"})
	if !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("Create() error = %v, want ErrUnknownPreset", err)
	}
	if !IsClientError(err) {
		t.Errorf("IsClientError(%v) = false, want true", err)
	}
	if registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want no instance for a rejected preset", registry.Len())
	}
}

func TestPresetNames(t *testing.T) {
	got := PresetNames()
	want := []string{"arabic", "fast", "murajaah"}
	if len(got) != len(want) {
		t.Fatalf("PresetNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PresetNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
