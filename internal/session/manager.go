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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/security"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/window"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// Engine is the registry surface the manager needs.
type Engine interface {
	Init(ctx context.Context, modelPath, language string) (engine.InstanceID, error)
	Free(id engine.InstanceID) error
	worker.Processor
}

// Defaults apply to every session unless a request overrides them.
type Defaults struct {
	ModelPath      string
	Language       string
	SampleRate     int
	BufferCapacity int
	TickInterval   time.Duration
	Window         window.Config
	Transcribe     worker.Options
	Aligner        validation.AlignerOptions
}

// CreateRequest starts a review session. ExpectedWords wins over
// ExpectedText when both are set. An explicit Language wins over the
// preset's.
type CreateRequest struct {
	ID            string   `json:"id,omitempty"`
	ExpectedWords []string `json:"expected_words,omitempty"`
	ExpectedText  string   `json:"expected_text,omitempty"`
	ModelPath     string   `json:"model_path,omitempty"`
	Language      string   `json:"language,omitempty"`
	Preset        string   `json:"preset,omitempty"`
}

// Manager owns all live sessions.
type Manager struct {
	engine      Engine
	pool        *worker.Pool
	transcriber *worker.Transcriber
	defaults    Defaults
	listener    Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Coordinator
}

// NewManager creates a manager backed by eng and pool.
func NewManager(eng Engine, pool *worker.Pool, defaults Defaults, listeners ...Listener) *Manager {
	if defaults.TickInterval <= 0 {
		defaults.TickInterval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:      eng,
		pool:        pool,
		transcriber: worker.NewTranscriber(eng, defaults.Transcribe),
		defaults:    defaults,
		listener:    Listeners(listeners),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Coordinator),
	}
}

// Create initialises the engine instance first so model errors surface
// before any recording, then starts the session loop.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Coordinator, error) {
	expected := req.ExpectedWords
	if len(expected) == 0 {
		expected = validation.Tokenize(req.ExpectedText)
	}
	if len(expected) == 0 {
		return nil, fmt.Errorf("%w: expected passage is empty", validation.ErrInvalidReference)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	} else if err := security.ValidateSessionID(id); err != nil {
		return nil, fmt.Errorf("%w: %q", err, security.SanitizeLogInput(id))
	}
	m.mu.RLock()
	_, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: session %s already exists", ErrInvalidState, id)
	}

	var preset Preset
	if name := strings.TrimSpace(req.Preset); name != "" {
		p, err := LookupPreset(name)
		if err != nil {
			return nil, err
		}
		preset = p
	}
	geometry := preset.Apply(m.defaults.Window, m.defaults.SampleRate)

	modelPath := firstNonEmpty(req.ModelPath, m.defaults.ModelPath)
	language := firstNonEmpty(req.Language, preset.Language, m.defaults.Language)

	instance, err := m.engine.Init(ctx, modelPath, language)
	if err != nil {
		return nil, err
	}

	c, err := NewCoordinator(CoordinatorConfig{
		ID:             id,
		Language:       language,
		SampleRate:     m.defaults.SampleRate,
		BufferCapacity: m.defaults.BufferCapacity,
		Window:         geometry,
		Aligner:        m.defaults.Aligner,
		Pool:           m.pool,
		Transcriber:    m.transcriber,
		Engine:         m.engine,
		Listener:       m.listener,
	})
	if err == nil {
		err = c.Start(expected, instance)
	}
	if err != nil {
		_ = m.engine.Free(instance)
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		c.Stop()
		return nil, fmt.Errorf("%w: session %s already exists", ErrInvalidState, id)
	}
	m.sessions[id] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(c)
	return c, nil
}

func (m *Manager) run(c *Coordinator) {
	defer m.wg.Done()
	c.Run(m.ctx, m.defaults.TickInterval)

	select {
	case <-c.Done():
	default:
		// Manager shutdown.
		c.Stop()
	}

	m.mu.Lock()
	delete(m.sessions, c.ID())
	m.mu.Unlock()
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return c, nil
}

// Snapshot returns the current progress of a live session.
func (m *Manager) Snapshot(id string) (Progress, error) {
	c, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	return c.Progress(), nil
}

// List returns progress for every live session, oldest first.
func (m *Manager) List() []Progress {
	m.mu.RLock()
	sessions := make([]*Coordinator, 0, len(m.sessions))
	for _, c := range m.sessions {
		sessions = append(sessions, c)
	}
	m.mu.RUnlock()

	out := make([]Progress, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c.Progress())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop aborts a live session and returns its final progress.
func (m *Manager) Stop(id string) (Progress, error) {
	c, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	c.Stop()
	return c.Progress(), nil
}

// Reset rewinds a live session to the start of its passage.
func (m *Manager) Reset(id string) (Progress, error) {
	c, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	if err := c.Reset(); err != nil {
		return Progress{}, err
	}
	return c.Progress(), nil
}

// PushAudio appends samples to a live session.
func (m *Manager) PushAudio(id string, samples []float32) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.PushAudio(samples)
}

// Finish ends a live session after its outstanding windows are transcribed.
func (m *Manager) Finish(ctx context.Context, id string) (Progress, error) {
	c, err := m.Get(id)
	if err != nil {
		return Progress{}, err
	}
	return c.Finish(ctx), nil
}

// Close stops every session and waits for their loops to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	logging.LogSessionEvent("*", "manager_closed", zap.Int("sessions", m.Len()))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsClientError reports whether err stems from bad caller input rather
// than a server side fault.
func IsClientError(err error) bool {
	return errors.Is(err, validation.ErrInvalidReference) ||
		errors.Is(err, security.ErrInvalidSessionID) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotRecording) ||
		errors.Is(err, ErrUnknownPreset) ||
		errors.Is(err, engine.ErrModelNotFound) ||
		errors.Is(err, engine.ErrInvalidAudioFormat)
}
