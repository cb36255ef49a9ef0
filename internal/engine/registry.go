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
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/loqa-murajaah/internal/logging"
)

// Registry is the table of live engine instances. The integer handle is an
// index into the table; ids grow monotonically and are never reused, so a
// freed id can never resolve to a newer instance.
type Registry struct {
	driver Driver

	mu        sync.RWMutex
	instances map[InstanceID]*Instance
	lastID    InstanceID

	now func() time.Time
}

// NewRegistry creates an empty registry loading models through driver.
func NewRegistry(driver Driver) *Registry {
	return &Registry{
		driver:    driver,
		instances: make(map[InstanceID]*Instance),
		now:       time.Now,
	}
}

// Backend returns the name of the driver behind this registry.
func (r *Registry) Backend() string {
	return r.driver.Name()
}

// Init loads a model and registers it as a Ready instance.
func (r *Registry) Init(ctx context.Context, modelPath, language string) (InstanceID, error) {
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return InvalidInstance, fmt.Errorf("%w: empty model path", ErrModelNotFound)
	}

	inst := &Instance{
		modelPath: modelPath,
		language:  language,
		createdAt: r.now(),
		state:     StateUninitialized,
		infer:     semaphore.NewWeighted(1),
	}

	// Loading can take seconds; keep it outside the table lock.
	model, err := r.driver.Open(ctx, modelPath, language)
	if err != nil {
		logging.LogError(err, "Engine initialization failed", zap.String("model_path", modelPath))
		if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrInitializationFailed) {
			return InvalidInstance, err
		}
		return InvalidInstance, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	inst.model = model

	r.mu.Lock()
	if r.lastID == math.MaxInt32 {
		r.mu.Unlock()
		_ = model.Close()
		return InvalidInstance, fmt.Errorf("%w: instance ids exhausted", ErrInitializationFailed)
	}
	r.lastID++
	inst.id = r.lastID
	inst.state = StateReady
	r.instances[inst.id] = inst
	r.mu.Unlock()

	logging.LogEngineOperation("init", int32(inst.id),
		zap.String("model_path", modelPath),
		zap.String("language", language),
		zap.String("backend", r.driver.Name()),
	)
	return inst.id, nil
}

// Free releases an instance. Freeing an unknown or already freed id reports
// ErrInstanceNotFound.
func (r *Registry) Free(id InstanceID) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	}
	delete(r.instances, id)
	inst.state = StateFreed
	r.mu.Unlock()

	// Wait for an in-flight inference before tearing the model down.
	_ = inst.infer.Acquire(context.Background(), 1)
	err := inst.model.Close()
	inst.infer.Release(1)

	logging.LogEngineOperation("free", int32(id))
	if err != nil {
		return fmt.Errorf("closing model for instance %d: %w", id, err)
	}
	return nil
}

// IsValid reports whether id refers to a Ready instance.
func (r *Registry) IsValid(id InstanceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return ok && inst.state == StateReady
}

// ModelInfo describes a live instance.
func (r *Registry) ModelInfo(id InstanceID) (ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return ModelInfo{}, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	}
	return r.infoLocked(inst), nil
}

// List returns info for every live instance ordered by id.
func (r *Registry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ModelInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, r.infoLocked(inst))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) infoLocked(inst *Instance) ModelInfo {
	return ModelInfo{
		ID:          inst.id,
		ModelPath:   inst.modelPath,
		Language:    inst.language,
		State:       inst.state,
		Backend:     r.driver.Name(),
		Description: inst.model.Info(),
		CreatedAt:   inst.createdAt,
	}
}

// Process runs one synchronous inference on the instance. An empty language
// falls back to the language the instance was initialised with.
func (r *Registry) Process(ctx context.Context, id InstanceID, samples []float32, language string) (string, error) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	}

	// A call still running past its caller's deadline keeps the instance;
	// waiters give up with their own ctx instead of queueing forever.
	if err := inst.infer.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: instance %d busy: %v", ErrTimeout, id, err)
		}
		return "", err
	}
	defer inst.infer.Release(1)

	r.mu.RLock()
	state := inst.state
	r.mu.RUnlock()
	if state != StateReady {
		return "", fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	}

	if language == "" {
		language = inst.language
	}

	text, err := inst.model.Transcribe(ctx, samples, language)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		case errors.Is(err, context.Canceled):
			return "", err
		case errors.Is(err, ErrInvalidAudioFormat):
			return "", err
		default:
			return "", fmt.Errorf("%w: %v", ErrProcessingFailed, err)
		}
	}
	return strings.TrimSpace(text), nil
}

// Close frees every live instance.
func (r *Registry) Close() error {
	r.mu.RLock()
	ids := make([]InstanceID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := r.Free(id); err != nil && !errors.Is(err, ErrInstanceNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
