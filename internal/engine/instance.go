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
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// InstanceID is the opaque handle callers use to reference a live engine.
// Valid ids are positive.
type InstanceID int32

// InvalidInstance is returned alongside an error when no instance was created.
const InvalidInstance InstanceID = -1

// State is the lifecycle state of an engine instance.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFreed:
		return "freed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State render as a string in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Instance is one loaded model owned by a Registry.
type Instance struct {
	id        InstanceID
	modelPath string
	language  string
	createdAt time.Time
	model     Model

	// guarded by the registry lock
	state State

	// one inference at a time; Free waits for an in-flight call
	infer *semaphore.Weighted
}

// ModelInfo describes a registered instance.
type ModelInfo struct {
	ID          InstanceID `json:"id"`
	ModelPath   string     `json:"model_path"`
	Language    string     `json:"language"`
	State       State      `json:"state"`
	Backend     string     `json:"backend"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

// String renders the info the way the boundary get_model_info primitive reports it.
func (m ModelInfo) String() string {
	return fmt.Sprintf("%s backend=%s model=%s language=%s state=%s",
		m.Description, m.Backend, m.ModelPath, m.Language, m.State)
}
