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
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

// State is the review session lifecycle.
type State int

const (
	StateIdle State = iota
	StateRecording
	// StateProcessing means at least one window is being transcribed.
	StateProcessing
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State render as a string in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

var (
	ErrInvalidState    = errors.New("invalid session state")
	ErrNotRecording    = errors.New("session is not recording")
	ErrSessionNotFound = errors.New("session not found")
)

// Stats are per-session processing counters.
type Stats struct {
	WindowsDispatched uint64  `json:"windows_dispatched"`
	Duplicates        uint64  `json:"duplicates"`
	SilentWindows     uint64  `json:"silent_windows"`
	Superseded        uint64  `json:"superseded"`
	Transcriptions    uint64  `json:"transcriptions"`
	Failures          uint64  `json:"failures"`
	Timeouts          uint64  `json:"timeouts"`
	InvalidWindows    uint64  `json:"invalid_windows"`
	AvgProcessingMs   float64 `json:"avg_processing_ms"`
	RealTimeFactor    float64 `json:"real_time_factor"`
	BufferOverflows   uint64  `json:"buffer_overflows"`
	// RepeatedTokens counts transcript tokens dropped as re-heard overlap.
	RepeatedTokens    uint64  `json:"repeated_tokens"`
}

// Progress is a snapshot of a session.
type Progress struct {
	SessionID      string                `json:"session_id"`
	State          State                 `json:"state"`
	InstanceID     engine.InstanceID     `json:"instance_id"`
	Language       string                `json:"language"`
	Cursor         int                   `json:"cursor"`
	Total          int                   `json:"total"`
	MatchedCount   int                   `json:"matched_count"`
	Percent        float64               `json:"percent"`
	Mismatches     []validation.Mismatch `json:"mismatches"`
	LastTranscript string                `json:"last_transcript,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	Buffer         audio.BufferStatus    `json:"buffer"`
	Stats          Stats                 `json:"stats"`
	StartedAt      time.Time             `json:"started_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}
