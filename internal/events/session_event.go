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

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// SessionEvent is the archived summary of a review session, written each
// time its progress changes and once more when it finishes.
type SessionEvent struct {
	UUID      string    `json:"uuid" db:"uuid"`
	SessionID string    `json:"session_id" db:"session_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	State    string `json:"state" db:"state"`
	Finished bool   `json:"finished" db:"finished"`
	Language string `json:"language" db:"language"`

	Cursor       int     `json:"cursor" db:"cursor"`
	Total        int     `json:"total" db:"total"`
	MatchedCount int     `json:"matched_count" db:"matched_count"`
	Percent      float64 `json:"percent" db:"percent"`

	Mismatches     []validation.Mismatch `json:"mismatches"`
	Stats          session.Stats         `json:"stats" db:"stats"`
	LastTranscript string                `json:"last_transcript,omitempty" db:"last_transcript"`
	ErrorMessage   string                `json:"error_message,omitempty" db:"error_message"`

	StartedAt time.Time `json:"started_at" db:"started_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewSessionEvent snapshots p.
func NewSessionEvent(p session.Progress) *SessionEvent {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return &SessionEvent{
		UUID:           uuid.New().String(),
		SessionID:      p.SessionID,
		Timestamp:      time.Now(),
		State:          p.State.String(),
		Finished:       p.State.Terminal(),
		Language:       p.Language,
		Cursor:         p.Cursor,
		Total:          p.Total,
		MatchedCount:   p.MatchedCount,
		Percent:        p.Percent,
		Mismatches:     append([]validation.Mismatch{}, p.Mismatches...),
		Stats:          p.Stats,
		LastTranscript: p.LastTranscript,
		ErrorMessage:   p.LastError,
		StartedAt:      p.StartedAt,
		UpdatedAt:      updated,
	}
}

// StatsJSON returns the processing counters for database storage
func (se *SessionEvent) StatsJSON() (string, error) {
	data, err := json.Marshal(se.Stats)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stats: %w", err)
	}
	return string(data), nil
}

// SetStatsFromJSON parses stored processing counters
func (se *SessionEvent) SetStatsFromJSON(jsonStr string) error {
	se.Stats = session.Stats{}
	if jsonStr == "" || jsonStr == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(jsonStr), &se.Stats); err != nil {
		return fmt.Errorf("failed to unmarshal stats JSON: %w", err)
	}
	return nil
}

// IsValid performs basic validation on the session event
func (se *SessionEvent) IsValid() error {
	var errs []error
	if se.UUID == "" {
		errs = append(errs, errors.New("UUID is required"))
	}
	if se.SessionID == "" {
		errs = append(errs, errors.New("sessionID is required"))
	}
	if se.StartedAt.IsZero() {
		errs = append(errs, errors.New("start time is required"))
	}
	if se.Cursor < 0 || se.Cursor > se.Total {
		errs = append(errs, fmt.Errorf("cursor %d outside passage of %d words", se.Cursor, se.Total))
	}
	return errors.Join(errs...)
}

func (se *SessionEvent) String() string {
	return fmt.Sprintf("SessionEvent{SessionID: %s, State: %s, Cursor: %d/%d, Mismatches: %d}",
		se.SessionID, se.State, se.Cursor, se.Total, len(se.Mismatches))
}

// TranscriptEvent is one aligned window transcript.
type TranscriptEvent struct {
	UUID      string    `json:"uuid" db:"uuid"`
	SessionID string    `json:"session_id" db:"session_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	Sequence   uint64 `json:"sequence" db:"sequence"`
	InstanceID int32  `json:"instance_id" db:"instance_id"`
	Text       string `json:"text" db:"text"`

	Cursor     int                   `json:"cursor" db:"cursor"`
	Matched    int                   `json:"matched" db:"matched"`
	Trimmed    int                   `json:"trimmed" db:"trimmed"`
	Mismatches []validation.Mismatch `json:"mismatches,omitempty"`

	WindowDurationMs int64 `json:"window_duration_ms" db:"window_duration_ms"`
	ProcessingTimeMs int64 `json:"processing_time_ms" db:"processing_time_ms"`
}

// NewTranscriptEvent records result as aligned within session p.
func NewTranscriptEvent(p session.Progress, result worker.TranscriptionResult, alignment validation.Alignment, sampleRate int) *TranscriptEvent {
	ts := result.ProducedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	var windowMs int64
	if sampleRate > 0 {
		windowMs = int64(result.WindowLenSamples) * 1000 / int64(sampleRate)
	}
	return &TranscriptEvent{
		UUID:             uuid.New().String(),
		SessionID:        p.SessionID,
		Timestamp:        ts,
		Sequence:         result.Sequence,
		InstanceID:       int32(result.InstanceID),
		Text:             result.Text,
		Cursor:           alignment.Cursor,
		Matched:          alignment.Matched,
		Trimmed:          alignment.Trimmed,
		Mismatches:       append([]validation.Mismatch{}, alignment.Mismatches...),
		WindowDurationMs: windowMs,
		ProcessingTimeMs: result.Duration.Milliseconds(),
	}
}

// IsValid performs basic validation on the transcript event
func (te *TranscriptEvent) IsValid() error {
	if te.UUID == "" {
		return errors.New("UUID is required")
	}
	if te.SessionID == "" {
		return errors.New("sessionID is required")
	}
	if te.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

func (te *TranscriptEvent) String() string {
	return fmt.Sprintf("TranscriptEvent{SessionID: %s, Sequence: %d, Text: %q, Cursor: %d}",
		te.SessionID, te.Sequence, te.Text, te.Cursor)
}
