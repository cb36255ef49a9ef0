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

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

// ErrNotFound is returned when an archived session does not exist.
var ErrNotFound = errors.New("archived session not found")

const sessionColumns = `session_id, uuid, state, finished, language,
	cursor, total, matched_count, percent, stats,
	last_transcript, error_message, started_at, updated_at`

// SessionStore handles database operations for archived review sessions
type SessionStore struct {
	db *Database
}

// NewSessionStore creates a new session store
func NewSessionStore(db *Database) *SessionStore {
	return &SessionStore{db: db}
}

// Save upserts the session summary and replaces its mismatch list
func (s *SessionStore) Save(event *events.SessionEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid session event: %w", err)
	}

	statsJSON, err := event.StatsJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize stats: %w", err)
	}

	tx, err := s.db.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO sessions (` + sessionColumns + `) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?
		)
		ON CONFLICT(session_id) DO UPDATE SET
			uuid = excluded.uuid,
			state = excluded.state,
			finished = excluded.finished,
			language = excluded.language,
			cursor = excluded.cursor,
			total = excluded.total,
			matched_count = excluded.matched_count,
			percent = excluded.percent,
			stats = excluded.stats,
			last_transcript = excluded.last_transcript,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`

	if _, err := tx.Exec(query,
		event.SessionID, event.UUID, event.State, event.Finished, event.Language,
		event.Cursor, event.Total, event.MatchedCount, event.Percent, statsJSON,
		event.LastTranscript, event.ErrorMessage, event.StartedAt, event.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM mismatches WHERE session_id = ?", event.SessionID); err != nil {
		return fmt.Errorf("failed to clear mismatches: %w", err)
	}
	for _, m := range event.Mismatches {
		if _, err := tx.Exec(
			"INSERT INTO mismatches (session_id, position, expected, observed) VALUES (?, ?, ?, ?)",
			event.SessionID, m.Position, m.Expected, m.Observed,
		); err != nil {
			return fmt.Errorf("failed to insert mismatch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	logging.LogDatabaseOperation("UPSERT", "sessions",
		zap.String("session_id", event.SessionID),
		zap.String("state", event.State),
		zap.Int("mismatches", len(event.Mismatches)),
	)
	return nil
}

// InsertTranscript stores one aligned window. The session row must exist.
func (s *SessionStore) InsertTranscript(event *events.TranscriptEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid transcript event: %w", err)
	}

	query := `
		INSERT INTO transcripts (
			uuid, session_id, timestamp, sequence, instance_id, text,
			cursor, matched, trimmed, window_duration_ms, processing_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.DB().Exec(query,
		event.UUID, event.SessionID, event.Timestamp, int64(event.Sequence), event.InstanceID, event.Text,
		event.Cursor, event.Matched, event.Trimmed, event.WindowDurationMs, event.ProcessingTimeMs,
	); err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	return nil
}

// Get retrieves an archived session with its mismatches
func (s *SessionStore) Get(sessionID string) (*events.SessionEvent, error) {
	row := s.db.DB().QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)
	event, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	mismatches, err := s.mismatches(sessionID)
	if err != nil {
		return nil, err
	}
	event.Mismatches = mismatches
	return event, nil
}

func (s *SessionStore) mismatches(sessionID string) ([]validation.Mismatch, error) {
	rows, err := s.db.DB().Query(
		"SELECT position, expected, observed FROM mismatches WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mismatches: %w", err)
	}
	defer rows.Close()

	out := []validation.Mismatch{}
	for rows.Next() {
		var m validation.Mismatch
		if err := rows.Scan(&m.Position, &m.Expected, &m.Observed); err != nil {
			return nil, fmt.Errorf("failed to scan mismatch: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	State    string
	Finished *bool // nil = all

	Limit  int
	Offset int

	SortOrder string // "ASC" or "DESC" by start time
}

// List retrieves session summaries without their mismatch lists
func (s *SessionStore) List(options ListOptions) ([]*events.SessionEvent, error) {
	query, args := buildListQuery("SELECT "+sessionColumns+" FROM sessions", options)

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*events.SessionEvent
	for rows.Next() {
		event, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Count returns the number of sessions matching the filter
func (s *SessionStore) Count(options ListOptions) (int64, error) {
	options.Limit = 0
	options.Offset = 0
	query, args := buildListQuery("SELECT COUNT(*) FROM sessions", options)

	var count int64
	if err := s.db.DB().QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Transcripts returns the stored windows of a session in dispatch order
func (s *SessionStore) Transcripts(sessionID string) ([]*events.TranscriptEvent, error) {
	rows, err := s.db.DB().Query(`
		SELECT uuid, session_id, timestamp, sequence, instance_id, text,
			   cursor, matched, trimmed, window_duration_ms, processing_time_ms
		FROM transcripts
		WHERE session_id = ?
		ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var out []*events.TranscriptEvent
	for rows.Next() {
		var event events.TranscriptEvent
		var sequence int64
		if err := rows.Scan(
			&event.UUID, &event.SessionID, &event.Timestamp, &sequence, &event.InstanceID, &event.Text,
			&event.Cursor, &event.Matched, &event.Trimmed, &event.WindowDurationMs, &event.ProcessingTimeMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		event.Sequence = uint64(sequence)
		out = append(out, &event)
	}
	return out, rows.Err()
}

// Delete removes an archived session and everything recorded for it
func (s *SessionStore) Delete(sessionID string) error {
	result, err := s.db.DB().Exec("DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	logging.LogDatabaseOperation("DELETE", "sessions", zap.String("session_id", sessionID))
	return nil
}

func buildListQuery(base string, options ListOptions) (string, []interface{}) {
	query := base + " WHERE 1=1"
	var args []interface{}

	if options.State != "" {
		query += " AND state = ?"
		args = append(args, options.State)
	}
	if options.Finished != nil {
		query += " AND finished = ?"
		args = append(args, *options.Finished)
	}

	if !strings.HasPrefix(base, "SELECT COUNT") {
		order := "DESC"
		if strings.EqualFold(options.SortOrder, "ASC") {
			order = "ASC"
		}
		query += " ORDER BY started_at " + order + ", session_id " + order
	}

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*events.SessionEvent, error) {
	var event events.SessionEvent
	var statsJSON string

	err := row.Scan(
		&event.SessionID, &event.UUID, &event.State, &event.Finished, &event.Language,
		&event.Cursor, &event.Total, &event.MatchedCount, &event.Percent, &statsJSON,
		&event.LastTranscript, &event.ErrorMessage, &event.StartedAt, &event.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := event.SetStatsFromJSON(statsJSON); err != nil {
		return nil, err
	}
	event.Timestamp = event.UpdatedAt
	return &event, nil
}
