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
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	db, err := NewDatabase(DatabaseConfig{Path: MemoryPath})
	if err != nil {
		t.Fatalf("NewDatabase() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSessionStore(db)
}

func progressFor(id string, state session.State, cursor int, started time.Time) session.Progress {
	return session.Progress{
		SessionID: id,
		State:     state,
		Language:  "ar",
		Cursor:    cursor,
		Total:     3,
		Percent:   float64(cursor) / 3 * 100,
		Stats:     session.Stats{WindowsDispatched: uint64(cursor), Transcriptions: uint64(cursor)},
		StartedAt: started,
		UpdatedAt: started.Add(time.Second),
	}
}

func TestNewDatabase_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "murajaah.db")
	db, err := NewDatabase(DatabaseConfig{Path: path})
	if err != nil {
		t.Fatalf("NewDatabase() error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.OpenConnections() < 1 {
		t.Errorf("OpenConnections() = %d, want at least 1", db.OpenConnections())
	}
	if err := db.Checkpoint(); err != nil {
		t.Errorf("Checkpoint() error: %v", err)
	}
}

func TestNewDatabase_NoPath(t *testing.T) {
	if _, err := NewDatabase(DatabaseConfig{}); !errors.Is(err, ErrNoPath) {
		t.Errorf("NewDatabase() error = %v, want %v", err, ErrNoPath)
	}
}

func TestSessionStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	p := progressFor("fatiha-1", session.StateRecording, 2, started)
	p.Mismatches = []validation.Mismatch{{Expected: "rabbi", Observed: "alamin", Position: 2}}
	if err := store.Save(events.NewSessionEvent(p)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Get("fatiha-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != "recording" || got.Finished {
		t.Errorf("State = %q Finished = %t, want recording/false", got.State, got.Finished)
	}
	if got.Cursor != 2 || got.Total != 3 {
		t.Errorf("Cursor = %d/%d, want 2/3", got.Cursor, got.Total)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Stats.WindowsDispatched != 2 {
		t.Errorf("Stats.WindowsDispatched = %d, want 2", got.Stats.WindowsDispatched)
	}
	if len(got.Mismatches) != 1 || got.Mismatches[0] != p.Mismatches[0] {
		t.Errorf("Mismatches = %+v, want %+v", got.Mismatches, p.Mismatches)
	}

	// A later snapshot replaces the summary and the mismatch list.
	p = progressFor("fatiha-1", session.StateCompleted, 3, started)
	if err := store.Save(events.NewSessionEvent(p)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err = store.Get("fatiha-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != "completed" || !got.Finished || got.Cursor != 3 {
		t.Errorf("after update = %+v", got)
	}
	if len(got.Mismatches) != 0 {
		t.Errorf("Mismatches = %+v, want none", got.Mismatches)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSessionStore_RejectsInvalidEvent(t *testing.T) {
	store := newTestStore(t)
	event := events.NewSessionEvent(progressFor("", session.StateRecording, 0, time.Now()))
	if err := store.Save(event); err == nil {
		t.Error("Save() should reject an event without session id")
	}
}

func TestSessionStore_ListAndCount(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	fixtures := []struct {
		id    string
		state session.State
	}{
		{"s1", session.StateCompleted},
		{"s2", session.StateAborted},
		{"s3", session.StateRecording},
	}
	for i, f := range fixtures {
		p := progressFor(f.id, f.state, 1, base.Add(time.Duration(i)*time.Minute))
		if err := store.Save(events.NewSessionEvent(p)); err != nil {
			t.Fatalf("Save(%s) error: %v", f.id, err)
		}
	}

	finished := true
	tests := []struct {
		name    string
		options ListOptions
		want    []string
	}{
		{"newest first", ListOptions{}, []string{"s3", "s2", "s1"}},
		{"oldest first", ListOptions{SortOrder: "asc"}, []string{"s1", "s2", "s3"}},
		{"by state", ListOptions{State: "aborted"}, []string{"s2"}},
		{"finished only", ListOptions{Finished: &finished}, []string{"s2", "s1"}},
		{"paginated", ListOptions{Limit: 1, Offset: 1}, []string{"s2"}},
		{"injection in sort order ignored", ListOptions{SortOrder: "DESC; DROP TABLE sessions"}, []string{"s3", "s2", "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.List(tt.options)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			var ids []string
			for _, event := range list {
				ids = append(ids, event.SessionID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("List() = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, ids[i], tt.want[i])
				}
			}

			count, err := store.Count(tt.options)
			if err != nil {
				t.Fatalf("Count() error: %v", err)
			}
			unpaged := tt.options.Limit == 0
			if unpaged && count != int64(len(tt.want)) {
				t.Errorf("Count() = %d, want %d", count, len(tt.want))
			}
		})
	}
}

func TestSessionStore_TranscriptsAndDelete(t *testing.T) {
	store := newTestStore(t)
	p := progressFor("fatiha-1", session.StateRecording, 1, time.Now())
	if err := store.Save(events.NewSessionEvent(p)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	for _, seq := range []uint64{2, 1} {
		result := worker.TranscriptionResult{Sequence: seq, Text: "alhamdu", ProducedAt: time.Now(), WindowLenSamples: 16000}
		event := events.NewTranscriptEvent(p, result, validation.Alignment{Cursor: 1, Matched: 1}, 16000)
		if err := store.InsertTranscript(event); err != nil {
			t.Fatalf("InsertTranscript() error: %v", err)
		}
	}

	transcripts, err := store.Transcripts("fatiha-1")
	if err != nil {
		t.Fatalf("Transcripts() error: %v", err)
	}
	if len(transcripts) != 2 || transcripts[0].Sequence != 1 || transcripts[1].Sequence != 2 {
		t.Fatalf("Transcripts() = %+v, want sequences 1, 2", transcripts)
	}
	if transcripts[0].WindowDurationMs != 1000 {
		t.Errorf("WindowDurationMs = %d, want 1000", transcripts[0].WindowDurationMs)
	}

	orphan := events.NewTranscriptEvent(progressFor("ghost", session.StateRecording, 0, time.Now()),
		worker.TranscriptionResult{Sequence: 1, Text: "x"}, validation.Alignment{}, 16000)
	if err := store.InsertTranscript(orphan); err == nil {
		t.Error("InsertTranscript() should fail for an unknown session")
	}

	if err := store.Delete("fatiha-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if transcripts, _ := store.Transcripts("fatiha-1"); len(transcripts) != 0 {
		t.Errorf("Transcripts() after Delete = %d rows, want 0", len(transcripts))
	}
	if err := store.Delete("fatiha-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestArchiveListener(t *testing.T) {
	store := newTestStore(t)
	listener := NewArchiveListener(store, 16000)
	started := time.Now()

	p := progressFor("fatiha-2", session.StateRecording, 1, started)
	listener.OnTranscript(p, worker.TranscriptionResult{Sequence: 1, Text: "alhamdu", ProducedAt: started}, validation.Alignment{Cursor: 1, Matched: 1})

	p = progressFor("fatiha-2", session.StateAborted, 1, started)
	p.LastError = "engine instance not found"
	listener.OnFailure(p, errors.New("engine instance not found"))
	listener.OnFinished(p)

	got, err := store.Get("fatiha-2")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != "aborted" || got.ErrorMessage != "engine instance not found" {
		t.Errorf("archived = %+v", got)
	}
	transcripts, err := store.Transcripts("fatiha-2")
	if err != nil || len(transcripts) != 1 {
		t.Errorf("Transcripts() = %v, %v, want one row", transcripts, err)
	}
}
