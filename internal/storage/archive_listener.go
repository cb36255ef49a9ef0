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
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// ArchiveListener persists session progress as it happens.
type ArchiveListener struct {
	store      *SessionStore
	sampleRate int
}

// NewArchiveListener archives into store.
func NewArchiveListener(store *SessionStore, sampleRate int) *ArchiveListener {
	return &ArchiveListener{store: store, sampleRate: sampleRate}
}

func (l *ArchiveListener) OnTranscript(p session.Progress, result worker.TranscriptionResult, alignment validation.Alignment) {
	if !l.save(p) {
		return
	}
	if err := l.store.InsertTranscript(events.NewTranscriptEvent(p, result, alignment, l.sampleRate)); err != nil {
		logging.LogError(err, "Failed to archive transcript",
			zap.String("session_id", p.SessionID),
			zap.Uint64("sequence", result.Sequence),
		)
	}
}

func (l *ArchiveListener) OnFailure(p session.Progress, _ error) {
	l.save(p)
}

func (l *ArchiveListener) OnFinished(p session.Progress) {
	l.save(p)
}

func (l *ArchiveListener) save(p session.Progress) bool {
	if err := l.store.Save(events.NewSessionEvent(p)); err != nil {
		logging.LogError(err, "Failed to archive session", zap.String("session_id", p.SessionID))
		return false
	}
	return true
}
