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
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// Listener observes session activity. Callbacks run on session goroutines
// and should return quickly.
type Listener interface {
	OnTranscript(p Progress, result worker.TranscriptionResult, alignment validation.Alignment)
	OnFailure(p Progress, err error)
	OnFinished(p Progress)
}

// Listeners fans callbacks out in order.
type Listeners []Listener

func (ls Listeners) OnTranscript(p Progress, result worker.TranscriptionResult, alignment validation.Alignment) {
	for _, l := range ls {
		l.OnTranscript(p, result, alignment)
	}
}

func (ls Listeners) OnFailure(p Progress, err error) {
	for _, l := range ls {
		l.OnFailure(p, err)
	}
}

func (ls Listeners) OnFinished(p Progress) {
	for _, l := range ls {
		l.OnFinished(p)
	}
}

// NopListener ignores every callback; embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnTranscript(Progress, worker.TranscriptionResult, validation.Alignment) {}
func (NopListener) OnFailure(Progress, error)                                           {}
func (NopListener) OnFinished(Progress)                                                 {}
