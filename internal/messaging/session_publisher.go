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

package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// SessionPublisher mirrors session activity onto NATS.
type SessionPublisher struct {
	ns         *NATSService
	sampleRate int
}

// NewSessionPublisher publishes through ns.
func NewSessionPublisher(ns *NATSService, sampleRate int) *SessionPublisher {
	return &SessionPublisher{ns: ns, sampleRate: sampleRate}
}

func (p *SessionPublisher) OnTranscript(progress session.Progress, result worker.TranscriptionResult, alignment validation.Alignment) {
	if err := p.ns.PublishTranscript(events.NewTranscriptEvent(progress, result, alignment, p.sampleRate)); err != nil {
		logging.LogError(err, "Failed to publish transcript", zap.String("session_id", progress.SessionID))
	}
	p.publish(progress)
}

func (p *SessionPublisher) OnFailure(progress session.Progress, _ error) {
	p.publish(progress)
}

func (p *SessionPublisher) OnFinished(progress session.Progress) {
	p.publish(progress)
}

func (p *SessionPublisher) publish(progress session.Progress) {
	if err := p.ns.PublishSession(events.NewSessionEvent(progress)); err != nil {
		logging.LogError(err, "Failed to publish session", zap.String("session_id", progress.SessionID))
	}
}

// AudioSink accepts audio for live sessions. *session.Manager implements it.
type AudioSink interface {
	PushAudio(sessionID string, samples []float32) error
	Finish(ctx context.Context, sessionID string) (session.Progress, error)
}

// AudioIngest feeds audio messages into sessions.
type AudioIngest struct {
	sink        AudioSink
	drainWithin time.Duration
}

// NewAudioIngest delivers into sink. drainWithin bounds how long an end of
// stream waits for outstanding transcriptions.
func NewAudioIngest(sink AudioSink, drainWithin time.Duration) *AudioIngest {
	if drainWithin <= 0 {
		drainWithin = 30 * time.Second
	}
	return &AudioIngest{sink: sink, drainWithin: drainWithin}
}

// Handle processes one message. Errors are logged; NATS has no reply path.
func (a *AudioIngest) Handle(sessionID string, msg *AudioMessage) {
	if len(msg.Data) > 0 {
		samples, err := audio.Decode(msg.Encoding, msg.Data)
		if err != nil {
			logging.LogWarn("Dropping malformed audio message", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if err := a.sink.PushAudio(sessionID, samples); err != nil {
			logging.LogWarn("Audio rejected", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
	}

	if msg.End {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.drainWithin)
			defer cancel()
			if _, err := a.sink.Finish(ctx, sessionID); err != nil {
				logging.LogWarn("Audio end for unknown session", zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
	}
}
