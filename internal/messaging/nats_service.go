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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
)

// ErrNotConnected is returned before Connect succeeds.
var ErrNotConnected = errors.New("NATS connection not established")

// Conn is the subset of *nats.Conn the service uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
	Close()
}

// Options configures the NATS connection and subject namespace
type Options struct {
	URL           string
	SubjectPrefix string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// NATSService publishes session activity and receives audio over NATS
type NATSService struct {
	opts Options
	conn Conn
}

// NewNATSService creates an unconnected service
func NewNATSService(opts Options) *NATSService {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "murajaah"
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	return &NATSService{opts: opts}
}

// NewNATSServiceWithConn wraps an established connection
func NewNATSServiceWithConn(conn Conn, subjectPrefix string) *NATSService {
	ns := NewNATSService(Options{SubjectPrefix: subjectPrefix})
	ns.conn = conn
	return ns
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.opts.URL, "connecting")

	opts := []nats.Option{
		nats.Name("loqa-murajaah"),
		nats.ReconnectWait(ns.opts.ReconnectWait),
		nats.MaxReconnects(ns.opts.MaxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.opts.URL, "closed")
		}),
	}

	conn, err := nats.Connect(ns.opts.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// TranscriptSubject is where aligned window transcripts of a session go.
func (ns *NATSService) TranscriptSubject(sessionID string) string {
	return ns.subject("transcripts", sessionID)
}

// SessionSubject carries session progress and terminal state.
func (ns *NATSService) SessionSubject(sessionID string) string {
	return ns.subject("sessions", sessionID)
}

// AudioSubject is where clients publish audio for a session.
func (ns *NATSService) AudioSubject(sessionID string) string {
	return ns.subject("audio", sessionID)
}

func (ns *NATSService) subject(kind, sessionID string) string {
	return ns.opts.SubjectPrefix + "." + kind + "." + sessionID
}

// PublishTranscript publishes an aligned transcript
func (ns *NATSService) PublishTranscript(event *events.TranscriptEvent) error {
	return ns.publishJSON(ns.TranscriptSubject(event.SessionID), event)
}

// PublishSession publishes a session snapshot
func (ns *NATSService) PublishSession(event *events.SessionEvent) error {
	return ns.publishJSON(ns.SessionSubject(event.SessionID), event)
}

func (ns *NATSService) publishJSON(subject string, v interface{}) error {
	if ns.conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", subject, err)
	}
	if err := ns.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "publish", zap.Int("bytes", len(data)))
	return nil
}

// SubscribeAudio delivers audio published for any session. The session id
// is the last subject token.
func (ns *NATSService) SubscribeAudio(handler func(sessionID string, msg *AudioMessage)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, ErrNotConnected
	}

	prefix := ns.subject("audio", "")
	return ns.conn.Subscribe(prefix+"*", func(msg *nats.Msg) {
		sessionID := strings.TrimPrefix(msg.Subject, prefix)
		var audioMsg AudioMessage
		if err := json.Unmarshal(msg.Data, &audioMsg); err != nil {
			logging.LogError(err, "Error unmarshaling audio message", zap.String("subject", msg.Subject))
			return
		}
		handler(sessionID, &audioMsg)
	})
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		ns.conn.Close()
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if nc, ok := ns.conn.(*nats.Conn); ok && nc != nil {
		return nc.Stats()
	}
	return nats.Statistics{}
}

// AudioMessage is a chunk of session audio received over NATS.
type AudioMessage struct {
	Encoding string `json:"encoding,omitempty"` // f32le (default) or s16le
	Data     []byte `json:"data,omitempty"`
	End      bool   `json:"end,omitempty"`
}

