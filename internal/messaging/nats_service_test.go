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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

type published struct {
	subject string
	data    []byte
}

// MockNATSConnection records publishes and keeps subscription handlers.
type MockNATSConnection struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]nats.MsgHandler
	publishErr error
	closed     bool
}

func NewMockNATSConnection() *MockNATSConnection {
	return &MockNATSConnection{handlers: make(map[string]nats.MsgHandler)}
}

func (m *MockNATSConnection) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, published{subject: subject, data: append([]byte{}, data...)})
	return nil
}

func (m *MockNATSConnection) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[subject] = cb
	return &nats.Subscription{Subject: subject}, nil
}

func (m *MockNATSConnection) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *MockNATSConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockNATSConnection) deliver(subject string, data []byte) {
	m.mu.Lock()
	cb := m.handlers["murajaah.audio.*"]
	m.mu.Unlock()
	cb(&nats.Msg{Subject: subject, Data: data})
}

func (m *MockNATSConnection) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.published {
		out = append(out, p.subject)
	}
	return out
}

func testProgress(state session.State) session.Progress {
	now := time.Now()
	return session.Progress{SessionID: "fatiha-1", State: state, Cursor: 1, Total: 3, StartedAt: now, UpdatedAt: now}
}

func TestNATSService_NotConnected(t *testing.T) {
	ns := NewNATSService(Options{})
	if ns.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if err := ns.PublishSession(events.NewSessionEvent(testProgress(session.StateRecording))); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishSession() error = %v, want ErrNotConnected", err)
	}
	if _, err := ns.SubscribeAudio(func(string, *AudioMessage) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeAudio() error = %v, want ErrNotConnected", err)
	}
	if ns.GetStats() != (nats.Statistics{}) {
		t.Error("GetStats() should be zero without a connection")
	}
	ns.Close()
}

func TestNATSService_Subjects(t *testing.T) {
	ns := NewNATSServiceWithConn(NewMockNATSConnection(), "review")
	tests := []struct {
		got  string
		want string
	}{
		{ns.TranscriptSubject("s1"), "review.transcripts.s1"},
		{ns.SessionSubject("s1"), "review.sessions.s1"},
		{ns.AudioSubject("s1"), "review.audio.s1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("subject = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSessionPublisher(t *testing.T) {
	conn := NewMockNATSConnection()
	ns := NewNATSServiceWithConn(conn, "")
	publisher := NewSessionPublisher(ns, 16000)

	result := worker.TranscriptionResult{Sequence: 4, Text: "alhamdu", WindowLenSamples: 32000}
	publisher.OnTranscript(testProgress(session.StateRecording), result, validation.Alignment{Cursor: 1, Matched: 1})
	publisher.OnFinished(testProgress(session.StateCompleted))

	want := []string{"murajaah.transcripts.fatiha-1", "murajaah.sessions.fatiha-1", "murajaah.sessions.fatiha-1"}
	got := conn.subjects()
	if len(got) != len(want) {
		t.Fatalf("published subjects = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subject[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	var transcript events.TranscriptEvent
	if err := json.Unmarshal(conn.published[0].data, &transcript); err != nil {
		t.Fatalf("transcript payload: %v", err)
	}
	if transcript.Text != "alhamdu" || transcript.WindowDurationMs != 2000 {
		t.Errorf("transcript = %+v", transcript)
	}

	var final events.SessionEvent
	if err := json.Unmarshal(conn.published[2].data, &final); err != nil {
		t.Fatalf("session payload: %v", err)
	}
	if final.State != "completed" || !final.Finished {
		t.Errorf("final session = %+v", final)
	}

	// Publish errors are logged, not surfaced.
	conn.publishErr = errors.New("nats: connection closed")
	publisher.OnFailure(testProgress(session.StateRecording), errors.New("timeout"))
}

type fakeSink struct {
	mu       sync.Mutex
	pushed   map[string]int
	finished chan string
	pushErr  error
}

func newFakeSink() *fakeSink {
	return &fakeSink{pushed: make(map[string]int), finished: make(chan string, 4)}
}

func (f *fakeSink) PushAudio(id string, samples []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed[id] += len(samples)
	return nil
}

func (f *fakeSink) Finish(_ context.Context, id string) (session.Progress, error) {
	f.finished <- id
	return session.Progress{SessionID: id}, nil
}

func (f *fakeSink) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed[id]
}

func TestAudioIngest_ViaSubscription(t *testing.T) {
	conn := NewMockNATSConnection()
	ns := NewNATSServiceWithConn(conn, "")
	sink := newFakeSink()
	ingest := NewAudioIngest(sink, time.Second)

	if _, err := ns.SubscribeAudio(ingest.Handle); err != nil {
		t.Fatalf("SubscribeAudio() error: %v", err)
	}

	f32, _ := json.Marshal(AudioMessage{Data: audio.EncodeFloat32LE(make([]float32, 160))})
	conn.deliver("murajaah.audio.s1", f32)
	pcm, _ := json.Marshal(AudioMessage{Encoding: audio.EncodingPCM16LE, Data: make([]byte, 64)})
	conn.deliver("murajaah.audio.s1", pcm)

	if got := sink.count("s1"); got != 192 {
		t.Errorf("pushed samples = %d, want 192", got)
	}

	// Malformed payloads are dropped.
	conn.deliver("murajaah.audio.s1", []byte("{not json"))
	bad, _ := json.Marshal(AudioMessage{Data: []byte{1, 2, 3}})
	conn.deliver("murajaah.audio.s1", bad)
	if got := sink.count("s1"); got != 192 {
		t.Errorf("pushed samples after malformed input = %d, want 192", got)
	}

	end, _ := json.Marshal(AudioMessage{End: true})
	conn.deliver("murajaah.audio.s2", end)
	select {
	case id := <-sink.finished:
		if id != "s2" {
			t.Errorf("finished session = %q, want s2", id)
		}
	case <-time.After(time.Second):
		t.Fatal("end of stream did not finish the session")
	}
}
