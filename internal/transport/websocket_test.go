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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/metrics"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

type fakeSessions struct {
	mu       sync.Mutex
	progress map[string]session.Progress
	pushed   map[string][]float32
	pushErr  error
	finished chan string
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{
		progress: make(map[string]session.Progress),
		pushed:   make(map[string][]float32),
		finished: make(chan string, 4),
	}
	for _, id := range ids {
		f.progress[id] = session.Progress{SessionID: id, State: session.StateRecording, Total: 3}
	}
	return f
}

func (f *fakeSessions) Snapshot(id string) (session.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.progress[id]
	if !ok {
		return session.Progress{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, id)
	}
	return p, nil
}

func (f *fakeSessions) PushAudio(id string, samples []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed[id] = append(f.pushed[id], samples...)
	return nil
}

func (f *fakeSessions) Finish(_ context.Context, id string) (session.Progress, error) {
	f.finished <- id
	return f.Snapshot(id)
}

func (f *fakeSessions) pushedLen(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed[id])
}

func startHub(t *testing.T, sessions Sessions, opts HubOptions) (*StreamHub, string) {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	hub := NewStreamHub(sessions, opts)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/stream", hub.HandleStream)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(hub.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, baseURL, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/sessions/"+id+"/stream", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)

	frame, err := DeserializeFrame(data)
	require.NoError(t, err)
	return frame
}

func readType(t *testing.T, conn *websocket.Conn, want FrameType) *Frame {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, want, frame.Type, "got %s frame", frame.Type)
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame *Frame) {
	t.Helper()
	data, err := frame.Serialize()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
}

func decodePayload[T any](t *testing.T, frame *Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Data, &out))
	return out
}

func TestHandleStream_Rejections(t *testing.T) {
	sessions := newFakeSessions("live")
	sessions.progress["done"] = session.Progress{SessionID: "done", State: session.StateCompleted}
	_, url := startHub(t, sessions, HubOptions{})

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"Invalid id", "bad.id", http.StatusBadRequest},
		{"Unknown session", "missing", http.StatusNotFound},
		{"Finished session", "done", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(url+"/sessions/"+tt.id+"/stream", nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHandleStream_InitialProgressAndAudio(t *testing.T) {
	sessions := newFakeSessions("s1")
	monitor := metrics.NewPerformanceMonitor(16000)
	hub, url := startHub(t, sessions, HubOptions{Monitor: monitor})

	conn := dial(t, url, "s1")

	progress := readType(t, conn, FrameTypeProgress)
	assert.Equal(t, SessionHash("s1"), progress.SessionID)
	event := decodePayload[events.SessionEvent](t, progress)
	assert.Equal(t, "s1", event.SessionID)
	assert.Equal(t, "recording", event.State)
	assert.Equal(t, 3, event.Total)
	assert.Equal(t, 1, hub.ClientCount("s1"))
	assert.Equal(t, 1, hub.Len())

	samples := []float32{0.1, -0.2, 0.3, -0.4}
	writeFrame(t, conn, NewFrame(FrameTypeAudioData, SessionHash("s1"), 1, audio.EncodeFloat32LE(samples)))
	writeFrame(t, conn, NewFrame(FrameTypeHeartbeat, SessionHash("s1"), 2, nil))
	writeFrame(t, conn, NewFrame(FrameTypeAudioData, SessionHash("s1"), 3, audio.EncodeFloat32LE(samples)))

	assert.Eventually(t, func() bool { return sessions.pushedLen("s1") == 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return monitor.GetPerformanceStatus()["frames_received"] == uint64(3)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleStream_RejectsBadFrames(t *testing.T) {
	hash := SessionHash("s1")
	garbage := []byte("definitely not a frame, just some bytes")

	tests := []struct {
		name        string
		messageType int
		data        func(t *testing.T) []byte
		want        string
	}{
		{
			name:        "Garbage",
			messageType: websocket.BinaryMessage,
			data:        func(*testing.T) []byte { return garbage },
		},
		{
			name:        "Text message",
			messageType: websocket.TextMessage,
			data:        func(*testing.T) []byte { return []byte(`{"hello":"world"}`) },
			want:        "expected binary",
		},
		{
			name:        "Wrong session hash",
			messageType: websocket.BinaryMessage,
			data: func(t *testing.T) []byte {
				data, err := NewFrame(FrameTypeAudioData, hash+1, 1, make([]byte, 8)).Serialize()
				require.NoError(t, err)
				return data
			},
			want: "does not match",
		},
		{
			name:        "Partial sample",
			messageType: websocket.BinaryMessage,
			data: func(t *testing.T) []byte {
				data, err := NewFrame(FrameTypeAudioData, hash, 1, make([]byte, 6)).Serialize()
				require.NoError(t, err)
				return data
			},
			want: "multiple of 4",
		},
		{
			name:        "Server frame from client",
			messageType: websocket.BinaryMessage,
			data: func(t *testing.T) []byte {
				data, err := NewFrame(FrameTypeTranscript, hash, 1, []byte("{}")).Serialize()
				require.NoError(t, err)
				return data
			},
			want: "server to client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := newFakeSessions("s1")
			monitor := metrics.NewPerformanceMonitor(16000)
			_, url := startHub(t, sessions, HubOptions{Monitor: monitor})

			conn := dial(t, url, "s1")
			readType(t, conn, FrameTypeProgress)

			require.NoError(t, conn.WriteMessage(tt.messageType, tt.data(t)))

			payload := decodePayload[ErrorPayload](t, readType(t, conn, FrameTypeError))
			assert.Equal(t, "s1", payload.SessionID)
			assert.Contains(t, payload.Message, tt.want)
			assert.Zero(t, sessions.pushedLen("s1"))

			// the stream survives a bad frame
			writeFrame(t, conn, NewFrame(FrameTypeAudioData, hash, 2, make([]byte, 8)))
			assert.Eventually(t, func() bool { return sessions.pushedLen("s1") == 2 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestHandleStream_PushErrorReported(t *testing.T) {
	sessions := newFakeSessions("s1")
	sessions.pushErr = session.ErrNotRecording
	_, url := startHub(t, sessions, HubOptions{})

	conn := dial(t, url, "s1")
	readType(t, conn, FrameTypeProgress)

	writeFrame(t, conn, NewFrame(FrameTypeAudioData, SessionHash("s1"), 1, make([]byte, 8)))

	payload := decodePayload[ErrorPayload](t, readType(t, conn, FrameTypeError))
	assert.Contains(t, payload.Message, session.ErrNotRecording.Error())
}

func TestHandleStream_AudioEndFinishesSession(t *testing.T) {
	sessions := newFakeSessions("s1")
	_, url := startHub(t, sessions, HubOptions{})

	conn := dial(t, url, "s1")
	readType(t, conn, FrameTypeProgress)

	writeFrame(t, conn, NewFrame(FrameTypeAudioEnd, SessionHash("s1"), 1, nil))

	select {
	case id := <-sessions.finished:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("Finish was not called")
	}
}

func TestStreamHub_ListenerFrames(t *testing.T) {
	sessions := newFakeSessions("s1")
	hub, url := startHub(t, sessions, HubOptions{SampleRate: 16000})

	conn := dial(t, url, "s1")
	readType(t, conn, FrameTypeProgress)

	p := session.Progress{SessionID: "s1", State: session.StateRecording, Cursor: 2, Total: 3, Percent: 66.7}
	result := worker.TranscriptionResult{Sequence: 4, Text: "alhamdu lillahi", WindowLenSamples: 32000, Duration: 120 * time.Millisecond}
	hub.OnTranscript(p, result, validation.Alignment{Cursor: 2, Matched: 2})

	transcript := decodePayload[events.TranscriptEvent](t, readType(t, conn, FrameTypeTranscript))
	assert.Equal(t, "alhamdu lillahi", transcript.Text)
	assert.Equal(t, uint64(4), transcript.Sequence)
	assert.Equal(t, 2, transcript.Cursor)
	assert.Equal(t, int64(2000), transcript.WindowDurationMs)

	progress := decodePayload[events.SessionEvent](t, readType(t, conn, FrameTypeProgress))
	assert.Equal(t, 2, progress.Cursor)

	hub.OnFailure(p, errors.New("engine exploded"))
	failure := decodePayload[ErrorPayload](t, readType(t, conn, FrameTypeError))
	assert.Equal(t, "engine exploded", failure.Message)
	readType(t, conn, FrameTypeProgress)

	// other sessions are not affected
	hub.OnTranscript(session.Progress{SessionID: "other"}, result, validation.Alignment{})

	p.State = session.StateCompleted
	p.Cursor = 3
	hub.OnFinished(p)

	final := decodePayload[events.SessionEvent](t, readType(t, conn, FrameTypeProgress))
	assert.True(t, final.Finished)
	assert.Equal(t, "completed", final.State)

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	assert.Eventually(t, func() bool { return hub.ClientCount("s1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamHub_MaxClients(t *testing.T) {
	sessions := newFakeSessions("s1")
	hub, url := startHub(t, sessions, HubOptions{MaxClients: 1})

	first := dial(t, url, "s1")
	readType(t, first, FrameTypeProgress)

	second := dial(t, url, "s1")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, 1, hub.Len())
}

func TestStreamHub_Heartbeat(t *testing.T) {
	sessions := newFakeSessions("s1")
	_, url := startHub(t, sessions, HubOptions{HeartbeatInterval: 20 * time.Millisecond})

	conn := dial(t, url, "s1")
	readType(t, conn, FrameTypeProgress)

	heartbeat := readType(t, conn, FrameTypeHeartbeat)
	assert.Equal(t, SessionHash("s1"), heartbeat.SessionID)
	assert.Empty(t, heartbeat.Data)
	assert.Greater(t, heartbeat.Sequence, uint32(1))
}

func TestStreamHub_CloseEndsStreams(t *testing.T) {
	sessions := newFakeSessions("s1")
	hub, url := startHub(t, sessions, HubOptions{})

	conn := dial(t, url, "s1")
	readType(t, conn, FrameTypeProgress)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
