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
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/metrics"
	"github.com/loqalabs/loqa-murajaah/internal/security"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

const (
	writeWait         = 5 * time.Second
	closeGrace        = time.Second
	defaultSampleRate = 16000
)

var ErrTooManyClients = errors.New("maximum stream clients reached")

// Sessions is the session surface a stream needs.
type Sessions interface {
	Snapshot(id string) (session.Progress, error)
	PushAudio(id string, samples []float32) error
	Finish(ctx context.Context, id string) (session.Progress, error)
}

// HubOptions configures a StreamHub. Zero values take defaults.
type HubOptions struct {
	MaxClients        int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	DrainTimeout      time.Duration
	OutgoingBuffer    int
	SampleRate        int
	Monitor           *metrics.PerformanceMonitor
}

// StreamHub serves binary frame streams over websockets. Clients push
// audio for one session and receive its transcripts and progress. The
// hub observes sessions as a session.Listener.
type StreamHub struct {
	sessions Sessions
	opts     HubOptions
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	clients map[string]map[*StreamClient]struct{}
	count   int
}

// StreamClient is one websocket attached to a session.
type StreamClient struct {
	SessionID string
	StartTime time.Time

	hash     uint32
	conn     *websocket.Conn
	outgoing chan *Frame
	closing  chan struct{}
	done     chan struct{}

	closingOnce sync.Once
	doneOnce    sync.Once
	sequence    atomic.Uint32
	lastSeen    atomic.Int64
}

// ErrorPayload is the JSON body of an error frame.
type ErrorPayload struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// NewStreamHub creates a hub over sessions.
func NewStreamHub(sessions Sessions, opts HubOptions) *StreamHub {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.OutgoingBuffer <= 0 {
		opts.OutgoingBuffer = 100
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaultSampleRate
	}

	return &StreamHub{
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]map[*StreamClient]struct{}),
	}
}

// Attach sets the sessions the hub serves. Call before serving.
func (h *StreamHub) Attach(sessions Sessions) {
	h.sessions = sessions
}

// HandleStream upgrades a request for session {id} to a frame stream.
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	if err := security.ValidateSessionID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	progress, err := h.sessions.Snapshot(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if progress.State.Terminal() {
		http.Error(w, session.ErrNotRecording.Error(), http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogWarn("WebSocket upgrade failed",
			zap.String("session_id", security.SanitizeLogInput(id)),
			zap.Error(err))
		return
	}

	client := newStreamClient(id, conn, h.opts.OutgoingBuffer)
	if err := h.register(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	logging.LogSessionEvent(id, "stream_opened", zap.String("remote_addr", r.RemoteAddr))

	// First frame tells the client where the session stands.
	h.sendProgress(client, progress)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writer(client)
	}()

	h.reader(client)

	client.shutdown()
	wg.Wait()
	h.unregister(client)
	_ = conn.Close()

	logging.LogSessionEvent(id, "stream_closed",
		zap.Duration("duration", time.Since(client.StartTime)))
}

func newStreamClient(id string, conn *websocket.Conn, buffer int) *StreamClient {
	c := &StreamClient{
		SessionID: id,
		StartTime: time.Now(),
		hash:      SessionHash(id),
		conn:      conn,
		outgoing:  make(chan *Frame, buffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.touch()
	return c
}

// reader processes incoming frames until the connection fails or closes.
func (h *StreamHub) reader(c *StreamClient) {
	c.conn.SetReadLimit(MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.LogWarn("Stream read error", zap.String("session_id", c.SessionID), zap.Error(err))
			}
			return
		}

		c.touch()
		select {
		case <-c.closing:
			// Session finished; wait for the close handshake only.
			continue
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))

		if messageType != websocket.BinaryMessage {
			h.rejectFrame(c, fmt.Errorf("%w: expected binary message", ErrInvalidFrame))
			continue
		}

		frame, err := DeserializeFrame(data)
		if err == nil {
			err = ValidateFrame(frame)
		}
		if err == nil && frame.SessionID != c.hash {
			err = fmt.Errorf("%w: session hash 0x%08X does not match stream", ErrInvalidFrame, frame.SessionID)
		}
		if err != nil {
			h.rejectFrame(c, err)
			continue
		}

		if h.opts.Monitor != nil {
			h.opts.Monitor.RecordFrame()
		}

		if err := h.handleFrame(c, frame); err != nil {
			h.sendError(c, err)
		}
	}
}

func (h *StreamHub) handleFrame(c *StreamClient, frame *Frame) error {
	switch frame.Type {
	case FrameTypeAudioData:
		samples, err := audio.DecodeFloat32LE(frame.Data)
		if err != nil {
			return err
		}
		return h.sessions.PushAudio(c.SessionID, samples)

	case FrameTypeAudioEnd:
		go h.finish(c.SessionID)
		return nil

	case FrameTypeHeartbeat:
		return nil

	default:
		return fmt.Errorf("%w: %s frames are server to client", ErrInvalidFrame, frame.Type)
	}
}

func (h *StreamHub) finish(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.DrainTimeout)
	defer cancel()

	if _, err := h.sessions.Finish(ctx, id); err != nil {
		logging.LogWarn("Finish from stream failed",
			zap.String("session_id", id),
			zap.Error(err))
	}
}

func (h *StreamHub) rejectFrame(c *StreamClient, err error) {
	if h.opts.Monitor != nil {
		h.opts.Monitor.RecordFrame()
		h.opts.Monitor.RecordFrameError()
	}
	logging.LogWarn("Rejected stream frame", zap.String("session_id", c.SessionID), zap.Error(err))
	h.sendError(c, err)
}

// writer sends queued frames and heartbeats until the client stops.
func (h *StreamHub) writer(c *StreamClient) {
	heartbeatTicker := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.outgoing:
			if err := c.write(frame); err != nil {
				logging.LogWarn("Failed to write frame", zap.String("session_id", c.SessionID), zap.Error(err))
				c.shutdown()
				return
			}

		case <-c.closing:
			h.flush(c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
				time.Now().Add(writeWait))
			// The reader exits on the peer's close reply or this deadline.
			_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
			return

		case <-heartbeatTicker.C:
			if err := c.write(NewFrame(FrameTypeHeartbeat, c.hash, c.nextSequence(), nil)); err != nil {
				logging.LogWarn("Failed to write heartbeat", zap.String("session_id", c.SessionID), zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}

// flush writes whatever is still queued.
func (h *StreamHub) flush(c *StreamClient) {
	for {
		select {
		case frame := <-c.outgoing:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *StreamClient) write(frame *Frame) error {
	data, err := frame.Serialize()
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *StreamClient) nextSequence() uint32 {
	return c.sequence.Add(1)
}

func (c *StreamClient) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastActivity returns when the client last sent anything.
func (c *StreamClient) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// close asks the writer to flush and end the stream gracefully.
func (c *StreamClient) close() {
	c.closingOnce.Do(func() { close(c.closing) })
}

func (c *StreamClient) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

// enqueue never blocks; a slow client loses frames instead of stalling sessions.
func (c *StreamClient) enqueue(frame *Frame) bool {
	select {
	case <-c.closing:
		return false
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outgoing <- frame:
		return true
	default:
		return false
	}
}

func (h *StreamHub) register(c *StreamClient) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.count >= h.opts.MaxClients {
		return fmt.Errorf("%w: %d", ErrTooManyClients, h.opts.MaxClients)
	}
	set, ok := h.clients[c.SessionID]
	if !ok {
		set = make(map[*StreamClient]struct{})
		h.clients[c.SessionID] = set
	}
	set[c] = struct{}{}
	h.count++
	return nil
}

func (h *StreamHub) unregister(c *StreamClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	set, ok := h.clients[c.SessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	h.count--
	if len(set) == 0 {
		delete(h.clients, c.SessionID)
	}
}

func (h *StreamHub) clientsFor(id string) []*StreamClient {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	set := h.clients[id]
	out := make([]*StreamClient, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of streams attached to a session.
func (h *StreamHub) ClientCount(id string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients[id])
}

// Len returns the number of attached streams.
func (h *StreamHub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// Close ends every stream.
func (h *StreamHub) Close() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, set := range h.clients {
		for c := range set {
			c.close()
		}
	}
}

func (h *StreamHub) send(c *StreamClient, frameType FrameType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.LogError(err, "Failed to encode frame payload", zap.String("session_id", c.SessionID))
		return
	}
	if len(data) > MaxDataSize {
		logging.LogWarn("Frame payload too large",
			zap.String("session_id", c.SessionID),
			zap.Stringer("frame_type", frameType),
			zap.Int("bytes", len(data)))
		return
	}
	if !c.enqueue(NewFrame(frameType, c.hash, c.nextSequence(), data)) {
		logging.LogWarn("Stream outgoing buffer full, dropping frame",
			zap.String("session_id", c.SessionID),
			zap.Stringer("frame_type", frameType))
	}
}

func (h *StreamHub) sendProgress(c *StreamClient, p session.Progress) {
	h.send(c, FrameTypeProgress, events.NewSessionEvent(p))
}

func (h *StreamHub) sendError(c *StreamClient, err error) {
	h.send(c, FrameTypeError, ErrorPayload{SessionID: c.SessionID, Message: err.Error()})
}

// OnTranscript implements session.Listener
func (h *StreamHub) OnTranscript(p session.Progress, result worker.TranscriptionResult, alignment validation.Alignment) {
	clients := h.clientsFor(p.SessionID)
	if len(clients) == 0 {
		return
	}
	transcript := events.NewTranscriptEvent(p, result, alignment, h.opts.SampleRate)
	for _, c := range clients {
		h.send(c, FrameTypeTranscript, transcript)
		h.sendProgress(c, p)
	}
}

// OnFailure implements session.Listener
func (h *StreamHub) OnFailure(p session.Progress, err error) {
	for _, c := range h.clientsFor(p.SessionID) {
		h.sendError(c, err)
		h.sendProgress(c, p)
	}
}

// OnFinished implements session.Listener
func (h *StreamHub) OnFinished(p session.Progress) {
	for _, c := range h.clientsFor(p.SessionID) {
		h.sendProgress(c, p)
		c.close()
	}
}
