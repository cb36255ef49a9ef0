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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Binary frame protocol carried in websocket binary messages.

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// Client to server
	FrameTypeAudioData FrameType = 0x01
	FrameTypeAudioEnd  FrameType = 0x02

	// Either direction
	FrameTypeHeartbeat FrameType = 0x10
	FrameTypeError     FrameType = 0x12

	// Server to client, JSON payloads
	FrameTypeTranscript FrameType = 0x20
	FrameTypeProgress   FrameType = 0x21
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeAudioData:
		return "audio_data"
	case FrameTypeAudioEnd:
		return "audio_end"
	case FrameTypeHeartbeat:
		return "heartbeat"
	case FrameTypeError:
		return "error"
	case FrameTypeTranscript:
		return "transcript"
	case FrameTypeProgress:
		return "progress"
	default:
		return fmt.Sprintf("frame(0x%02X)", uint8(t))
	}
}

// Frame represents a binary frame in the protocol
type Frame struct {
	Type      FrameType
	SessionID uint32
	Sequence  uint32
	Timestamp uint64
	Data      []byte
}

// FrameHeader represents the fixed-size frame header (24 bytes)
type FrameHeader struct {
	Magic     uint32    // 0x4C514D4A ("LQMJ")
	Type      FrameType // Frame type (1 byte)
	Reserved  uint8     // Reserved for future use (1 byte)
	Length    uint16    // Data payload length (2 bytes)
	SessionID uint32    // Session hash (4 bytes)
	Sequence  uint32    // Sequence number (4 bytes)
	Timestamp uint64    // Unix timestamp microseconds (8 bytes)
}

const (
	// Magic number for frame validation
	FrameMagic = 0x4C514D4A // "LQMJ" in big-endian

	HeaderSize   = 24
	MaxDataSize  = 65535
	MaxFrameSize = HeaderSize + MaxDataSize
)

var (
	ErrFrameTooLarge = errors.New("frame data too large")
	ErrInvalidFrame  = errors.New("invalid frame")
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
		SessionID: f.SessionID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, f.Size()))

	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)

	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (min %d)", ErrInvalidFrame, len(data), HeaderSize)
	}

	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidFrame, len(data), expectedSize)
	}

	frame := &Frame{
		Type:      header.Type,
		SessionID: header.SessionID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}

	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		copy(frame.Data, data[HeaderSize:])
	}

	return frame, nil
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short header", ErrInvalidFrame)
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("%w: magic 0x%08X (expected 0x%08X)", ErrInvalidFrame, header.Magic, FrameMagic)
	}

	return &header, nil
}

// NewFrame creates a new frame stamped with the current time
func NewFrame(frameType FrameType, sessionID, sequence uint32, data []byte) *Frame {
	return &Frame{
		Type:      frameType,
		SessionID: sessionID,
		Sequence:  sequence,
		Timestamp: uint64(time.Now().UnixMicro()), //nolint:gosec // G115: wall clock is after 1970
		Data:      data,
	}
}

// ValidateFrame checks a frame received from a client
func ValidateFrame(frame *Frame) error {
	if frame == nil {
		return fmt.Errorf("%w: frame is nil", ErrInvalidFrame)
	}

	if len(frame.Data) > MaxDataSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(frame.Data), MaxDataSize)
	}

	if !isValidFrameType(frame.Type) {
		return fmt.Errorf("%w: unknown type 0x%02X", ErrInvalidFrame, uint8(frame.Type))
	}

	if frame.Type == FrameTypeAudioData {
		if err := validateAudioFrameData(frame.Data); err != nil {
			return fmt.Errorf("invalid audio frame: %w", err)
		}
	}

	if frame.SessionID == 0 {
		return fmt.Errorf("%w: session ID cannot be zero", ErrInvalidFrame)
	}

	return nil
}

// isValidFrameType checks if the frame type is recognized
func isValidFrameType(frameType FrameType) bool {
	switch frameType {
	case FrameTypeAudioData, FrameTypeAudioEnd, FrameTypeHeartbeat, FrameTypeError,
		FrameTypeTranscript, FrameTypeProgress:
		return true
	default:
		return false
	}
}

// validateAudioFrameData requires whole little-endian float32 samples
func validateAudioFrameData(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty audio payload", ErrInvalidFrame)
	}
	if len(data)%4 != 0 {
		return fmt.Errorf("%w: audio data length %d is not a multiple of 4 (float32 samples)", ErrInvalidFrame, len(data))
	}
	return nil
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}

// SessionHash maps a session id onto the frame session field. It is never zero.
func SessionHash(id string) uint32 {
	hash := uint32(0)
	for _, b := range []byte(id) {
		hash = hash*31 + uint32(b)
	}
	if hash == 0 {
		hash = 1
	}
	return hash
}
