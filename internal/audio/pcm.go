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

package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMisalignedPCM is returned when a payload is not a whole number of samples.
	ErrMisalignedPCM       = errors.New("pcm payload is not sample aligned")
	ErrUnsupportedEncoding = errors.New("unsupported pcm encoding")
)

// Wire encodings accepted for raw audio.
const (
	EncodingFloat32LE = "f32le"
	EncodingPCM16LE   = "s16le"
)

// Decode converts a raw payload in the named encoding. An empty encoding
// means float32.
func Decode(encoding string, data []byte) ([]float32, error) {
	switch encoding {
	case EncodingFloat32LE, "":
		return DecodeFloat32LE(data)
	case EncodingPCM16LE:
		return DecodePCM16LE(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes for 4-byte samples", ErrMisalignedPCM, len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return data
}

// DecodePCM16LE decodes signed 16-bit little-endian PCM into [-1, 1) floats.
func DecodePCM16LE(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes for 2-byte samples", ErrMisalignedPCM, len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples, nil
}

// EncodeWAV wraps mono float32 samples in a 32-bit IEEE float WAV container.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 4
	var buf bytes.Buffer
	buf.Grow(44 + dataSize)

	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))           // fmt chunk size
	_ = binary.Write(&buf, le, uint16(3))            // IEEE float
	_ = binary.Write(&buf, le, uint16(1))            // mono
	_ = binary.Write(&buf, le, uint32(sampleRate))   // sample rate
	_ = binary.Write(&buf, le, uint32(sampleRate*4)) // byte rate
	_ = binary.Write(&buf, le, uint16(4))            // block align
	_ = binary.Write(&buf, le, uint16(32))           // bits per sample
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(dataSize))
	buf.Write(EncodeFloat32LE(samples))

	return buf.Bytes()
}

// RMS returns the root mean square energy of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
