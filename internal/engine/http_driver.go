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

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
)

// HTTPDriver talks to any OpenAI-compatible speech-to-text service. The
// model path is forwarded as the "model" form field.
type HTTPDriver struct {
	baseURL    string
	sampleRate int
	httpClient *http.Client
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// NewHTTPDriver creates a driver for the service at baseURL.
func NewHTTPDriver(baseURL string, sampleRate int, timeout time.Duration) *HTTPDriver {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDriver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: sampleRate,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDriver) Name() string { return "http" }

// Open verifies the service is reachable. Remote models cannot be checked
// for existence up front.
func (d *HTTPDriver) Open(ctx context.Context, modelPath, language string) (Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: STT service at %s unreachable: %v", ErrInitializationFailed, d.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: STT service has no health endpoint", ErrInitializationFailed)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: STT health check returned status %d", ErrInitializationFailed, resp.StatusCode)
	}

	if logging.Sugar != nil {
		logging.Sugar.Infow("Connected to STT REST service", "base_url", d.baseURL, "model", modelPath)
	}
	return &httpModel{driver: d, model: modelPath}, nil
}

type httpModel struct {
	driver *HTTPDriver
	model  string
}

func (m *httpModel) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("%w: empty audio data", ErrInvalidAudioFormat)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio.EncodeWAV(samples, m.driver.sampleRate)); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	_ = writer.WriteField("model", m.model)
	_ = writer.WriteField("language", language)
	_ = writer.WriteField("temperature", "0.0")
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.driver.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := m.driver.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("transcription HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("transcription failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to parse transcription response: %w", err)
	}

	if logging.Logger != nil {
		logging.Logger.Debug("HTTP transcription completed",
			zap.Int("samples", len(samples)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return decoded.Text, nil
}

func (m *httpModel) Info() string {
	return "openai-compatible stt " + m.driver.baseURL
}

func (m *httpModel) Close() error { return nil }
