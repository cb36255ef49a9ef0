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

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/api"
	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

const (
	defaultHubURL = "http://localhost:8080"
)

// validationResult mirrors validation.Result with the kind as plain text.
type validationResult struct {
	Word        string   `json:"word"`
	IsValid     bool     `json:"is_valid"`
	Suggestions []string `json:"suggestions"`
	Confidence  float64  `json:"confidence"`
	Kind        string   `json:"kind"`
}

func main() {
	var (
		hubURL     = flag.String("hub", defaultHubURL, "URL of the murajaah hub")
		action     = flag.String("action", "sessions", "Action to perform: transcribe, validate, create, sessions, session, stop, archive")
		sessionID  = flag.String("session", "", "Session ID for session actions")
		text       = flag.String("text", "", "Passage for create, or words for validate")
		preset     = flag.String("preset", "", "Session preset for create: arabic, murajaah, fast")
		dictionary = flag.String("dict", "", "Comma-separated dictionary for validate")
		format     = flag.String("format", "table", "Output format: table, json")
		verbose    = flag.Bool("v", false, "Verbose output")

		audioPath = flag.String("audio", "", "Raw PCM file for transcribe")
		encoding  = flag.String("encoding", "s16le", "PCM encoding for transcribe: s16le, f32le")
		backend   = flag.String("backend", "mock", "Engine backend for transcribe: whisper, http, mock")
		modelPath = flag.String("model", "./models/ggml-base.bin", "Model path for transcribe")
		sttURL    = flag.String("stt", "http://localhost:8000", "STT service URL for the http backend")
		language  = flag.String("lang", "ar", "Language for transcribe")
		rate      = flag.Int("rate", 16000, "Sample rate for transcribe")
		window    = flag.Float64("window", 2, "Window length in seconds for transcribe")
		step      = flag.Float64("step", 1.5, "Window step in seconds for transcribe")
	)
	flag.Parse()

	client := &MurajaahCLI{
		hubURL:  strings.TrimRight(*hubURL, "/"),
		verbose: *verbose,
		format:  *format,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch *action {
	case "transcribe":
		if *audioPath == "" {
			fail("audio path required for transcribe action")
		}
		err = transcribe(transcribeOptions{
			audioPath:  *audioPath,
			encoding:   *encoding,
			backend:    *backend,
			modelPath:  *modelPath,
			sttURL:     *sttURL,
			language:   *language,
			sampleRate: *rate,
			window:     float32(*window),
			step:       float32(*step),
			verbose:    *verbose,
		})
	case "validate":
		if *text == "" {
			fail("text required for validate action")
		}
		err = client.validate(*text, splitList(*dictionary))
	case "create":
		if *text == "" {
			fail("text required for create action")
		}
		err = client.createSession(*sessionID, *text, *preset)
	case "sessions":
		err = client.listSessions()
	case "session":
		if *sessionID == "" {
			fail("session ID required for session action")
		}
		err = client.getSession(*sessionID)
	case "stop":
		if *sessionID == "" {
			fail("session ID required for stop action")
		}
		err = client.stopSession(*sessionID)
	case "archive":
		err = client.listArchive()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action %s\n", *action)
		fmt.Fprintf(os.Stderr, "Valid actions: transcribe, validate, create, sessions, session, stop, archive\n")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func fail(message string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	os.Exit(1)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type MurajaahCLI struct {
	hubURL  string
	verbose bool
	format  string
	http    *http.Client
}

// do sends a request and decodes a JSON reply into out when the status
// matches want.
func (c *MurajaahCLI) do(method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.hubURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.verbose {
		fmt.Fprintf(os.Stderr, "%s %s\n", method, req.URL)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr api.ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *MurajaahCLI) printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (c *MurajaahCLI) validate(text string, dictionary []string) error {
	var result struct {
		Results []validationResult `json:"results"`
		Valid   bool               `json:"valid"`
		Invalid int                `json:"invalid"`
	}
	req := api.ValidateRequest{Text: text, Dictionary: dictionary}
	if err := c.do(http.MethodPost, "/api/validate", req, http.StatusOK, &result); err != nil {
		return err
	}

	if c.format == "json" {
		return c.printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORD\tVALID\tKIND\tCONFIDENCE\tSUGGESTIONS")
	for _, r := range result.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
			r.Word, formatBool(r.IsValid), r.Kind, r.Confidence, strings.Join(r.Suggestions, ", "))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}
	fmt.Printf("\n%d of %d words invalid\n", result.Invalid, len(result.Results))
	return nil
}

func (c *MurajaahCLI) createSession(id, text, preset string) error {
	var created events.SessionEvent
	req := session.CreateRequest{ID: id, ExpectedText: text, Preset: preset}
	if err := c.do(http.MethodPost, "/api/sessions", req, http.StatusCreated, &created); err != nil {
		return err
	}

	if c.format == "json" {
		return c.printJSON(created)
	}
	fmt.Printf("Session %s created (%d words)\n", created.SessionID, created.Total)
	fmt.Printf("Stream audio to %s/ws/sessions/%s\n", strings.Replace(c.hubURL, "http", "ws", 1), created.SessionID)
	return nil
}

func (c *MurajaahCLI) listSessions() error {
	var result api.ListSessionsResponse
	if err := c.do(http.MethodGet, "/api/sessions", nil, http.StatusOK, &result); err != nil {
		return err
	}

	if c.format == "json" {
		return c.printJSON(result.Sessions)
	}
	if err := printSessionTable(result.Sessions); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d live sessions\n", result.Total)
	return nil
}

func (c *MurajaahCLI) getSession(id string) error {
	var s events.SessionEvent
	if err := c.do(http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, http.StatusOK, &s); err != nil {
		return err
	}

	if c.format == "json" {
		return c.printJSON(s)
	}

	fmt.Printf("Session Information:\n")
	fmt.Printf("  ID:          %s\n", s.SessionID)
	fmt.Printf("  State:       %s\n", s.State)
	fmt.Printf("  Language:    %s\n", s.Language)
	fmt.Printf("  Progress:    %d/%d (%.1f%%)\n", s.Cursor, s.Total, s.Percent)
	fmt.Printf("  Matched:     %d\n", s.MatchedCount)
	fmt.Printf("  Started At:  %s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Updated At:  %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))
	if s.LastTranscript != "" {
		fmt.Printf("  Transcript:  %s\n", s.LastTranscript)
	}
	if s.ErrorMessage != "" {
		fmt.Printf("  Last Error:  %s\n", s.ErrorMessage)
	}

	fmt.Printf("\nStats:\n")
	fmt.Printf("  Windows:     %d dispatched, %d duplicate, %d silent\n",
		s.Stats.WindowsDispatched, s.Stats.Duplicates, s.Stats.SilentWindows)
	fmt.Printf("  Results:     %d ok, %d failed, %d timed out\n",
		s.Stats.Transcriptions, s.Stats.Failures, s.Stats.Timeouts)

	if len(s.Mismatches) > 0 {
		fmt.Printf("\nMismatches:\n")
		printMismatches(s.Mismatches)
	}
	return nil
}

func (c *MurajaahCLI) stopSession(id string) error {
	var s events.SessionEvent
	if err := c.do(http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/stop", nil, http.StatusOK, &s); err != nil {
		return err
	}
	fmt.Printf("Session %s stopped at %d/%d\n", s.SessionID, s.Cursor, s.Total)
	return nil
}

func (c *MurajaahCLI) listArchive() error {
	var result api.ListArchiveResponse
	if err := c.do(http.MethodGet, "/api/archive", nil, http.StatusOK, &result); err != nil {
		return err
	}

	if c.format == "json" {
		return c.printJSON(result)
	}
	if err := printSessionTable(result.Sessions); err != nil {
		return err
	}
	fmt.Printf("\nPage %d of %d (%d archived sessions)\n", result.Page, result.TotalPages, result.Total)
	return nil
}

func printSessionTable(sessions []*events.SessionEvent) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tMISMATCHES\tUPDATED")
	fmt.Fprintln(w, "--\t-----\t--------\t----------\t-------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\n",
			s.SessionID, s.State, s.Cursor, s.Total, len(s.Mismatches), s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}
	return nil
}

func printMismatches(mismatches []validation.Mismatch) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  POSITION\tEXPECTED\tOBSERVED")
	for _, m := range mismatches {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", m.Position, m.Expected, m.Observed)
	}
	_ = w.Flush()
}

func formatBool(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}
