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
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/bridge"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
)

// maxTranscript bounds the output buffer handed to the bridge.
const maxTranscript = 64 << 10

type transcribeOptions struct {
	audioPath  string
	encoding   string
	backend    string
	modelPath  string
	sttURL     string
	language   string
	sampleRate int
	window     float32
	step       float32
	verbose    bool
}

// transcribe runs a local engine over a raw PCM file in sliding windows.
func transcribe(opts transcribeOptions) error {
	data, err := os.ReadFile(opts.audioPath)
	if err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	samples, err := audio.Decode(opts.encoding, data)
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("audio file %s is empty", opts.audioPath)
	}

	driver, err := engine.NewDriver(engine.DriverConfig{
		Backend:     opts.backend,
		SampleRate:  opts.sampleRate,
		STTURL:      opts.sttURL,
		HTTPTimeout: 60 * time.Second,
	})
	if err != nil {
		return err
	}
	registry := engine.NewRegistry(driver)
	defer func() { _ = registry.Close() }()

	b := bridge.New(registry, bridge.Options{Language: opts.language, Timeout: 5 * time.Minute})
	id := b.Init(opts.modelPath)
	if id == bridge.Failure {
		return fmt.Errorf("failed to initialize %s engine with model %s", opts.backend, opts.modelPath)
	}
	defer b.Free(id)

	if opts.verbose {
		info := make([]byte, 1024)
		if b.GetModelInfo(id, info) {
			fmt.Fprintf(os.Stderr, "Engine: %s\n", bridge.CString(info))
		}
		fmt.Fprintf(os.Stderr, "Audio: %d samples (%.1fs at %d Hz)\n",
			len(samples), float64(len(samples))/float64(opts.sampleRate), opts.sampleRate)
	}

	start := time.Now()
	out := make([]byte, maxTranscript)
	if !b.ProcessSlidingWindow(id, samples, opts.window, opts.step, int32(opts.sampleRate), opts.language, out) {
		return fmt.Errorf("transcription failed")
	}

	fmt.Println(bridge.CString(out))
	if opts.verbose {
		fmt.Fprintf(os.Stderr, "Transcribed in %s\n", time.Since(start).Round(time.Millisecond))
	}
	return nil
}
