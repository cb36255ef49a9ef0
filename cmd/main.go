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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/config"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/messaging"
	"github.com/loqalabs/loqa-murajaah/internal/metrics"
	"github.com/loqalabs/loqa-murajaah/internal/server"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/storage"
	"github.com/loqalabs/loqa-murajaah/internal/transport"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	if err := run(cfg); err != nil {
		logging.LogError(err, "Murajaah hub stopped with error")
		logging.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := engine.NewDriver(cfg.DriverConfig())
	if err != nil {
		return err
	}
	registry := engine.NewRegistry(driver)
	defer func() {
		if err := registry.Close(); err != nil {
			logging.LogError(err, "Failed to free engine instances")
		}
	}()

	dictionary, err := loadDictionary(cfg)
	if err != nil {
		return err
	}

	performance := metrics.NewPerformanceMonitor(cfg.Engine.SampleRate)
	resources := metrics.NewResourceMonitor()
	hub := transport.NewStreamHub(nil, transport.HubOptions{
		SampleRate: cfg.Engine.SampleRate,
		Monitor:    performance,
	})
	listeners := []session.Listener{hub, performance}

	deps := server.Dependencies{
		Engines:     registry,
		Dictionary:  dictionary,
		Hub:         hub,
		Performance: performance,
		Resources:   resources,
	}

	if cfg.Server.DBPath != "" {
		db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Server.DBPath})
		if err != nil {
			return fmt.Errorf("failed to open session archive: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logging.LogError(err, "Failed to close database")
			}
		}()
		store := storage.NewSessionStore(db)
		deps.Database = db
		deps.Archive = store
		listeners = append(listeners, storage.NewArchiveListener(store, cfg.Engine.SampleRate))
	}

	var ns *messaging.NATSService
	if cfg.NATS.Enabled {
		ns = messaging.NewNATSService(messaging.Options{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnect:  cfg.NATS.MaxReconnect,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err := ns.Connect(); err != nil {
			// The hub serves HTTP and websocket clients without NATS.
			logging.LogWarn("NATS unavailable, continuing without messaging", zap.Error(err))
			ns = nil
		} else {
			defer ns.Close()
			deps.NATS = ns
			listeners = append(listeners, messaging.NewSessionPublisher(ns, cfg.Engine.SampleRate))
		}
	}

	manager := session.NewManager(registry, worker.NewPool(cfg.Worker.MaxConcurrent), cfg.SessionDefaults(), listeners...)
	defer manager.Close()
	hub.Attach(manager)
	deps.Sessions = manager

	if ns != nil {
		ingest := messaging.NewAudioIngest(manager, 0)
		sub, err := ns.SubscribeAudio(ingest.Handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe to audio: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	srv := server.New(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Sugar.Infow("📴 Shutdown signal received")
	}

	if err := srv.Stop(); err != nil {
		return err
	}
	return <-errCh
}

func loadDictionary(cfg *config.Config) (*validation.Dictionary, error) {
	path := cfg.Validation.DictionaryPath
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary: %w", err)
	}
	defer f.Close()

	dictionary, err := validation.LoadDictionary(f, cfg.DictionaryOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to load dictionary %s: %w", path, err)
	}
	logging.Sugar.Infow("📖 Dictionary loaded", "path", path, "words", dictionary.Len())
	return dictionary, nil
}
