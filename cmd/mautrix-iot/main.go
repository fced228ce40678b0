// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-iot is a Matrix appservice that bridges chat rooms to
// IoT devices. A single management room drives device registration and
// inspection; each registered device gets its own Matrix identity and a
// private room where messages are forwarded as device commands over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-iot/pkg/bridge"
	"github.com/aiku/mautrix-iot/pkg/bridge/deviceapi"
	"github.com/aiku/mautrix-iot/pkg/bridge/homeserver"
	"github.com/aiku/mautrix-iot/pkg/bridge/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "bridge.yaml", "path to the bridge config file")
	flag.Parse()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load config")
	}

	log := newLogger(cfg.Logging)
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Starting mautrix-iot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Appservice.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	if err := st.EnsureBotEntity(ctx, cfg.Appservice.BotUsername, cfg.BotMXID(), "Mautrix IoT Bot"); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap bot entity")
	}

	hs := homeserver.NewClient(cfg.Homeserver.Address, cfg.Appservice.ASToken, 30*time.Second, log)
	devices := deviceapi.NewClient(10 * time.Second)
	br := bridge.New(cfg, st, hs, devices, log)

	server := &http.Server{
		Addr:         cfg.Appservice.Address,
		Handler:      br.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Appservice.Address).Msg("Listening for appservice transactions")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Appservice HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
}

func newLogger(cfg bridge.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Console {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Logger()
}
