// Package main provides the surf orchestration daemon entry point.
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
	"github.com/rs/zerolog/log"

	"github.com/thebtf/surf/internal/automation"
	"github.com/thebtf/surf/internal/config"
	gormdb "github.com/thebtf/surf/internal/db/gorm"
	"github.com/thebtf/surf/internal/httpapi"
	"github.com/thebtf/surf/internal/ledger"
	"github.com/thebtf/surf/internal/llm"
	"github.com/thebtf/surf/internal/memory"
	"github.com/thebtf/surf/internal/orchestrator"
	"github.com/thebtf/surf/internal/realtime"
	"github.com/thebtf/surf/internal/relay"
)

// Version is set at build time via ldflags.
var Version = "dev"

// extractionFlushSize batches this many transcript turns per memory
// extraction pass.
const extractionFlushSize = 6

func main() {
	addr := flag.String("addr", "", "Listen address (default: from settings)")
	dbPath := flag.String("db", "", "SQLite database path (default: from settings)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load settings, using defaults")
		cfg = config.Default()
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down surfd")
		cancel()
	}()

	store, err := gormdb.NewStore(gormdb.Config{Path: cfg.DBPath, MaxConns: cfg.MaxConns})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()
	db := store.GetDB()

	led := ledger.New(db)
	steps := relay.NewStepRelay(led, cfg.StepQueueSize)
	machine := orchestrator.NewTaskMachine(db, steps)

	var factory automation.Factory
	if cfg.EngineURL != "" {
		factory = automation.HTTPFactory(cfg.EngineURL)
	} else {
		log.Warn().Msg("No automation engine configured, tasks will fail at startup")
	}
	manager := automation.NewManager(factory)
	machine.SetContinuity(manager)

	var mem memory.Store = memory.Noop{}
	if cfg.FalkorAddr != "" {
		falkor, err := memory.NewFalkor(cfg.FalkorAddr, cfg.FalkorGraph, cfg.MemoryUserID, cfg.MemoryUserName)
		if err != nil {
			log.Warn().Err(err).Msg("FalkorDB unavailable, memory disabled")
		} else {
			mem = falkor
			log.Info().Str("addr", cfg.FalkorAddr).Str("graph", cfg.FalkorGraph).Msg("Memory graph connected")
		}
	}

	client := llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	runner := automation.NewTaskRunner(machine, manager, steps, mem)

	convo := orchestrator.NewConversation(db, machine, client, mem)
	convo.SetLauncher(runner.Launch)
	convo.SetExtractor(memory.NewConversationBuffer(client, mem, cfg.MemoryUserName, extractionFlushSize))

	relayFactory := func(sessionID string) *realtime.Relay {
		buffer := memory.NewConversationBuffer(client, mem, cfg.MemoryUserName, extractionFlushSize)
		opts := realtime.Options{APIKey: cfg.OpenAIAPIKey, URL: cfg.RealtimeURL}
		return realtime.NewRelay(sessionID, opts, machine, runner.Launch, steps, mem, buffer)
	}

	server := httpapi.NewServer(cfg, httpapi.Deps{
		DB:           db,
		Ledger:       led,
		Machine:      machine,
		Conversation: convo,
		Manager:      manager,
		Launch:       runner.Launch,
		RelayFactory: relayFactory,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Str("version", Version).Msg("Starting surfd")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("HTTP server error")
	}
}
