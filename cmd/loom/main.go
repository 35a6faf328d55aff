// Loom orchestrator server — serves the HTTP API, runs the pipeline engine
// and chat orchestrator, and sweeps retention in the background.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/api"
	"github.com/storyloom/loom/pkg/assembler"
	"github.com/storyloom/loom/pkg/chat"
	"github.com/storyloom/loom/pkg/cleanup"
	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/pipeline"
	"github.com/storyloom/loom/pkg/providers"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/uow"
	"github.com/storyloom/loom/pkg/vector"
)

// wsWriteTimeout bounds one WebSocket write; slower clients are dropped.
const wsWriteTimeout = 10 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("LOOM_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Starting Loom",
		"config_dir", *configDir,
		"listen_addr", cfg.Server.ListenAddr,
		"project_root", cfg.Project.Root,
		"agents", stats.Agents,
		"providers", stats.Providers)

	// 2. Open the project database
	if err := os.MkdirAll(cfg.Project.Root, 0o755); err != nil {
		slog.Error("Failed to create project root", "path", cfg.Project.Root, "error", err)
		os.Exit(1)
	}
	if dir := filepath.Dir(cfg.Project.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create database directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}
	dbClient, err := database.NewClient(ctx, database.Config{Path: cfg.Project.DatabasePath})
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.Project.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", cfg.Project.DatabasePath)

	// 3. Model providers
	registry, err := providers.NewRegistry(cfg)
	if err != nil {
		slog.Error("Failed to build provider registry", "error", err)
		os.Exit(1)
	}

	// 4. Storage layer: relational index, event log, vectors, unit of work
	index := store.NewIndex(dbClient)
	eventLog := store.NewEventLog(dbClient)
	memory := store.NewMemory(dbClient)
	vectors := vector.NewStore(dbClient, providers.NewEmbedder(cfg))
	manager := uow.NewManager(dbClient, cfg.Project.Root, index, eventLog, vectors,
		uow.NewMemorySyncQueue(0))
	g := graph.NewService(index, vectors, manager)

	// 5. Skills and agent dispatcher
	skills, err := agent.LoadSkills(cfg.Project.SkillsDir)
	if err != nil {
		slog.Error("Failed to load skills", "dir", cfg.Project.SkillsDir, "error", err)
		os.Exit(1)
	}
	dispatcher := agent.NewDispatcher(cfg, skills, agent.NewToolRegistry(), registry)
	registerAgentTools(dispatcher.Tools(), g)
	slog.Info("Agent dispatcher ready", "skills", skills.Len())

	// 6. Context assembler and pipeline engine
	asm := assembler.New(g)
	engine := pipeline.NewEngine(cfg, g, asm, registry, dispatcher)

	// 7. Event broker and WebSocket fan-out
	broker := events.NewBroker(0)
	connManager := events.NewConnectionManager(events.NewLogCatchup(eventLog), wsWriteTimeout)
	broker.SetSink(connManager.Broadcast)
	connManager.SetBroker(broker)
	broker.Start()
	publisher := events.NewPublisher(eventLog, broker)
	slog.Info("Event broker started")

	// 8. Chat orchestration
	sessions := chat.NewStore(dbClient)
	classifier := chat.NewModelClassifier(registry, cfg.DefaultModel())
	chatTools := chat.NewToolRegistry()
	contextMgr := chat.NewContextManager(sessions, memory, asm, registry, cfg.DefaultModel())
	orchestrator := chat.NewOrchestrator(sessions, classifier, chatTools, contextMgr, registry, cfg.DefaultModel())
	orchestrator.SetPublisher(publisher)
	registerChatTools(chatTools, g, engine, registry, cfg.DefaultModel(), publisher)
	slog.Info("Chat orchestrator ready", "tools", chatTools.Names())

	// 9. Retention sweeper
	sweeper := cleanup.NewService(cfg.Retention, cfg.Project.Root, g, engine)
	sweeper.Start(ctx)

	// 10. HTTP server (non-blocking)
	httpServer := api.NewServer(dbClient, g, engine, sessions, orchestrator, connManager)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Loom started", "project_id", cfg.Project.ID)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop taking requests, then drain the background
	// services in dependency order. The database closes last via defer.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sweeper.Stop()
	engine.Shutdown()
	broker.Stop()

	slog.Info("Shutdown complete")
}
