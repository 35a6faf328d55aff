// Package e2e exercises the assembled server over real HTTP and WebSocket
// connections: SQLite on disk, the YAML entity tree, the pipeline engine,
// the chat orchestrator, and the event fan-out are all live. Only the model
// provider is faked, so every test is deterministic and offline.
package e2e

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/api"
	"github.com/storyloom/loom/pkg/assembler"
	"github.com/storyloom/loom/pkg/chat"
	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/pipeline"
	"github.com/storyloom/loom/pkg/providers"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/uow"
	"github.com/storyloom/loom/pkg/vector"
)

// wsWriteTimeout bounds one WebSocket write in tests.
const wsWriteTimeout = 10 * time.Second

// TestApp is a fully wired server instance listening on an OS-assigned
// port. Components are exposed so tests can script the fake provider,
// steer the classifier, or assert against storage directly.
type TestApp struct {
	Config       *config.Config
	DB           *database.Client
	Fake         *providers.Fake
	Classifier   *StubClassifier
	Index        *store.Index
	EventLog     *store.EventLog
	Memory       *store.Memory
	Vectors      *vector.Store
	UnitOfWork   *uow.Manager
	Graph        *graph.Service
	Dispatcher   *agent.Dispatcher
	Engine       *pipeline.Engine
	Broker       *events.Broker
	ConnManager  *events.ConnectionManager
	Publisher    *events.Publisher
	Sessions     *chat.Store
	ChatTools    *chat.ToolRegistry
	Orchestrator *chat.Orchestrator
	Server       *api.Server

	// BaseURL is "http://127.0.0.1:<port>" for REST calls; WSURL is the
	// matching "ws://.../ws" endpoint.
	BaseURL     string
	WSURL       string
	ProjectRoot string

	t *testing.T
}

// StubClassifier returns a fixed verdict, letting tests route turns down
// the chat, tool, or approval paths without a model call.
type StubClassifier struct {
	mu      sync.Mutex
	verdict chat.Classification
}

// NewStubClassifier starts on the plain chat path.
func NewStubClassifier() *StubClassifier {
	return &StubClassifier{verdict: chat.Classification{Tool: chat.ToolChat, Confidence: 60}}
}

// SetVerdict replaces the verdict returned to subsequent turns.
func (s *StubClassifier) SetVerdict(v chat.Classification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict = v
}

// Classify implements chat.Classifier.
func (s *StubClassifier) Classify(context.Context, string, *models.ChatSession) (chat.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict, nil
}

type testAppConfig struct {
	cfg        *config.Config
	classifier *StubClassifier
}

// TestAppOption customises NewTestApp.
type TestAppOption func(*testAppConfig)

// WithConfig replaces the default test configuration.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(tc *testAppConfig) { tc.cfg = cfg }
}

// WithClassifier installs a pre-configured classifier stub.
func WithClassifier(c *StubClassifier) TestAppOption {
	return func(tc *testAppConfig) { tc.classifier = c }
}

// defaultTestConfig builds a config pointing at per-test temp directories,
// with a fake provider and fast engine polling.
func defaultTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Project: &config.ProjectConfig{
			ID:           "e2e",
			Root:         t.TempDir(),
			DatabasePath: filepath.Join(t.TempDir(), "loom.db"),
		},
		Defaults: &config.Defaults{
			DefaultModel:  "fake/fake-model",
			ContextBudget: 8000,
		},
		Engine: &config.EngineConfig{
			MaxConcurrentRuns:       8,
			StreamPollInterval:      10 * time.Millisecond,
			HTTPStepTimeout:         5 * time.Second,
			GracefulShutdownTimeout: 5 * time.Second,
		},
		Server:        &config.ServerConfig{},
		Retention:     config.DefaultRetentionConfig(),
		AgentRegistry: config.NewAgentRegistry(nil),
		ProviderRegistry: config.NewProviderRegistry(map[string]*config.ProviderConfig{
			"fake": {Type: config.ProviderTypeFake},
		}),
	}
}

// NewTestApp assembles the whole application the way main does, binds it to
// 127.0.0.1:0, and registers cleanup in reverse creation order.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	ctx := context.Background()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	cfg := tc.cfg
	if cfg == nil {
		cfg = defaultTestConfig(t)
	}
	classifier := tc.classifier
	if classifier == nil {
		classifier = NewStubClassifier()
	}

	// 1. Database
	dbClient, err := database.NewClient(ctx, database.Config{Path: cfg.Project.DatabasePath})
	require.NoError(t, err, "open database")

	// 2. Providers, with a directly scriptable fake registered over the
	// config-built adapter
	registry, err := providers.NewRegistry(cfg)
	require.NoError(t, err, "build provider registry")
	fake := providers.NewFake()
	registry.Register("fake", fake)

	// 3. Storage layer
	index := store.NewIndex(dbClient)
	eventLog := store.NewEventLog(dbClient)
	memory := store.NewMemory(dbClient)
	vectors := vector.NewStore(dbClient, providers.NewEmbedder(cfg))
	manager := uow.NewManager(dbClient, cfg.Project.Root, index, eventLog, vectors,
		uow.NewMemorySyncQueue(0))
	g := graph.NewService(index, vectors, manager)

	// 4. Skills, dispatcher, assembler, engine
	skills, err := agent.LoadSkills(cfg.Project.SkillsDir)
	require.NoError(t, err, "load skills")
	dispatcher := agent.NewDispatcher(cfg, skills, agent.NewToolRegistry(), registry)
	asm := assembler.New(g)
	engine := pipeline.NewEngine(cfg, g, asm, registry, dispatcher)

	// 5. Event broker and WebSocket fan-out
	broker := events.NewBroker(0)
	connManager := events.NewConnectionManager(events.NewLogCatchup(eventLog), wsWriteTimeout)
	broker.SetSink(connManager.Broadcast)
	connManager.SetBroker(broker)
	broker.Start()
	publisher := events.NewPublisher(eventLog, broker)

	// 6. Chat orchestration
	sessions := chat.NewStore(dbClient)
	chatTools := chat.NewToolRegistry()
	contextMgr := chat.NewContextManager(sessions, memory, asm, registry, cfg.DefaultModel())
	orchestrator := chat.NewOrchestrator(sessions, classifier, chatTools, contextMgr, registry, cfg.DefaultModel())
	orchestrator.SetPublisher(publisher)

	// 7. HTTP server on an OS-assigned port
	server := api.NewServer(dbClient, g, engine, sessions, orchestrator, connManager)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "bind test listener")
	go func() {
		_ = server.StartWithListener(ln)
	}()
	addr := ln.Addr().String()

	app := &TestApp{
		Config:       cfg,
		DB:           dbClient,
		Fake:         fake,
		Classifier:   classifier,
		Index:        index,
		EventLog:     eventLog,
		Memory:       memory,
		Vectors:      vectors,
		UnitOfWork:   manager,
		Graph:        g,
		Dispatcher:   dispatcher,
		Engine:       engine,
		Broker:       broker,
		ConnManager:  connManager,
		Publisher:    publisher,
		Sessions:     sessions,
		ChatTools:    chatTools,
		Orchestrator: orchestrator,
		Server:       server,
		BaseURL:      "http://" + addr,
		WSURL:        "ws://" + addr + "/ws",
		ProjectRoot:  cfg.Project.Root,
		t:            t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		engine.Shutdown()
		broker.Stop()
		_ = dbClient.Close()
	})

	return app
}
