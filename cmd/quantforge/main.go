// QuantForge orchestration server: exposes the HTTP API, runs the agent
// workers, and drives trading-strategy workflows through the iterative
// build/test/fix loop. With -todo it runs one workflow and exits with a
// status code instead of serving.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/quantforge/quantforge/pkg/agent"
	"github.com/quantforge/quantforge/pkg/api"
	"github.com/quantforge/quantforge/pkg/artifact"
	"github.com/quantforge/quantforge/pkg/bus"
	"github.com/quantforge/quantforge/pkg/cleanup"
	"github.com/quantforge/quantforge/pkg/config"
	"github.com/quantforge/quantforge/pkg/leakscan"
	"github.com/quantforge/quantforge/pkg/llm"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/orchestrator"
	"github.com/quantforge/quantforge/pkg/ratelimit"
	"github.com/quantforge/quantforge/pkg/router"
	"github.com/quantforge/quantforge/pkg/sandbox"
	"github.com/quantforge/quantforge/pkg/secrets"
	"github.com/quantforge/quantforge/pkg/version"
)

// Process exit codes for one-shot mode.
const (
	exitSuccess             = 0
	exitFailedAfterMaxIters = 1
	exitInvalidTodoList     = 2
	exitAllKeysExhausted    = 3
	exitSandboxError        = 4
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	todoFile := flag.String("todo",
		"",
		"Run one TodoList file to completion and exit (one-shot mode)")
	flag.Parse()

	slog.Info("Starting QuantForge", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitInvalidTodoList)
	}

	// 2. Message bus
	b, err := buildBus(cfg)
	if err != nil {
		slog.Error("Failed to initialize message bus", "error", err)
		os.Exit(exitSandboxError)
	}
	defer b.Close()
	slog.Info("Message bus ready", "backend", cfg.Bus.Backend)

	// 3. LLM router (keys, rate limiting, conversations)
	rtr, keys, err := buildRouter(cfg)
	if err != nil {
		slog.Error("Failed to initialize LLM router", "error", err)
		os.Exit(exitAllKeysExhausted)
	}

	// 4. Stores
	artifacts, err := artifact.NewStore(filepath.Join(cfg.Data.Dir, "artifacts"))
	if err != nil {
		slog.Error("Failed to initialize artifact store", "error", err)
		os.Exit(exitSandboxError)
	}
	todos, err := orchestrator.NewTodoStore(cfg.Data.Dir)
	if err != nil {
		slog.Error("Failed to initialize todo store", "error", err)
		os.Exit(exitSandboxError)
	}

	if cfg.Retention.WorkflowRetentionDays > 0 {
		sweeper := cleanup.NewService(cfg.Retention, cfg.Data.Dir)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	// 5. Sandbox runner
	runner, err := buildRunner(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize sandbox runner", "error", err)
		os.Exit(exitSandboxError)
	}
	slog.Info("Sandbox runner ready", "runner", cfg.Sandbox.Runner)

	// 6. Agents and their bus workers
	scanner := leakscan.NewScanner(nil, nil)
	debugger := agent.NewDebugger(rtr)
	agents := []agent.Agent{
		agent.NewPlanner(rtr),
		agent.NewArchitect(rtr, artifacts),
		agent.NewCoder(rtr, artifacts),
		agent.NewTester(runner, artifacts, scanner),
		debugger,
	}
	for _, a := range agents {
		w := agent.NewWorker(a, b)
		if err := w.Start(ctx); err != nil {
			slog.Error("Failed to start agent worker", "role", a.Role(), "error", err)
			os.Exit(exitSandboxError)
		}
		defer w.Stop()
	}
	slog.Info("Agent workers started", "count", len(agents))

	// 7. Orchestrator
	orch := orchestrator.New(orchestrator.Config{
		TaskTimeout: cfg.Orchestrator.TaskTimeout(),
	}, todos, b)
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		os.Exit(exitSandboxError)
	}
	defer orch.Stop()

	loop := orchestrator.LoopConfig{
		MaxIterations: cfg.Orchestrator.MaxIterations,
		MaxDuration:   cfg.Orchestrator.MaxDuration(),
	}

	if *todoFile != "" {
		os.Exit(runOnce(ctx, orch, debugger, loop, *todoFile))
	}

	// 8. HTTP API until signalled
	service := orchestrator.NewService(orch, debugger, loop)
	var keyHealth api.KeyHealthProvider
	if keys != nil {
		keyHealth = keys
	}
	server := api.NewServer(cfg.Server, service, keyHealth,
		api.Check("bus", func(context.Context) error { return nil }),
		api.Check("artifact_store", func(context.Context) error {
			_, err := os.Stat(filepath.Join(cfg.Data.Dir, "artifacts"))
			return err
		}),
	)
	if err := server.Start(ctx); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(exitSandboxError)
	}
}

// runOnce executes a single TodoList file and maps the outcome to an exit code.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, fixer orchestrator.FixMaker, loop orchestrator.LoopConfig, path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Failed to read todo file", "path", path, "error", err)
		return exitInvalidTodoList
	}
	var list models.TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Error("Failed to parse todo file", "path", path, "error", err)
		return exitInvalidTodoList
	}

	workflowID, err := orch.CreateWorkflow(&list)
	if err != nil {
		slog.Error("Invalid todo list", "error", err)
		return exitInvalidTodoList
	}

	status, err := orch.RunIterative(ctx, workflowID, fixer, loop)
	slog.Info("Workflow finished", "workflow_id", workflowID, "status", status, "error", err)
	if status == models.WorkflowStatusSuccess {
		return exitSuccess
	}
	return failureExitCode(orch, workflowID)
}

// failureExitCode distinguishes key exhaustion and sandbox infrastructure
// failures from ordinary iteration exhaustion.
func failureExitCode(orch *orchestrator.Orchestrator, workflowID string) int {
	state, err := orch.Snapshot(workflowID)
	if err != nil {
		return exitFailedAfterMaxIters
	}
	sandboxFailure := false
	for _, task := range state.Tasks {
		if strings.Contains(task.LastError, router.ErrAllKeysExhausted.Error()) {
			return exitAllKeysExhausted
		}
		if strings.HasPrefix(task.LastError, string(models.FailureSandboxError)) {
			sandboxFailure = true
		}
	}
	if sandboxFailure {
		return exitSandboxError
	}
	return exitFailedAfterMaxIters
}

func buildBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Bus.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing bus redis url: %w", err)
		}
		return bus.NewRedisBus(redis.NewClient(opts)), nil
	default:
		return bus.NewInMemoryBus(), nil
	}
}

// buildRouter assembles the key manager, rate limiter, conversation store,
// and provider adapter. The returned KeyManager is nil in single-key mode.
func buildRouter(cfg *config.Config) (*router.Router, *router.KeyManager, error) {
	secretStore, err := buildSecretStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	var reserver ratelimit.Reserver = ratelimit.Unlimited{}
	if cfg.Router.RateLimitBackendURL != "" {
		reserver, err = ratelimit.NewRedisReserverFromURL(cfg.Router.RateLimitBackendURL)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limit backend: %w", err)
		}
	}

	keyMetadata := cfg.Keys.Keys
	var exposedKeys *router.KeyManager
	if !cfg.Router.MultiKeyEnabled {
		// Single-key fallback: one synthetic unlimited key backed by the
		// global API key from the environment.
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, nil, errors.New("single-key mode requires ANTHROPIC_API_KEY")
		}
		keyMetadata = []models.APIKeyMetadata{{
			KeyID:     "global",
			ModelName: getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			Provider:  "anthropic",
			RPM:       1 << 20,
			TPM:       1 << 30,
			Active:    true,
		}}
		secretStore = secrets.NewStaticStore(map[string]string{"global": apiKey})
		reserver = ratelimit.Unlimited{}
	}

	keys := router.NewKeyManager(keyMetadata, reserver, secretStore, len(cfg.Keys.FallbackOrder) > 0)
	if cfg.Router.MultiKeyEnabled {
		exposedKeys = keys
	}

	var conversations router.ConversationStore
	if cfg.Bus.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Bus.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing conversation redis url: %w", err)
		}
		conversations = router.NewRedisConversationStore(redis.NewClient(opts), cfg.Router.ConversationTTL())
	} else {
		conversations = router.NewInMemoryConversationStore(cfg.Router.ConversationTTL())
	}

	rtr := router.New(router.Config{
		MaxRetries:        cfg.Router.MaxRetries,
		BaseBackoff:       cfg.Router.BaseBackoff(),
		EscalationEnabled: cfg.Router.MultiKeyEnabled,
	}, keys, conversations, llm.NewAnthropicClient())
	return rtr, exposedKeys, nil
}

func buildSecretStore(cfg *config.Config) (secrets.Store, error) {
	switch cfg.Router.SecretStoreType {
	case "", "env":
		return secrets.NewEnvStore("LLM_KEY_"), nil
	default:
		return nil, fmt.Errorf("%w: %q is not compiled into this build",
			secrets.ErrUnknownBackend, cfg.Router.SecretStoreType)
	}
}

func buildRunner(ctx context.Context, cfg *config.Config) (sandbox.Runner, error) {
	if cfg.Sandbox.Runner == "local" {
		return sandbox.NewLocalRunner(), nil
	}
	return sandbox.NewDockerRunner(ctx, cfg.Sandbox.Image)
}
