// Northstar is a conversational product-experimentation agent.
//
// This binary starts the northstar HTTP server with full service
// initialization: the record store, the LLM-backed intent classifier and
// proposal engine, capability sessions for chat, code host, analytics and
// fast-apply merge, the experiment state machine, and the patch pipeline.
//
// Configuration is loaded from environment variables. See internal/config
// for details.
//
// Usage:
//
//	# Start server with defaults
//	northstar
//
//	# Configure via environment
//	SERVER_PORT=9090 GITHUB_TOKEN=ghp_... northstar
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/activity"
	"github.com/fyrsmithlabs/northstar/internal/analytics"
	"github.com/fyrsmithlabs/northstar/internal/capability"
	"github.com/fyrsmithlabs/northstar/internal/chat"
	"github.com/fyrsmithlabs/northstar/internal/config"
	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/githost"
	nshttp "github.com/fyrsmithlabs/northstar/internal/http"
	"github.com/fyrsmithlabs/northstar/internal/intent"
	"github.com/fyrsmithlabs/northstar/internal/llm"
	"github.com/fyrsmithlabs/northstar/internal/logging"
	"github.com/fyrsmithlabs/northstar/internal/morph"
	"github.com/fyrsmithlabs/northstar/internal/orchestrator"
	"github.com/fyrsmithlabs/northstar/internal/patch"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
	"github.com/fyrsmithlabs/northstar/internal/store"
	"github.com/fyrsmithlabs/northstar/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  northstar           Start the northstar agent\n")
			fmt.Fprintf(os.Stderr, "  northstar version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("northstar by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the northstar server and blocks until context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the record store
//  4. Creates the LLM completer, classifier, and proposal engine
//  5. Registers capability dialers with the session manager
//  6. Wires the patch pipeline and experiment state machine
//  7. Starts the HTTP server
//  8. Performs graceful shutdown on context cancellation
func run(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	appLogger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = appLogger.Sync()
	}()
	logger := appLogger.Underlying()

	logger.Info("starting northstar",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store.path", cfg.Store.Path))

	tel, err := telemetry.New(ctx, telemetry.NewDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	completer, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	classifier := intent.NewClassifier(&intent.Config{Timeout: cfg.Intent.Timeout}, completer, logger)

	engine, err := proposal.NewEngine(&proposal.Config{ContextLimit: cfg.Proposal.ContextLimit}, completer, logger)
	if err != nil {
		return fmt.Errorf("failed to create proposal engine: %w", err)
	}

	manager, err := capability.NewManager(&capability.ManagerConfig{
		TTL:         cfg.Session.TTL,
		DialTimeout: cfg.Session.DialTimeout,
	}, newDialers(cfg, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create capability manager: %w", err)
	}
	defer func() {
		_ = manager.Close()
	}()

	pipeline, err := patch.NewPipeline(&patch.Config{
		BaseBranch:   cfg.Pipeline.BaseBranch,
		BranchPrefix: cfg.Pipeline.BranchPrefix,
		CallTimeout:  cfg.Pipeline.CallTimeout,
		Token:        cfg.GitHub.Token.Value(),
	}, manager, st, logger)
	if err != nil {
		return fmt.Errorf("failed to create patch pipeline: %w", err)
	}

	recorder := activity.NewRecorder(st, logger)

	machine, err := experiment.NewStateMachine(nil, st, pipeline, recorder, logger)
	if err != nil {
		return fmt.Errorf("failed to create state machine: %w", err)
	}

	orch, err := orchestrator.NewService(nil, classifier, manager, engine, machine, completer, st, recorder, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := nshttp.NewServer(&nshttp.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		TriggerWord: cfg.Chat.TriggerWord,
	}, orch, st, logger)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("chat.trigger_word", cfg.Chat.TriggerWord))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}

	// Let in-flight experiment runs reach a terminal status before the
	// store closes under them.
	machine.Wait()

	return <-errCh
}

// newDialers registers one dialer per capability. Dialing is lazy: a
// missing token surfaces when the capability is first needed, not at
// startup.
func newDialers(cfg *config.Config, logger *zap.Logger) map[capability.Tag]capability.DialFunc {
	return map[capability.Tag]capability.DialFunc{
		capability.TagChat: func(ctx context.Context) (capability.Client, error) {
			return chat.NewClient(&chat.Config{
				BotToken: cfg.Chat.BotToken,
				BaseURL:  cfg.Chat.BaseURL,
			}, logger)
		},
		capability.TagCodeHost: func(ctx context.Context) (capability.Client, error) {
			return githost.NewClient(ctx, &githost.Config{
				Token:          cfg.GitHub.Token,
				BaseBranch:     cfg.Pipeline.BaseBranch,
				CommitterName:  cfg.Pipeline.CommitterName,
				CommitterEmail: cfg.Pipeline.CommitterEmail,
			}, logger)
		},
		capability.TagAnalytics: func(ctx context.Context) (capability.Client, error) {
			return analytics.NewClient(&analytics.Config{
				APIKey:    cfg.Analytics.APIKey,
				ProjectID: cfg.Analytics.ProjectID,
				BaseURL:   cfg.Analytics.BaseURL,
			}, logger)
		},
		capability.TagPatchApply: func(ctx context.Context) (capability.Client, error) {
			return morph.NewClient(&morph.Config{
				APIKey:  cfg.Morph.APIKey,
				BaseURL: cfg.Morph.BaseURL,
				Model:   cfg.Morph.Model,
			}, logger)
		},
	}
}
