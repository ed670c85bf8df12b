package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/eval"
	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var rootCmd = &cobra.Command{
	Use:   "mnemosyne",
	Short: "Mnemosyne - persistent memory and agent orchestration",
	Long:  "Layered memory store with hybrid retrieval, background evolution and a supervised agent pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the mnemosyne command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// serve, version, status (defined in serve.go)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)

	// remember (defined in remember.go)
	rootCmd.AddCommand(rememberCmd)

	// recall (defined in recall.go)
	rootCmd.AddCommand(recallCmd)

	// orchestrate (defined in orchestrate.go)
	rootCmd.AddCommand(orchestrateCmd)

	// evolve (defined in evolve.go)
	rootCmd.AddCommand(evolveCmd)

	// doctor (defined in doctor.go)
	rootCmd.AddCommand(doctorCmd)
}

// app bundles the handles every command needs. Short-lived commands open
// it, do their work and close it; serve keeps it for the process lifetime.
type app struct {
	cfg       *config.Config
	store     *memory.Store
	bus       *events.Bus
	log       *events.Log
	evalStore *eval.Store
	bridge    llm.Bridge
	logger    *slog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	bus := events.NewBus(cfg.EventBusCapacity, logger)
	store, err := memory.Open(cfg.DatabasePath, memory.Options{
		Embedder: memory.GetEmbedder(),
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	eventLog, err := events.NewLog(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}
	evalStore, err := eval.NewStore(store.DB())
	if err != nil {
		store.Close()
		return nil, err
	}
	return &app{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		log:       eventLog,
		evalStore: evalStore,
		bridge:    llm.FromConfig(cfg.LLMAPIKey, ""),
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// record appends a CLI lifecycle event straight to the durable log. CLI
// argv goes through redaction first so keys never land in the log.
func (a *app) record(ctx context.Context, kind events.Kind, command string, extra map[string]any) {
	payload := map[string]any{
		"command": command,
		"args":    types.RedactArgs(os.Args[1:]),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := a.log.Append(ctx, events.New(kind, payload)); err != nil {
		a.logger.Debug("cli event not recorded", "error", err)
	}
}

// instrument wraps a command run with started/completed/failed events and
// the matching exit error.
func (a *app) instrument(ctx context.Context, command string, fn func() error) error {
	a.record(ctx, events.KindCliCommandStarted, command, nil)
	if err := fn(); err != nil {
		a.record(ctx, events.KindCliCommandFailed, command, map[string]any{
			"code":  string(types.CodeOf(err)),
			"error": types.Redact(err.Error()),
		})
		return err
	}
	a.record(ctx, events.KindCliCommandCompleted, command, nil)
	return nil
}

func logLevel() slog.Level {
	switch os.Getenv("MNEMOSYNE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// namespaceFromFlags resolves the namespace the CLI operates in.
func namespaceFromFlags(project, session string) types.Namespace {
	switch {
	case project != "" && session != "":
		return types.Session(project, session)
	case project != "":
		return types.Project(project)
	default:
		return types.Global()
	}
}
