package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/mnemosyne-dev/mnemosyne/internal/agents"
	"github.com/mnemosyne-dev/mnemosyne/internal/eval"
	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/evolution"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
	"github.com/mnemosyne-dev/mnemosyne/internal/orchestrator"
	"github.com/mnemosyne-dev/mnemosyne/internal/supervise"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Mnemosyne server",
	Long:  "Start the memory store, event stream, evolution jobs and the supervised agent pipeline.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnemosyne %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

// dispatchInterval drives the orchestrator's periodic dispatch pass.
const dispatchInterval = 2 * time.Second

func runServe() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event persistence drains the bus into the durable log.
	persistence := events.NewPersistence(a.log, a.logger)
	go persistence.Run(ctx, a.bus)

	sup := supervise.New(a.cfg.Supervision, a.bus, a.logger)
	sup.OnEscalate(func(name string) {
		a.logger.Error("agent permanently failed, running degraded", "actor", name)
	})

	orchRef, orch, itemStore, err := spawnPipeline(ctx, a, sup)
	if err != nil {
		return err
	}

	// Periodic dispatch keeps the queue moving even when no completions
	// arrive.
	go func() {
		ticker := time.NewTicker(dispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := orchRef.Send(orchestrator.TickMsg{}); err != nil {
					a.logger.Debug("dispatch tick dropped", "error", err)
				}
			}
		}
	}()

	engine, err := evolution.NewEngine(a.store, a.bridge, a.bus, a.cfg.Evolution, a.logger)
	if err != nil {
		return err
	}
	if a.cfg.Evolution.Enabled {
		engine.Start()
		defer engine.Stop()
	}

	server := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: newRouter(a, orchRef, orch, itemStore, sup),
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		a.logger.Warn("supervisor shutdown incomplete", "error", err)
	}
	return nil
}

// spawnPipeline wires the orchestrator and the three agents under the
// supervisor and recovers interrupted work.
func spawnPipeline(ctx context.Context, a *app, sup *supervise.Supervisor) (*supervise.Ref, *orchestrator.Orchestrator, *orchestrator.ItemStore, error) {
	itemStore, err := orchestrator.NewItemStore(a.store.DB())
	if err != nil {
		return nil, nil, nil, err
	}
	orch := orchestrator.New(itemStore, a.bus, a.cfg.Supervision.MaxConcurrentAgents, a.logger)
	orchRef, err := sup.Spawn(orch, 256)
	if err != nil {
		return nil, nil, nil, err
	}
	orch.SetSelf(orchRef)
	if err := orch.Recover(ctx); err != nil {
		return nil, nil, nil, err
	}
	// A crashed agent's in-flight items go back to the queue when the
	// supervisor restarts it.
	sup.OnCrash(func(name string) {
		if err := orchRef.Send(orchestrator.ActorCrashedMsg{Actor: name}); err != nil {
			a.logger.Warn("crash requeue dropped", "actor", name, "error", err)
		}
	})

	evaluator := eval.NewEvaluator(a.evalStore, a.logger)
	ledger := agents.NewFeatureLedger()
	ns := types.Global()

	pipeline := []struct {
		role  string
		actor supervise.Actor
	}{
		{orchestrator.RoleOptimizer, agents.NewOptimizer(a.store, evaluator, ledger, ns, a.bridge, a.bus, a.logger)},
		{orchestrator.RoleReviewer, agents.NewReviewer(a.evalStore, ledger, ns, a.bridge, a.bus, a.logger)},
		{orchestrator.RoleExecutor, agents.NewExecutor(a.store, ns, a.bridge, a.bus, a.logger)},
	}
	for _, p := range pipeline {
		ref, err := sup.Spawn(p.actor, 64)
		if err != nil {
			return nil, nil, nil, err
		}
		orch.RegisterAgent(p.role, ref)
	}
	return orchRef, orch, itemStore, nil
}

func newRouter(a *app, orchRef *supervise.Ref, orch *orchestrator.Orchestrator, itemStore *orchestrator.ItemStore, sup *supervise.Supervisor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": sup.State().Healthy()})
	})
	r.Get("/events", events.SSEHandler(a.bus, a.logger))

	r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
		total, archived, err := a.store.CountMemories(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":  Version,
			"memories": map[string]int{"total": total, "archived": archived},
			"phase":    string(orch.Phase()),
			"actors":   sup.State().Snapshot(),
		})
	})

	r.Post("/api/memories", func(w http.ResponseWriter, req *http.Request) {
		var m memory.Memory
		if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
			writeError(w, types.WrapError(types.VALIDATION_FAILED, "invalid memory body", err))
			return
		}
		stored, err := a.store.StoreMemory(req.Context(), &m)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	})

	r.Delete("/api/memories/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := types.ID(chi.URLParam(req, "id"))
		if _, err := a.store.GetMemory(req.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if err := a.store.DeleteMemory(req.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/memories/search", func(w http.ResponseWriter, req *http.Request) {
		query := req.URL.Query().Get("q")
		ns := namespaceFromFlags(req.URL.Query().Get("project"), req.URL.Query().Get("session"))
		results, err := a.store.HybridSearch(req.Context(), query, memory.HybridOptions{
			Namespace:   &ns,
			ExpandGraph: req.URL.Query().Get("graph") == "true",
			Scorer:      eval.NewEvaluator(a.evalStore, a.logger),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	})

	r.Post("/api/orchestrate", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Description string `json:"description"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Description == "" {
			writeError(w, types.NewError(types.VALIDATION_FAILED, "description is required"))
			return
		}
		if err := orchRef.Send(orchestrator.StartPipelineMsg{Description: body.Description}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	})

	r.Get("/api/work-items", func(w http.ResponseWriter, req *http.Request) {
		items, err := itemStore.ListByStatus(req.Context(),
			orchestrator.StatusPending, orchestrator.StatusReady,
			orchestrator.StatusInFlight, orchestrator.StatusDone, orchestrator.StatusFailed)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.CodeOf(err) {
	case types.VALIDATION_FAILED:
		status = http.StatusBadRequest
	case types.NOT_FOUND:
		status = http.StatusNotFound
	case types.CONFLICT:
		status = http.StatusConflict
	case types.RATE_LIMIT_EXCEEDED, types.MAILBOX_FULL:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"code":  string(types.CodeOf(err)),
		"error": types.Redact(err.Error()),
	})
}

func runStatus() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	total, archived, err := a.store.CountMemories(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Database:  %s\n", a.cfg.DatabasePath)
	fmt.Printf("Memories:  %d (%d archived)\n", total, archived)

	sets, err := a.evalStore.List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Learned weight sets: %d\n", len(sets))

	recent, err := a.log.Since(ctx, time.Now().Add(-24*time.Hour), "", 0)
	if err != nil {
		return err
	}
	fmt.Printf("Events in last 24h: %d\n", len(recent))
	return nil
}
