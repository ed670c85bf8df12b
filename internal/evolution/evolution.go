// Package evolution runs the background jobs that keep the memory graph
// healthy: importance recalibration, link decay, archival and
// consolidation. Jobs are batch-oriented, yield at their deadline and never
// hold a global lock.
package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/llm"
	"github.com/mnemosyne-dev/mnemosyne/internal/memory"
)

// Report summarizes one job invocation.
type Report struct {
	Job               string        `json:"job"`
	MemoriesProcessed int           `json:"memories_processed"`
	ChangesMade       int           `json:"changes_made"`
	Errors            []string      `json:"errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// Job is one evolution pass. Run processes up to a batch of candidates and
// returns a report even on partial failure.
type Job interface {
	Name() string
	Run(ctx context.Context) (Report, error)
}

// Engine owns the four jobs and their schedule.
type Engine struct {
	store  *memory.Store
	bus    *events.Bus
	logger *slog.Logger
	jobs   []Job
	cron   *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	reports map[string]Report
}

func NewEngine(store *memory.Store, bridge llm.Bridge, bus *events.Bus, cfg config.EvolutionConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		store:   store,
		bus:     bus,
		logger:  logger,
		running: make(map[string]bool),
		reports: make(map[string]Report),
	}
	e.jobs = []Job{
		&importanceJob{store: store, cfg: cfg.Importance},
		&linkDecayJob{store: store, cfg: cfg.LinkDecay},
		&archivalJob{store: store, cfg: cfg.Archival},
		newConsolidationJob(store, bridge, cfg.Consolidation, logger),
	}

	e.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{logger}),
		cron.Recover(cronLogger{logger}),
	))
	for _, job := range e.jobs {
		job := job
		jobCfg := configFor(cfg, job.Name())
		if !jobCfg.Enabled {
			continue
		}
		spec := fmt.Sprintf("@every %s", jobCfg.Interval)
		if _, err := e.cron.AddFunc(spec, func() {
			e.runJob(context.Background(), job)
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
		}
	}
	return e, nil
}

func configFor(cfg config.EvolutionConfig, name string) config.JobConfig {
	switch name {
	case "importance_recalibration":
		return cfg.Importance
	case "link_decay":
		return cfg.LinkDecay
	case "archival":
		return cfg.Archival
	default:
		return cfg.Consolidation.JobConfig
	}
}

// Start begins the schedule. No-op when called twice.
func (e *Engine) Start() { e.cron.Start() }

// Stop halts scheduling and waits for in-flight jobs to finish.
func (e *Engine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// RunAll invokes every enabled job once, serially, and returns their
// reports. Used by the CLI and by tests.
func (e *Engine) RunAll(ctx context.Context) []Report {
	reports := make([]Report, 0, len(e.jobs))
	for _, job := range e.jobs {
		reports = append(reports, e.runJob(ctx, job))
	}
	return reports
}

// runJob serializes per job kind: a tick that lands while the same job is
// still running is skipped, other jobs are unaffected.
func (e *Engine) runJob(ctx context.Context, job Job) Report {
	e.mu.Lock()
	if e.running[job.Name()] {
		e.mu.Unlock()
		return Report{Job: job.Name(), Errors: []string{"previous run still in progress"}}
	}
	e.running[job.Name()] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running[job.Name()] = false
		e.mu.Unlock()
	}()

	if e.bus != nil {
		e.bus.Publish(ctx, events.New(events.KindMemoryEvolutionStarted, map[string]any{
			"job": job.Name(),
		}))
	}

	start := time.Now()
	report, err := job.Run(ctx)
	report.Job = job.Name()
	report.Duration = time.Since(start)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		e.logger.Warn("evolution job failed", "job", job.Name(), "error", err)
	} else {
		e.logger.Info("evolution job finished",
			"job", job.Name(),
			"processed", report.MemoriesProcessed,
			"changes", report.ChangesMade,
			"duration", report.Duration)
	}

	e.mu.Lock()
	e.reports[job.Name()] = report
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(ctx, events.New(events.KindDatabaseOperation, map[string]any{
			"operation": "evolution_report",
			"job":       job.Name(),
			"processed": report.MemoriesProcessed,
			"changes":   report.ChangesMade,
			"errors":    len(report.Errors),
		}))
	}
	return report
}

// LastReports returns the most recent report per job.
func (e *Engine) LastReports() map[string]Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Report, len(e.reports))
	for k, v := range e.reports {
		out[k] = v
	}
	return out
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Warn(msg, append(kv, "error", err)...)
}

// deadlineFor derives the job's working deadline from its config.
func deadlineFor(ctx context.Context, cfg config.JobConfig) (context.Context, context.CancelFunc) {
	if cfg.MaxDuration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.MaxDuration)
}
