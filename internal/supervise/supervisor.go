// Package supervise runs actors with mailboxes under a one-for-one restart
// policy. Actors that crash are restarted with exponential backoff; actors
// that exhaust their restart budget are marked failed and the tree
// escalates into degraded mode.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/config"
	"github.com/mnemosyne-dev/mnemosyne/internal/events"
	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Actor handles one message at a time from its mailbox. Handle returning an
// error with code FATAL, or panicking, counts as a crash.
type Actor interface {
	Name() string
	Handle(ctx context.Context, msg any) error
}

// restartBaseDelay is the first backoff step after a crash.
const restartBaseDelay = 100 * time.Millisecond

type stopMsg struct {
	done chan struct{}
}

// Ref is the handle other components use to send to a running actor.
type Ref struct {
	name    string
	mailbox chan any
	state   *StateManager
}

func (r *Ref) Name() string { return r.name }

// Send enqueues without blocking. A full mailbox or a stopped actor is the
// sender's problem, surfaced as an error.
func (r *Ref) Send(msg any) error {
	switch r.state.Status(r.name) {
	case StatusStopped, StatusFailed:
		return types.NewError(types.ACTOR_STOPPED, fmt.Sprintf("actor %s is not running", r.name))
	}
	select {
	case r.mailbox <- msg:
		return nil
	default:
		return types.NewRetryableError(types.MAILBOX_FULL, fmt.Sprintf("mailbox of %s is full", r.name))
	}
}

// Supervisor owns a set of actors with a one-for-one restart policy.
type Supervisor struct {
	cfg    config.SupervisionConfig
	bus    *events.Bus
	logger *slog.Logger
	state  *StateManager

	mu     sync.Mutex
	actors map[string]*running
	wg     sync.WaitGroup

	// onEscalate is invoked once when any actor exhausts its restart
	// budget; the tree keeps serving its healthy actors.
	onEscalate func(name string)
	escalated  sync.Once

	// onCrash is invoked on every crash, before the restart decision, so
	// the crashed actor's in-flight work can be requeued.
	onCrash func(name string)

	ctx    context.Context
	cancel context.CancelFunc
}

type running struct {
	actor   Actor
	ref     *Ref
	restart []time.Time
}

func New(cfg config.SupervisionConfig, bus *events.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		state:  NewStateManager(),
		actors: make(map[string]*running),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State exposes liveness tracking for diagnostics.
func (s *Supervisor) State() *StateManager { return s.state }

// OnEscalate registers the degraded-mode hook. Must be called before Spawn.
func (s *Supervisor) OnEscalate(fn func(name string)) { s.onEscalate = fn }

// OnCrash registers the crash hook. Must be called before the actors it
// watches are spawned.
func (s *Supervisor) OnCrash(fn func(name string)) { s.onCrash = fn }

// Spawn starts an actor on its own goroutine with a bounded mailbox and
// returns its Ref.
func (s *Supervisor) Spawn(actor Actor, mailboxSize int) (*Ref, error) {
	if mailboxSize <= 0 {
		mailboxSize = 64
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actors[actor.Name()]; exists {
		return nil, types.NewError(types.CONFLICT, fmt.Sprintf("actor %s already spawned", actor.Name()))
	}

	ref := &Ref{name: actor.Name(), mailbox: make(chan any, mailboxSize), state: s.state}
	r := &running{actor: actor, ref: ref}
	s.actors[actor.Name()] = r
	s.state.register(actor.Name())

	s.wg.Add(2)
	go s.loop(r)
	go s.heartbeat(actor.Name())
	return ref, nil
}

// Lookup returns a spawned actor's Ref.
func (s *Supervisor) Lookup(name string) (*Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.actors[name]
	if !ok {
		return nil, false
	}
	return r.ref, true
}

func (s *Supervisor) loop(r *running) {
	defer s.wg.Done()
	name := r.actor.Name()
	s.state.setStatus(name, StatusRunning)

	for {
		select {
		case <-s.ctx.Done():
			s.state.setStatus(name, StatusStopped)
			return
		case msg := <-r.ref.mailbox:
			if stop, ok := msg.(stopMsg); ok {
				s.drain(r)
				s.state.setStatus(name, StatusStopped)
				close(stop.done)
				return
			}
			if crashed := s.handleOne(r, msg); crashed {
				if !s.restartOrEscalate(r) {
					return
				}
			}
		}
	}
}

// handleOne runs a single message with panic recovery. Returns true when
// the actor crashed.
func (s *Supervisor) handleOne(r *running, msg any) (crashed bool) {
	name := r.actor.Name()
	defer func() {
		if rec := recover(); rec != nil {
			crashed = true
			s.logger.Error("actor panicked", "actor", name, "panic", rec)
		}
	}()

	err := r.actor.Handle(s.ctx, msg)
	if err == nil {
		return false
	}
	if types.CodeOf(err) == types.FATAL {
		s.logger.Error("actor fatal error", "actor", name, "error", err)
		return true
	}
	// Ordinary errors are the actor's own business; it already replied or
	// emitted a failure event.
	s.logger.Debug("actor message error", "actor", name, "error", err)
	return false
}

// restartOrEscalate applies the one-for-one policy. Returns false when the
// actor is out of budget and must not continue.
func (s *Supervisor) restartOrEscalate(r *running) bool {
	name := r.actor.Name()
	if s.onCrash != nil {
		s.onCrash(name)
	}
	now := time.Now()

	s.mu.Lock()
	kept := r.restart[:0]
	for _, t := range r.restart {
		if now.Sub(t) < s.cfg.RestartWindow {
			kept = append(kept, t)
		}
	}
	r.restart = append(kept, now)
	attempts := len(r.restart)
	s.mu.Unlock()

	if attempts > s.cfg.MaxRestarts {
		s.state.setStatus(name, StatusFailed)
		s.logger.Error("actor exhausted restart budget", "actor", name, "restarts", attempts-1)
		s.publish(events.KindAgentFailed, map[string]any{
			"actor":  name,
			"reason": string(types.RESTART_EXHAUSTED),
		})
		s.escalated.Do(func() {
			if s.onEscalate != nil {
				s.onEscalate(name)
			}
		})
		return false
	}

	s.state.setStatus(name, StatusRestarting)
	delay := restartBaseDelay * time.Duration(1<<(attempts-1))
	s.logger.Warn("restarting actor", "actor", name, "attempt", attempts, "backoff", delay)
	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		s.state.setStatus(name, StatusStopped)
		return false
	}
	s.state.recordRestart(name)
	s.state.setStatus(name, StatusRunning)
	s.publish(events.KindAgentStarted, map[string]any{"actor": name, "restart": true})
	return true
}

// drain discards everything queued behind Stop.
func (s *Supervisor) drain(r *running) {
	for {
		select {
		case <-r.ref.mailbox:
		default:
			return
		}
	}
}

func (s *Supervisor) heartbeat(name string) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			status := s.state.Status(name)
			if status == StatusStopped || status == StatusFailed {
				return
			}
			s.state.recordHeartbeat(name)
			s.publish(events.KindHeartbeat, map[string]any{"actor": name, "status": string(status)})
		}
	}
}

func (s *Supervisor) publish(kind events.Kind, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), events.New(kind, payload))
}

// Stop broadcasts Stop to every actor, waits for each drain ack up to the
// ctx deadline, then tears the tree down.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	acks := make([]chan struct{}, 0, len(s.actors))
	for _, r := range s.actors {
		status := s.state.Status(r.actor.Name())
		if status == StatusStopped || status == StatusFailed {
			continue
		}
		done := make(chan struct{})
		select {
		case r.ref.mailbox <- stopMsg{done: done}:
			acks = append(acks, done)
		default:
			// Mailbox saturated: the context cancel below still stops it.
		}
	}
	s.mu.Unlock()

	for _, done := range acks {
		select {
		case <-done:
		case <-ctx.Done():
			s.cancel()
			s.wg.Wait()
			return types.WrapError(types.CANCELLED, "shutdown deadline passed", ctx.Err())
		}
	}
	s.cancel()
	s.wg.Wait()
	s.publish(events.KindShutdown, map[string]any{"clean": true})
	return nil
}
