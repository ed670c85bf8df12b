package events

import (
	"context"
	"log/slog"
)

// Persistence subscribes to the bus and appends every event to the log.
// Append failures are logged and never block or fail publishers.
type Persistence struct {
	log    *Log
	logger *slog.Logger
	done   chan struct{}
}

// NewPersistence wires the sink; call Run to start draining.
func NewPersistence(log *Log, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{log: log, logger: logger, done: make(chan struct{})}
}

// Run subscribes and drains until ctx is cancelled or the bus closes.
// Intended to run as its own actor under the supervisor.
func (p *Persistence) Run(ctx context.Context, bus *Bus) {
	defer close(p.done)

	sub, cleanup := bus.Subscribe(ctx, Filter{}, 0)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind == KindRequestState {
				// The log is the state; nothing to resync beyond continuing.
				sub.ResyncDone()
				continue
			}
			if err := p.log.Append(ctx, ev); err != nil {
				p.logger.Error("event persistence failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Done is closed once Run has exited.
func (p *Persistence) Done() <-chan struct{} { return p.done }
