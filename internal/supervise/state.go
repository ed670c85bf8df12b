package supervise

import (
	"sync"
	"time"
)

// Status is an actor's lifecycle state as tracked by the StateManager.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// ActorState is one liveness snapshot.
type ActorState struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Restarts      int       `json:"restarts"`
}

// StateManager tracks liveness for every supervised actor.
type StateManager struct {
	mu     sync.RWMutex
	actors map[string]*ActorState
}

func NewStateManager() *StateManager {
	return &StateManager{actors: make(map[string]*ActorState)}
}

func (sm *StateManager) register(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.actors[name] = &ActorState{Name: name, Status: StatusStarting}
}

func (sm *StateManager) setStatus(name string, status Status) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st, ok := sm.actors[name]; ok {
		st.Status = status
	}
}

func (sm *StateManager) recordHeartbeat(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st, ok := sm.actors[name]; ok {
		st.LastHeartbeat = time.Now().UTC()
	}
}

func (sm *StateManager) recordRestart(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st, ok := sm.actors[name]; ok {
		st.Restarts++
	}
}

// Status returns the current status for name, or StatusStopped when the
// actor was never registered.
func (sm *StateManager) Status(name string) Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if st, ok := sm.actors[name]; ok {
		return st.Status
	}
	return StatusStopped
}

// Snapshot returns a copy of every actor's state.
func (sm *StateManager) Snapshot() []ActorState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]ActorState, 0, len(sm.actors))
	for _, st := range sm.actors {
		out = append(out, *st)
	}
	return out
}

// Healthy reports whether every registered actor is running or restarting.
func (sm *StateManager) Healthy() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, st := range sm.actors {
		if st.Status == StatusFailed {
			return false
		}
	}
	return true
}
