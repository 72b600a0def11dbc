// Package session bridges external client requests to the subscription
// registry and republish scheduler. Each request runs through an explicit
// goal state machine; disconnects are treated as implicit cancellation of
// everything the client owns.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tessel-la/robo-boy/errors"
	"github.com/tessel-la/robo-boy/scheduler"
	"github.com/tessel-la/robo-boy/subscription"
	"github.com/tessel-la/robo-boy/tfgraph"
)

// State is the goal lifecycle state of one client session.
type State int32

const (
	StateReceived State = iota
	StateAccepted
	StateExecuting
	StateSucceeded
	StateCanceled
	StateAborted
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAccepted:
		return "accepted"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateCanceled:
		return "canceled"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateCanceled || s == StateAborted
}

// Notifier receives the terminal result of a session, delivered to the
// owning client. Implemented by the web transport; a nil notifier is valid
// (results are only logged).
type Notifier interface {
	NotifyResult(clientID, sessionID string, state State, detail string)
}

// Session tracks one client goal. State transitions happen under the
// manager's lock.
type Session struct {
	ID       string
	ClientID string
	state    State
}

// Manager owns every live session and runs the goal state machine.
type Manager struct {
	registry *subscription.Registry
	sched    *scheduler.Scheduler
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byClient map[string]map[string]struct{}
}

// Deps holds runtime dependencies for the session manager.
type Deps struct {
	Registry  *subscription.Registry
	Scheduler *scheduler.Scheduler
	Notifier  Notifier
	Logger    *slog.Logger
}

// NewManager validates deps and returns an empty manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil subscription registry"),
			"session-manager", "NewManager", "dependency validation")
	}
	if deps.Scheduler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil scheduler"),
			"session-manager", "NewManager", "dependency validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session-manager")
	}

	return &Manager{
		registry: deps.Registry,
		sched:    deps.Scheduler,
		notifier: deps.Notifier,
		logger:   logger,
		sessions: make(map[string]*Session),
		byClient: make(map[string]map[string]struct{}),
	}, nil
}

// OnRequest runs one goal from Received through Executing: create the
// subscription, activate its scheduler worker, and register the session
// under its client. The returned id doubles as the subscription id.
func (m *Manager) OnRequest(ctx context.Context, clientID string, pairs []tfgraph.Pair, rate float64, cfg subscription.Config) (string, error) {
	if clientID == "" {
		return "", errors.WrapInvalid(fmt.Errorf("empty client id"),
			"session-manager", "OnRequest", "request validation")
	}

	// Received -> Accepted: the registry validates the goal
	sub, err := m.registry.Create(pairs, rate, cfg)
	if err != nil {
		return "", errors.Wrap(err, "session-manager", "OnRequest", "goal acceptance")
	}

	sess := &Session{ID: sub.ID, ClientID: clientID, state: StateAccepted}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]struct{})
	}
	m.byClient[clientID][sess.ID] = struct{}{}
	m.mu.Unlock()

	// Accepted -> Executing: the scheduler starts ticking
	if err := m.sched.Activate(ctx, sub, m.onTerminal); err != nil {
		m.finalize(sess.ID, StateAborted, "activation failed: "+err.Error())
		return "", errors.Wrap(err, "session-manager", "OnRequest", "goal activation")
	}

	m.mu.Lock()
	if !sess.state.Terminal() {
		sess.state = StateExecuting
	}
	m.mu.Unlock()

	m.logger.Info("Session executing",
		"session_id", sess.ID,
		"client_id", clientID,
		"pairs", len(pairs),
		"rate_hz", rate)
	return sess.ID, nil
}

// OnCancel requests cancellation of one session. Idempotent: unknown or
// already-terminal ids are a no-op. The session reaches Canceled when the
// scheduler worker observes the flag at its next tick boundary.
func (m *Manager) OnCancel(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.sched.Cancel(id)
}

// OnDisconnect cancels every session owned by the client. Run on abnormal
// client disconnects; behaves exactly like an explicit cancel per session.
func (m *Manager) OnDisconnect(clientID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(ids) > 0 {
		m.logger.Info("Client disconnected, cancelling sessions",
			"client_id", clientID,
			"sessions", len(ids))
	}
	for _, id := range ids {
		m.OnCancel(id)
	}
}

// StateOf reports the state of a live session.
func (m *Manager) StateOf(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return StateSucceeded, false
	}
	return sess.state, true
}

// ActiveSessions returns the number of non-terminal sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// onTerminal maps a scheduler terminal state onto the goal state machine.
// Called from the worker goroutine, once per subscription.
func (m *Manager) onTerminal(id string, st scheduler.State, cause error) {
	var goal State
	var detail string
	switch st {
	case scheduler.StateCompleted:
		goal = StateSucceeded
	case scheduler.StateCancelled:
		goal = StateCanceled
	case scheduler.StateFailed:
		goal = StateAborted
		if cause != nil {
			detail = cause.Error()
		}
	default:
		goal = StateAborted
	}
	m.finalize(id, goal, detail)
}

// finalize moves a session to its terminal state, tears down the
// subscription, and emits the terminal result. Safe to call more than once;
// only the first call has effects.
func (m *Manager) finalize(id string, goal State, detail string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.state.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.state = goal
	delete(m.sessions, id)
	if owned := m.byClient[sess.ClientID]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(m.byClient, sess.ClientID)
		}
	}
	clientID := sess.ClientID
	m.mu.Unlock()

	m.registry.Cancel(id)

	m.logger.Info("Session finished",
		"session_id", id,
		"client_id", clientID,
		"state", goal.String(),
		"detail", detail)

	if m.notifier != nil {
		m.notifier.NotifyResult(clientID, id, goal, detail)
	}
}
