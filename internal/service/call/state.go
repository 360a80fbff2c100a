// Package call provides the per-call lifecycle state machine and the process-wide
// registry of live calls.
package call

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a call.
type State int

const (
	// StateActive - audio is relayed in both directions.
	StateActive State = iota
	// StateEnding - the call is winding down: closing utterance, hang-up, socket teardown.
	StateEnding
	// StateClosed - both sockets are released and the transcript flush was attempted.
	// Terminal; a call is never reused.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEnding:
		return "ENDING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true for CLOSED.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Reason records why a call left ACTIVE.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonGoodbye      Reason = "goodbye"
	ReasonCallerHangup Reason = "caller_hangup"
	ReasonSessionError Reason = "session_error"
	ReasonLimit        Reason = "limit"
	ReasonShutdown     Reason = "shutdown"
)

// Errors for invalid state transitions.
var (
	ErrCallClosed        = errors.New("call is closed")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrTimeoutExceeded   = errors.New("timeout exceeded")
)

// Lifecycle manages the state machine for a single call.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	ACTIVE → ENDING → CLOSED
//	   │        │
//	   │        └── Close() ──→ exactly once, after both sockets are released
//	   │
//	   └── BeginEnding(reason) ──→ first reason wins
type Lifecycle struct {
	mu     sync.RWMutex
	callID string
	state  State
	reason Reason
	ending chan struct{}
}

// NewLifecycle creates a lifecycle in ACTIVE state.
func NewLifecycle(callID string) *Lifecycle {
	return &Lifecycle{
		callID: callID,
		state:  StateActive,
		ending: make(chan struct{}),
	}
}

// CallID returns the call identifier.
func (l *Lifecycle) CallID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.callID
}

// SetCallID replaces the identifier once the telephony start event names the call.
func (l *Lifecycle) SetCallID(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callID = callID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Reason returns why the call left ACTIVE, or ReasonNone.
func (l *Lifecycle) Reason() Reason {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason
}

// IsActive returns true while the call is ACTIVE.
func (l *Lifecycle) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateActive
}

// Ending returns a channel closed when the call enters ENDING.
func (l *Lifecycle) Ending() <-chan struct{} {
	return l.ending
}

// BeginEnding transitions ACTIVE → ENDING.
// Returns true if this call performed the transition, false if the call was
// already ENDING or CLOSED (the first reason is kept).
func (l *Lifecycle) BeginEnding(reason Reason) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return false
	}
	l.state = StateEnding
	l.reason = reason
	close(l.ending)
	return true
}

// Close transitions ENDING → CLOSED.
// Returns ErrInvalidTransition from ACTIVE and ErrCallClosed if already CLOSED,
// so exactly one caller ever observes a successful Close.
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateEnding:
		l.state = StateClosed
		return nil
	case StateActive:
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, StateActive, StateClosed)
	case StateClosed:
		return ErrCallClosed
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}
