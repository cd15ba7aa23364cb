// Package session holds the single active playback session. The engine's
// session payloads are authoritative; request methods only issue commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"focusplay/internal/engine"
	"focusplay/internal/event"
)

var (
	ErrNoSession     = errors.New("no active session")
	ErrTerminal      = errors.New("session is in a terminal state")
	ErrSessionActive = errors.New("a session is already active")
)

// PolicyViolation is a request made against an absent or terminal session
// (or a start while one is still running).
type PolicyViolation struct {
	Op    string
	State event.SessionState // empty when there is no session
	Err   error
}

func (e *PolicyViolation) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v (state %s)", e.Op, e.Err, e.State)
}

func (e *PolicyViolation) Unwrap() error { return e.Err }

// Change describes what an engine update did to the held session.
type Change struct {
	Previous *event.PlaybackSession
	Current  *event.PlaybackSession
}

// StateChanged reports whether the session state differs (including appearance/disappearance).
func (c Change) StateChanged() bool {
	switch {
	case c.Previous == nil && c.Current == nil:
		return false
	case c.Previous == nil || c.Current == nil:
		return true
	case c.Previous.ID != c.Current.ID:
		return true
	}
	return c.Previous.State != c.Current.State
}

// Machine owns the active PlaybackSession.
type Machine struct {
	eng engine.Engine
	now func() time.Time

	mu      sync.RWMutex
	current *event.PlaybackSession
	// cause attached to the next pause the engine reports without a reason
	pendingPause event.PauseCause
}

func NewMachine(eng engine.Engine) *Machine {
	return &Machine{eng: eng, now: time.Now}
}

// Session returns a copy of the active session, or nil.
func (m *Machine) Session() *event.PlaybackSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// ApplyEngineUpdate replaces the session with the engine's payload. It is
// always accepted, terminal or not, and applying the same payload twice
// leaves the same session.
func (m *Machine) ApplyEngineUpdate(payload event.PlaybackSession) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	next := payload.Clone()

	if prev != nil && prev.ID == next.ID && next.CurrentStep < prev.CurrentStep {
		// step counts never go backwards within a session
		next.CurrentStep = prev.CurrentStep
	}
	if prev != nil && prev.ID == next.ID && next.TotalPauseDuration < prev.TotalPauseDuration {
		next.TotalPauseDuration = prev.TotalPauseDuration
	}

	if next.State == event.StatePaused {
		samePause := prev != nil && prev.ID == next.ID && prev.State == event.StatePaused
		if next.PauseReason == event.PauseCauseNone {
			switch {
			case samePause:
				next.PauseReason = prev.PauseReason
			case m.pendingPause != event.PauseCauseNone:
				next.PauseReason = m.pendingPause
			default:
				// an unexplained pause is never auto-resumed
				next.PauseReason = event.PauseCauseUser
			}
		}
		if next.PausedAt == nil {
			if samePause && prev.PausedAt != nil {
				t := *prev.PausedAt
				next.PausedAt = &t
			} else {
				t := m.now()
				next.PausedAt = &t
			}
		}
		m.pendingPause = event.PauseCauseNone
	} else {
		next.PausedAt = nil
		next.PauseReason = event.PauseCauseNone
	}

	m.current = next
	if prev == nil || prev.ID != next.ID || prev.State != next.State {
		slog.Info("session updated", "session_id", next.ID, "state", next.State, "step", next.CurrentStep, "pause_cause", next.PauseReason)
	}
	return Change{Previous: prev.Clone(), Current: next.Clone()}
}

// Clear drops the active session (engine reports none active).
func (m *Machine) Clear() Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.current = nil
	m.pendingPause = event.PauseCauseNone
	if prev != nil {
		slog.Info("session cleared", "session_id", prev.ID, "state", prev.State)
	}
	return Change{Previous: prev}
}

// requireActive returns the current state if a non-terminal session exists.
func (m *Machine) requireActive(op string) (event.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", &PolicyViolation{Op: op, Err: ErrNoSession}
	}
	if m.current.State.IsTerminal() {
		return m.current.State, &PolicyViolation{Op: op, State: m.current.State, Err: ErrTerminal}
	}
	return m.current.State, nil
}

// RequestStart asks the engine to start a new session. Only valid when no
// session is active or the previous one is terminal.
func (m *Machine) RequestStart(ctx context.Context, appID string, strategy event.FocusStrategy) (string, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != nil && !cur.State.IsTerminal() {
		return "", &PolicyViolation{Op: "start", State: cur.State, Err: ErrSessionActive}
	}
	id, err := m.eng.StartPlayback(ctx, appID, strategy)
	if err != nil {
		return "", fmt.Errorf("start playback: %w", err)
	}
	return id, nil
}

// RequestPause asks the engine to pause, remembering why so the resulting
// Paused payload can carry the cause.
func (m *Machine) RequestPause(ctx context.Context, cause event.PauseCause) error {
	if _, err := m.requireActive("pause"); err != nil {
		return err
	}
	if cause == event.PauseCauseNone {
		cause = event.PauseCauseUser
	}

	m.mu.Lock()
	prevPending := m.pendingPause
	m.pendingPause = cause
	m.mu.Unlock()

	if err := m.eng.PausePlayback(ctx, cause); err != nil {
		m.mu.Lock()
		if m.pendingPause == cause {
			m.pendingPause = prevPending
		}
		m.mu.Unlock()
		return fmt.Errorf("pause playback: %w", err)
	}
	return nil
}

func (m *Machine) RequestResume(ctx context.Context) error {
	if _, err := m.requireActive("resume"); err != nil {
		return err
	}
	if err := m.eng.ResumePlayback(ctx); err != nil {
		return fmt.Errorf("resume playback: %w", err)
	}
	return nil
}

// RequestStop asks the engine to stop. reason is FocusLost when the strict
// policy is failing the session, empty for a user stop.
func (m *Machine) RequestStop(ctx context.Context, reason event.PauseCause) error {
	if _, err := m.requireActive("stop"); err != nil {
		return err
	}
	if err := m.eng.StopPlayback(ctx, reason); err != nil {
		return fmt.Errorf("stop playback: %w", err)
	}
	return nil
}

// requireRecoverable returns the session id of a Failed or Aborted session.
func (m *Machine) requireRecoverable(op string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", &PolicyViolation{Op: op, Err: ErrNoSession}
	}
	switch m.current.State {
	case event.StateFailed, event.StateAborted:
		return m.current.ID, nil
	}
	return "", &PolicyViolation{Op: op, State: m.current.State, Err: errors.New("session is not failed or aborted")}
}

// RequestRetry asks the engine to rerun a failed session.
func (m *Machine) RequestRetry(ctx context.Context) error {
	id, err := m.requireRecoverable("retry")
	if err != nil {
		return err
	}
	if err := m.eng.RetryFailedSession(ctx, id); err != nil {
		return fmt.Errorf("retry session %s: %w", id, err)
	}
	return nil
}

// RequestResetToCheckpoint asks the engine to rewind a failed session to its last checkpoint.
func (m *Machine) RequestResetToCheckpoint(ctx context.Context) error {
	id, err := m.requireRecoverable("reset_to_checkpoint")
	if err != nil {
		return err
	}
	if err := m.eng.ResetSessionToCheckpoint(ctx, id); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	return nil
}
