// Package policy maps focus changes onto playback session transitions.
//
// Evaluate is pure: it never talks to the engine. Callers issue the returned
// Command and wait for the engine's next session payload, which is the only
// authoritative source of the resulting state.
package policy

import (
	"focusplay/internal/event"
)

// Signal is a focus event classified relative to the session's target process.
type Signal int

const (
	TargetGainedFocus Signal = iota
	TargetLostFocus
)

func (s Signal) String() string {
	if s == TargetLostFocus {
		return "target_lost_focus"
	}
	return "target_gained_focus"
}

// SignalFor classifies a pushed focus event. ok is false for focus_error and unknown types.
func SignalFor(t event.FocusEventType) (sig Signal, ok bool) {
	switch t {
	case event.FocusEventLost:
		return TargetLostFocus, true
	case event.FocusEventGained:
		return TargetGainedFocus, true
	}
	return 0, false
}

type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandPause
	CommandResume
	CommandStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandStop:
		return "stop"
	}
	return "none"
}

// Command is the side effect the caller should send to the engine.
type Command struct {
	Kind   CommandKind
	Reason event.PauseCause
}

// Transition is the state change the policy expects the engine to confirm.
type Transition struct {
	From event.SessionState
	To   event.SessionState
}

// Decision is the evaluator's output. A zero Decision means "do nothing".
type Decision struct {
	Transition *Transition
	Command    Command
}

// NoOp reports whether the decision carries neither a transition nor a command.
func (d Decision) NoOp() bool {
	return d.Transition == nil && d.Command.Kind == CommandNone
}

// Evaluate decides what a focus signal does to session under strategy.
// A nil session or a terminal one is never touched.
func Evaluate(session *event.PlaybackSession, strategy event.FocusStrategy, sig Signal) Decision {
	if session == nil || session.State.IsTerminal() {
		return Decision{}
	}

	switch sig {
	case TargetLostFocus:
		return onLost(session, strategy)
	case TargetGainedFocus:
		return onGained(session, strategy)
	}
	return Decision{}
}

func onLost(s *event.PlaybackSession, strategy event.FocusStrategy) Decision {
	switch strategy {
	case event.StrategyAutoPause:
		if s.State != event.StateRunning {
			return Decision{}
		}
		return Decision{
			Transition: &Transition{From: s.State, To: event.StatePaused},
			Command:    Command{Kind: CommandPause, Reason: event.PauseCauseFocusLost},
		}
	case event.StrategyStrictError:
		if s.State != event.StateRunning && s.State != event.StatePaused {
			return Decision{}
		}
		return Decision{
			Transition: &Transition{From: s.State, To: event.StateFailed},
			Command:    Command{Kind: CommandStop, Reason: event.PauseCauseFocusLost},
		}
	}
	return Decision{}
}

func onGained(s *event.PlaybackSession, strategy event.FocusStrategy) Decision {
	if strategy != event.StrategyAutoPause {
		return Decision{}
	}
	// A user pause stays paused until the user resumes it.
	if s.State != event.StatePaused || s.PauseReason != event.PauseCauseFocusLost {
		return Decision{}
	}
	return Decision{
		Transition: &Transition{From: s.State, To: event.StateRunning},
		Command:    Command{Kind: CommandResume},
	}
}
