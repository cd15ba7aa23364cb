package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusplay/internal/event"
)

func session(state event.SessionState, strategy event.FocusStrategy, cause event.PauseCause) *event.PlaybackSession {
	s := &event.PlaybackSession{
		ID:            "s-1",
		TargetAppID:   "notepad",
		State:         state,
		FocusStrategy: strategy,
		StartedAt:     time.Unix(1700000000, 0),
	}
	if state == event.StatePaused {
		at := s.StartedAt.Add(time.Minute)
		s.PausedAt = &at
		s.PauseReason = cause
	}
	return s
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		state    event.SessionState
		strategy event.FocusStrategy
		cause    event.PauseCause
		signal   Signal
		wantTo   event.SessionState // empty means no transition
		wantCmd  Command
	}{
		{"auto pause on loss while running", event.StateRunning, event.StrategyAutoPause, "", TargetLostFocus,
			event.StatePaused, Command{Kind: CommandPause, Reason: event.PauseCauseFocusLost}},
		{"auto pause loss while paused is noop", event.StatePaused, event.StrategyAutoPause, event.PauseCauseUser, TargetLostFocus,
			"", Command{}},
		{"auto pause resumes focus-lost pause", event.StatePaused, event.StrategyAutoPause, event.PauseCauseFocusLost, TargetGainedFocus,
			event.StateRunning, Command{Kind: CommandResume}},
		{"auto pause keeps user pause", event.StatePaused, event.StrategyAutoPause, event.PauseCauseUser, TargetGainedFocus,
			"", Command{}},
		{"auto pause gain while running is noop", event.StateRunning, event.StrategyAutoPause, "", TargetGainedFocus,
			"", Command{}},
		{"strict fails running session", event.StateRunning, event.StrategyStrictError, "", TargetLostFocus,
			event.StateFailed, Command{Kind: CommandStop, Reason: event.PauseCauseFocusLost}},
		{"strict fails paused session", event.StatePaused, event.StrategyStrictError, event.PauseCauseUser, TargetLostFocus,
			event.StateFailed, Command{Kind: CommandStop, Reason: event.PauseCauseFocusLost}},
		{"strict ignores gain", event.StatePaused, event.StrategyStrictError, event.PauseCauseFocusLost, TargetGainedFocus,
			"", Command{}},
		{"ignore loss", event.StateRunning, event.StrategyIgnore, "", TargetLostFocus, "", Command{}},
		{"ignore gain", event.StatePaused, event.StrategyIgnore, event.PauseCauseFocusLost, TargetGainedFocus, "", Command{}},
		{"terminal untouched", event.StateCompleted, event.StrategyStrictError, "", TargetLostFocus, "", Command{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session(tt.state, tt.strategy, tt.cause)
			d := Evaluate(s, tt.strategy, tt.signal)
			if tt.wantTo == "" {
				assert.True(t, d.NoOp(), "expected no-op, got %+v", d)
				return
			}
			require.NotNil(t, d.Transition)
			assert.Equal(t, tt.state, d.Transition.From)
			assert.Equal(t, tt.wantTo, d.Transition.To)
			assert.Equal(t, tt.wantCmd, d.Command)
		})
	}
}

func TestEvaluateNilSession(t *testing.T) {
	assert.True(t, Evaluate(nil, event.StrategyAutoPause, TargetLostFocus).NoOp())
}

func TestSignalFor(t *testing.T) {
	sig, ok := SignalFor(event.FocusEventLost)
	assert.True(t, ok)
	assert.Equal(t, TargetLostFocus, sig)

	sig, ok = SignalFor(event.FocusEventGained)
	assert.True(t, ok)
	assert.Equal(t, TargetGainedFocus, sig)

	_, ok = SignalFor(event.FocusEventError)
	assert.False(t, ok)
}

func randomSignals(r *rand.Rand, n int) []Signal {
	out := make([]Signal, n)
	for i := range out {
		out[i] = Signal(r.Intn(2))
	}
	return out
}

// Feeds decisions back as if the engine acknowledged every command.
func replay(s *event.PlaybackSession, strategy event.FocusStrategy, signals []Signal, each func(prev *event.PlaybackSession, sig Signal, d Decision)) *event.PlaybackSession {
	at := s.StartedAt
	for _, sig := range signals {
		at = at.Add(time.Second)
		d := Evaluate(s, strategy, sig)
		each(s, sig, d)
		s = apply(s, d, at)
	}
	return s
}

func TestAutoPauseSequences(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		start := session(event.StateRunning, event.StrategyAutoPause, "")
		replay(start, event.StrategyAutoPause, randomSignals(r, 20), func(prev *event.PlaybackSession, sig Signal, d Decision) {
			if d.Transition != nil {
				assert.NotEqual(t, d.Transition.From, d.Transition.To, "never Running->Running")
			}
			switch {
			case sig == TargetLostFocus && prev.State == event.StateRunning:
				require.NotNil(t, d.Transition)
				assert.Equal(t, event.StatePaused, d.Transition.To)
			case sig == TargetGainedFocus && prev.State == event.StatePaused:
				require.NotNil(t, d.Transition)
				assert.Equal(t, event.StateRunning, d.Transition.To)
			default:
				assert.True(t, d.NoOp())
			}
		})
	}
}

func TestStrictErrorSequencesAreSticky(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		signals := randomSignals(r, 15)
		failed := false
		end := replay(session(event.StateRunning, event.StrategyStrictError, ""), event.StrategyStrictError, signals,
			func(prev *event.PlaybackSession, sig Signal, d Decision) {
				if failed {
					assert.True(t, d.NoOp(), "terminal state must be sticky")
					return
				}
				if sig == TargetLostFocus {
					require.NotNil(t, d.Transition)
					assert.Equal(t, event.StateFailed, d.Transition.To)
					failed = true
				}
			})
		if failed {
			assert.Equal(t, event.StateFailed, end.State)
		} else {
			assert.Equal(t, event.StateRunning, end.State)
		}
	}
}

func TestIgnoreNeverChangesState(t *testing.T) {
	r := rand.New(rand.NewSource(13))
	for _, state := range []event.SessionState{event.StateRunning, event.StatePaused} {
		start := session(state, event.StrategyIgnore, event.PauseCauseFocusLost)
		end := replay(start, event.StrategyIgnore, randomSignals(r, 50), func(_ *event.PlaybackSession, _ Signal, d Decision) {
			assert.True(t, d.NoOp())
		})
		assert.Equal(t, state, end.State)
	}
}

func TestApplyKeepsPausedAtInvariant(t *testing.T) {
	s := session(event.StateRunning, event.StrategyAutoPause, "")
	at := s.StartedAt.Add(5 * time.Second)

	paused := apply(s, Evaluate(s, event.StrategyAutoPause, TargetLostFocus), at)
	require.NotNil(t, paused.PausedAt)
	assert.Equal(t, at, *paused.PausedAt)
	assert.Equal(t, event.PauseCauseFocusLost, paused.PauseReason)

	resumed := apply(paused, Evaluate(paused, event.StrategyAutoPause, TargetGainedFocus), at.Add(time.Second))
	assert.Equal(t, event.StateRunning, resumed.State)
	assert.Nil(t, resumed.PausedAt)
	assert.Equal(t, event.PauseCauseNone, resumed.PauseReason)

	// original untouched
	assert.Equal(t, event.StateRunning, s.State)
}

// apply returns the session the decision would produce once the engine
// confirms it.
func apply(session *event.PlaybackSession, d Decision, at time.Time) *event.PlaybackSession {
	if session == nil || d.Transition == nil {
		return session.Clone()
	}
	next := session.Clone()
	next.State = d.Transition.To
	switch d.Transition.To {
	case event.StatePaused:
		next.PausedAt = &at
		next.PauseReason = d.Command.Reason
	default:
		next.PausedAt = nil
		next.PauseReason = event.PauseCauseNone
	}
	return next
}
