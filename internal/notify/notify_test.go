package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusplay/internal/engine/enginetest"
	"focusplay/internal/event"
	"focusplay/internal/ipc"
	"focusplay/internal/session"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...Option) (*Engine, *session.Machine, *enginetest.Fake) {
	t.Helper()
	fake := enginetest.New()
	m := session.NewMachine(fake)
	return New(m, fake, opts...), m, fake
}

func TestCapacityEvictsOldestByTimestamp(t *testing.T) {
	e, _, _ := newEngine(t)

	// An old error arrives late: it is the oldest by timestamp, so it goes
	// first even though it has the highest priority.
	first := e.OnEvent(Event{Kind: KindFocusGained, Timestamp: base.Add(time.Minute)})
	oldErr := e.OnEvent(Event{Kind: KindError, Timestamp: base})
	for i := 2; i < 10; i++ {
		e.OnEvent(Event{Kind: KindInfo, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	require.Equal(t, 10, e.Len())

	e.OnEvent(Event{Kind: KindInfo, Timestamp: base.Add(time.Hour)})
	assert.Equal(t, 10, e.Len())

	ids := map[string]bool{}
	for _, r := range e.Records() {
		ids[r.ID] = true
	}
	assert.False(t, ids[oldErr.ID], "oldest record evicted regardless of priority")
	assert.True(t, ids[first.ID])
}

func TestNeverExceedsCapacity(t *testing.T) {
	e, _, _ := newEngine(t)
	kinds := []Kind{KindError, KindFocusLost, KindFocusGained, KindAutomationPaused, KindAutomationResumed, KindInfo}
	for i := 0; i < 500; i++ {
		e.OnEvent(Event{Kind: kinds[i%len(kinds)], Timestamp: base.Add(time.Duration(i%37) * time.Second)})
		require.LessOrEqual(t, e.Len(), DefaultCapacity)
	}
}

func TestRecordsSortedByPriorityThenRecency(t *testing.T) {
	e, _, _ := newEngine(t)
	e.OnEvent(Event{Kind: KindInfo, Title: "info", Timestamp: base.Add(5 * time.Second)})
	e.OnEvent(Event{Kind: KindFocusGained, Title: "gained", Timestamp: base.Add(4 * time.Second)})
	e.OnEvent(Event{Kind: KindFocusLost, Title: "lost-old", Timestamp: base.Add(1 * time.Second)})
	e.OnEvent(Event{Kind: KindAutomationPaused, Title: "paused-new", Timestamp: base.Add(3 * time.Second)})
	e.OnEvent(Event{Kind: KindError, Title: "error", Timestamp: base})

	var titles []string
	for _, r := range e.Records() {
		titles = append(titles, r.Title)
	}
	assert.Equal(t, []string{"error", "paused-new", "lost-old", "gained", "info"}, titles)
}

func TestActionsPerKind(t *testing.T) {
	e, _, _ := newEngine(t)

	lost := e.OnEvent(Event{Kind: KindFocusLost, AppID: "calc", ApplicationName: "Calculator"})
	require.Len(t, lost.Actions, 1)
	assert.Equal(t, ActionBringToFocus, lost.Actions[0].Kind)
	assert.Contains(t, lost.Message, "Calculator")

	unknownApp := e.OnEvent(Event{Kind: KindFocusLost})
	assert.Empty(t, unknownApp.Actions, "no bring-to-focus without a known application")

	errRec := e.OnEvent(Event{Kind: KindError, Source: SourceSession, Message: "engine crashed"})
	assert.Equal(t, []ActionKind{ActionRetry, ActionResetCheckpoint}, []ActionKind{errRec.Actions[0].Kind, errRec.Actions[1].Kind})

	paused := e.OnEvent(Event{Kind: KindAutomationPaused})
	assert.Equal(t, ActionResume, paused.Actions[0].Kind)

	assert.Empty(t, e.OnEvent(Event{Kind: KindAutomationResumed}).Actions)
	assert.Nil(t, e.OnEvent(Event{}))
}

func TestFocusLostUsesSessionTarget(t *testing.T) {
	e, m, _ := newEngine(t)
	m.ApplyEngineUpdate(event.PlaybackSession{ID: "s", TargetAppID: "editor", State: event.StateRunning, FocusStrategy: event.StrategyAutoPause})
	r := e.OnEvent(Event{Kind: KindFocusLost})
	assert.Equal(t, "editor", r.AppID)
	require.Len(t, r.Actions, 1)
}

func TestDismissAndClear(t *testing.T) {
	e, _, _ := newEngine(t)
	a := e.OnEvent(Event{Kind: KindInfo})
	e.OnEvent(Event{Kind: KindInfo})

	assert.False(t, e.Dismiss("does-not-exist"))
	assert.Equal(t, 2, e.Len())
	assert.True(t, e.Dismiss(a.ID))
	assert.Equal(t, 1, e.Len())

	e.ClearAll()
	assert.Equal(t, 0, e.Len())
}

func TestInvokeSuccessAutoDismissesAfterGrace(t *testing.T) {
	e, _, fake := newEngine(t, WithDismissGrace(20*time.Millisecond))
	r := e.OnEvent(Event{Kind: KindFocusLost, AppID: "calc"})

	require.NoError(t, e.Invoke(context.Background(), r.ID, ActionBringToFocus))
	assert.Equal(t, []enginetest.Call{{Name: ipc.CmdBringApplicationToFocus, Args: ipc.AppArgs{AppID: "calc"}}}, fake.Calls())
	assert.Equal(t, 1, e.Len(), "still visible during the grace delay")

	assert.Eventually(t, func() bool { return e.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInvokeFailureKeepsNotification(t *testing.T) {
	e, m, fake := newEngine(t, WithDismissGrace(0))
	m.ApplyEngineUpdate(event.PlaybackSession{ID: "s", State: event.StateFailed, FocusStrategy: event.StrategyStrictError})
	r := e.OnEvent(Event{Kind: KindError, Source: SourceSession})

	fake.FailNext(ipc.CmdRetryFailedSession, errors.New("engine busy"), 1)
	require.Error(t, e.Invoke(context.Background(), r.ID, ActionRetry))
	assert.Equal(t, 1, e.Len())

	require.NoError(t, e.Invoke(context.Background(), r.ID, ActionRetry))
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, 2, fake.Count(ipc.CmdRetryFailedSession))
}

func TestInvokeRejectsUnknownTargets(t *testing.T) {
	e, _, _ := newEngine(t)
	r := e.OnEvent(Event{Kind: KindFocusGained})

	assert.ErrorIs(t, e.Invoke(context.Background(), "nope", ActionResume), ErrNotFound)
	assert.ErrorIs(t, e.Invoke(context.Background(), r.ID, ActionResume), ErrUnknownAction)
}

func TestResumeActionAgainstMissingSession(t *testing.T) {
	e, _, fake := newEngine(t)
	r := e.OnEvent(Event{Kind: KindAutomationPaused})

	err := e.Invoke(context.Background(), r.ID, ActionResume)
	var pv *session.PolicyViolation
	assert.ErrorAs(t, err, &pv)
	assert.Empty(t, fake.Calls())
	assert.Equal(t, 1, e.Len())
}

func TestSinkReceivesRecords(t *testing.T) {
	var got []Record
	e, _, _ := newEngine(t, WithSink(func(r Record) { got = append(got, r) }), WithCapacity(3))
	for i := 0; i < 5; i++ {
		e.OnEvent(Event{Kind: KindInfo, Title: fmt.Sprintf("n%d", i), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	assert.Len(t, got, 5)
	assert.Equal(t, 3, e.Len())
}

func TestOlderThanRetainedIsDropped(t *testing.T) {
	var got []Record
	e, _, _ := newEngine(t, WithSink(func(r Record) { got = append(got, r) }), WithCapacity(3))
	for i := 1; i <= 3; i++ {
		require.NotNil(t, e.OnEvent(Event{Kind: KindInfo, Timestamp: base.Add(time.Duration(i) * time.Minute)}))
	}

	assert.Nil(t, e.OnEvent(Event{Kind: KindError, Source: SourceSession, Timestamp: base}))
	assert.Len(t, got, 3, "sink only sees stored records")
	assert.Equal(t, 3, e.Len())
	for _, r := range e.Records() {
		assert.Equal(t, KindInfo, r.Kind)
	}
}

func TestErrorActionsFollowSource(t *testing.T) {
	e, _, _ := newEngine(t)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name  string
		ev    Event
		wants []ActionKind
	}{
		{"session", Event{Kind: KindError, Source: SourceSession}, []ActionKind{ActionRetry, ActionResetCheckpoint}},
		{"connection", Event{Kind: KindError, Source: SourceConnection, Rerun: noop}, []ActionKind{ActionReconnect}},
		{"connection without rerun", Event{Kind: KindError, Source: SourceConnection}, nil},
		{"command", Event{Kind: KindError, Source: SourceCommand, Rerun: noop}, []ActionKind{ActionRetry}},
		{"focus", Event{Kind: KindError, Source: SourceFocus}, nil},
		{"unspecified", Event{Kind: KindError}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.OnEvent(tt.ev)
			require.NotNil(t, r)
			var kinds []ActionKind
			for _, a := range r.Actions {
				kinds = append(kinds, a.Kind)
			}
			assert.Equal(t, tt.wants, kinds)
			assert.Equal(t, tt.ev.Source, r.Source)
		})
	}
}

func TestReconnectActionRunsRerun(t *testing.T) {
	e, _, fake := newEngine(t, WithDismissGrace(0))
	calls := 0
	r := e.OnEvent(Event{Kind: KindError, Source: SourceConnection, Rerun: func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("still down")
		}
		return nil
	}})

	assert.ErrorIs(t, e.Invoke(context.Background(), r.ID, ActionRetry), ErrUnknownAction)
	require.Error(t, e.Invoke(context.Background(), r.ID, ActionReconnect))
	assert.Equal(t, 1, e.Len())

	require.NoError(t, e.Invoke(context.Background(), r.ID, ActionReconnect))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, e.Len())
	assert.Empty(t, fake.Calls(), "no session commands for a connection error")
}

func TestCommandRetryRerunsCommandWithoutSession(t *testing.T) {
	e, m, fake := newEngine(t, WithDismissGrace(0))
	require.Nil(t, m.Session())

	var reran int
	r := e.OnEvent(Event{Kind: KindError, Source: SourceCommand, Rerun: func(context.Context) error {
		reran++
		return nil
	}})

	require.NoError(t, e.Invoke(context.Background(), r.ID, ActionRetry))
	assert.Equal(t, 1, reran)
	assert.Zero(t, fake.Count(ipc.CmdRetryFailedSession))
}

func TestDismissDropsRerun(t *testing.T) {
	e, _, _ := newEngine(t)
	r := e.OnEvent(Event{Kind: KindError, Source: SourceCommand, Rerun: func(context.Context) error { return nil }})
	require.True(t, e.Dismiss(r.ID))

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.reruns)
}
