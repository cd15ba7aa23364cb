// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"focusplay/internal/engine"
	"focusplay/internal/event"
	"focusplay/internal/ipc"
)

// Call is one recorded command.
type Call struct {
	Name string
	Args interface{}
}

// Fake records every command and fails those listed in Errors.
type Fake struct {
	mu     sync.Mutex
	calls  []Call
	errs   map[string][]error
	events chan engine.Push

	// Block, when set for a command, is waited on before the command returns.
	block map[string]chan struct{}

	SessionID string
}

var _ engine.Engine = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		errs:      make(map[string][]error),
		block:     make(map[string]chan struct{}),
		events:    make(chan engine.Push, 64),
		SessionID: "session-1",
	}
}

// FailNext makes the next n calls to name return err.
func (f *Fake) FailNext(name string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.errs[name] = append(f.errs[name], err)
	}
}

// Block makes calls to name wait until the returned func is called.
func (f *Fake) Block(name string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block[name] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Names returns the recorded command names in order.
func (f *Fake) Names() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Name)
	}
	return out
}

// Count returns how many times name was called.
func (f *Fake) Count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Name == name {
			n++
		}
	}
	return n
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) record(ctx context.Context, name string, args interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: args})
	var err error
	if q := f.errs[name]; len(q) > 0 {
		err = q[0]
		f.errs[name] = q[1:]
	}
	block := f.block[name]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Push delivers a payload on a named channel.
func (f *Fake) Push(channel string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("enginetest: marshal push: %v", err))
	}
	f.events <- engine.Push{Channel: channel, Payload: raw}
}

// PushError reports a push-channel failure.
func (f *Fake) PushError(err error) {
	f.events <- engine.Push{Err: err}
}

func (f *Fake) Events() <-chan engine.Push { return f.events }

func (f *Fake) StartPlayback(ctx context.Context, appID string, strategy event.FocusStrategy) (string, error) {
	if err := f.record(ctx, ipc.CmdStartPlayback, ipc.StartPlaybackArgs{AppID: appID, FocusStrategy: strategy}); err != nil {
		return "", err
	}
	return f.SessionID, nil
}

func (f *Fake) PausePlayback(ctx context.Context, reason event.PauseCause) error {
	return f.record(ctx, ipc.CmdPausePlayback, ipc.PausePlaybackArgs{Reason: reason})
}

func (f *Fake) ResumePlayback(ctx context.Context) error {
	return f.record(ctx, ipc.CmdResumePlayback, nil)
}

func (f *Fake) StopPlayback(ctx context.Context, reason event.PauseCause) error {
	return f.record(ctx, ipc.CmdStopPlayback, ipc.StopPlaybackArgs{Reason: reason})
}

func (f *Fake) SubscribeFocusUpdates(ctx context.Context, appID string) error {
	return f.record(ctx, ipc.CmdSubscribeFocusUpdates, ipc.AppArgs{AppID: appID})
}

func (f *Fake) UnsubscribeFocusUpdates(ctx context.Context) error {
	return f.record(ctx, ipc.CmdUnsubscribeFocusUpdates, nil)
}

func (f *Fake) SubscribePlaybackUpdates(ctx context.Context) error {
	return f.record(ctx, ipc.CmdSubscribePlaybackUpdates, nil)
}

func (f *Fake) UnsubscribePlaybackUpdates(ctx context.Context) error {
	return f.record(ctx, ipc.CmdUnsubscribePlaybackUpdates, nil)
}

func (f *Fake) RetryFailedSession(ctx context.Context, sessionID string) error {
	return f.record(ctx, ipc.CmdRetryFailedSession, ipc.SessionArgs{SessionID: sessionID})
}

func (f *Fake) ResetSessionToCheckpoint(ctx context.Context, sessionID string) error {
	return f.record(ctx, ipc.CmdResetSessionToCheckpoint, ipc.SessionArgs{SessionID: sessionID})
}

func (f *Fake) BringApplicationToFocus(ctx context.Context, appID string) error {
	return f.record(ctx, ipc.CmdBringApplicationToFocus, ipc.AppArgs{AppID: appID})
}
