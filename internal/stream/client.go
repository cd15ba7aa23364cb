// Package stream keeps local session, focus and notification state in sync
// with the Automation Engine's push channels.
//
// All state changes happen on one dispatch loop. Commands to the engine
// (subscriptions, policy commands) run on helper goroutines and report back
// to the loop as typed messages, so a slow or failing command never blocks
// event handling.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"focusplay/internal/engine"
	"focusplay/internal/event"
	"focusplay/internal/notify"
	"focusplay/internal/policy"
	"focusplay/internal/session"
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxAttempts    = 5
	DefaultCommandTimeout = 5 * time.Second
)

// ErrReconnectExhausted is the persistent connection error once automatic
// reconnection gives up. Only Reconnect clears it.
var ErrReconnectExhausted = errors.New("event stream: reconnect attempts exhausted")

var errStarted = errors.New("event stream: already started")

// ConnectionState is the subscription health shown to the user.
type ConnectionState struct {
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
	Exhausted         bool   `json:"exhausted"`
}

type Options struct {
	// TargetAppID is subscribed for focus updates when set.
	TargetAppID    string
	BaseDelay      time.Duration
	MaxAttempts    int
	CommandTimeout time.Duration
	// Journal receives every accepted change. Optional.
	Journal func(event.JournalEntry)
	// After schedules reconnect attempts. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
	Now   func() time.Time
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.After == nil {
		o.After = time.After
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Journal == nil {
		o.Journal = func(event.JournalEntry) {}
	}
}

// Backoff returns base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d > time.Duration(1<<62) {
			return d
		}
		d *= 2
	}
	return d
}

// --- loop messages ---

type message interface{ isMessage() }

type subscribeResult struct {
	gen int
	err error
}

type commandResult struct {
	cmd policy.Command
	err error
}

type reconnectRequest struct{}

type retargetRequest struct{ appID string }

func (subscribeResult) isMessage()  {}
func (commandResult) isMessage()    {}
func (reconnectRequest) isMessage() {}
func (retargetRequest) isMessage()  {}

// Client is the event stream client. Create with New, run with Start, dispose with Close.
type Client struct {
	eng      engine.Engine
	machine  *session.Machine
	notifier *notify.Engine
	opts     Options

	msgs    chan message
	started chan struct{}
	stopped chan struct{}
	wg      conc.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.RWMutex // guards focus and conn for readers
	focus  *event.FocusState
	conn   ConnectionState
	target string

	// loop-owned
	gen   int
	retry <-chan time.Time
	// targetFocused is the last known focus of the target, valid when focusKnown.
	targetFocused bool
	focusKnown    bool
}

func New(eng engine.Engine, machine *session.Machine, notifier *notify.Engine, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		eng:      eng,
		machine:  machine,
		notifier: notifier,
		opts:     opts,
		msgs:     make(chan message),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		target:   opts.TargetAppID,
	}
}

// Start subscribes and begins dispatching events. It returns immediately;
// subscription failures are handled by the reconnect protocol.
func (c *Client) Start(ctx context.Context) error {
	err := errStarted
	c.startOnce.Do(func() {
		err = nil
		c.ctx, c.cancel = context.WithCancel(ctx)
		close(c.started)
		go c.run()
	})
	return err
}

// Close cancels any pending reconnect, waits for in-flight commands and
// unsubscribes every channel. Teardown errors are logged, never returned.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			c.cancel()
			<-c.stopped
			c.wg.Wait()
		} else {
			close(c.stopped)
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CommandTimeout)
		defer cancel()
		err := multierr.Combine(
			c.eng.UnsubscribeFocusUpdates(ctx),
			c.eng.UnsubscribePlaybackUpdates(ctx),
		)
		if err != nil {
			slog.Warn("event stream teardown incomplete", "error", err)
		}

		c.mu.Lock()
		c.conn.Connected = false
		c.mu.Unlock()
		slog.Info("event stream closed")
	})
}

// Reconnect resets the attempt counter and restarts the subscribe protocol.
// It does nothing before Start or after Close.
func (c *Client) Reconnect() { c.post(reconnectRequest{}) }

// SetTarget switches focus updates to another application. Before Start it
// only replaces the target the first subscription uses.
func (c *Client) SetTarget(appID string) {
	if c.post(retargetRequest{appID: appID}) {
		return
	}
	c.mu.Lock()
	c.target = appID
	c.mu.Unlock()
}

// post hands m to the loop. It reports false when no loop is running.
func (c *Client) post(m message) bool {
	select {
	case <-c.started:
	default:
		return false
	}
	select {
	case c.msgs <- m:
		return true
	case <-c.stopped:
		return false
	}
}

// Connection returns the current connection state.
func (c *Client) Connection() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Err returns the persistent connection error, if reconnection gave up.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.conn.Exhausted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrReconnectExhausted, c.conn.LastError)
}

// FocusState returns the latest focus snapshot, or nil before the first update.
func (c *Client) FocusState() *event.FocusState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.focus == nil {
		return nil
	}
	fs := *c.focus
	return &fs
}

func (c *Client) Target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

func (c *Client) run() {
	defer close(c.stopped)
	c.subscribe()

	events := c.eng.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-events:
			c.handlePush(p)
		case m := <-c.msgs:
			c.handleMessage(m)
		case <-c.retry:
			c.retry = nil
			c.subscribe()
		}
	}
}

func (c *Client) handleMessage(m message) {
	switch m := m.(type) {
	case subscribeResult:
		if m.gen != c.gen || c.ctx.Err() != nil {
			return // superseded or disposed
		}
		if m.err != nil {
			c.onFailure(m.err)
			return
		}
		c.onConnected()
	case commandResult:
		if m.err != nil {
			slog.Warn("policy command failed", "command", m.cmd.Kind, "error", m.err)
			cmd := m.cmd
			c.notifier.OnEvent(notify.Event{
				Kind:      notify.KindError,
				Title:     "Command Failed",
				Message:   fmt.Sprintf("Could not %s playback: %v", cmd.Kind, m.err),
				Source:    notify.SourceCommand,
				Timestamp: c.opts.Now(),
				Rerun:     func(ctx context.Context) error { return c.execute(ctx, cmd) },
			})
		}
	case reconnectRequest:
		slog.Info("manual reconnect requested")
		c.mu.Lock()
		c.conn.ReconnectAttempts = 0
		c.conn.Exhausted = false
		c.mu.Unlock()
		c.retry = nil
		c.subscribe()
	case retargetRequest:
		c.mu.Lock()
		changed := c.target != m.appID
		c.target = m.appID
		connected := c.conn.Connected
		c.mu.Unlock()
		if changed {
			c.focusKnown = false
		}
		if changed && connected {
			c.subscribe()
		}
	}
}

// subscribe starts one subscription attempt in the background.
func (c *Client) subscribe() {
	c.gen++
	gen := c.gen
	target := c.Target()
	ctx := c.ctx
	c.wg.Go(func() {
		cctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
		var err error
		if target != "" {
			err = c.eng.SubscribeFocusUpdates(cctx, target)
		}
		if err == nil {
			err = c.eng.SubscribePlaybackUpdates(cctx)
		}
		c.post(subscribeResult{gen: gen, err: err})
	})
}

func (c *Client) onConnected() {
	c.mu.Lock()
	was := c.conn
	c.conn = ConnectionState{Connected: true}
	c.mu.Unlock()
	c.retry = nil

	slog.Info("subscribed to engine updates", "target_app_id", c.Target())
	if !was.Connected {
		c.journal(event.JournalEntry{Kind: event.EntryConnection, State: "connected", AppID: c.Target()})
	}
}

func (c *Client) onFailure(err error) {
	c.mu.Lock()
	c.conn.Connected = false
	c.conn.LastError = err.Error()
	attempts := c.conn.ReconnectAttempts
	if attempts >= c.opts.MaxAttempts {
		c.conn.Exhausted = true
	} else {
		c.conn.ReconnectAttempts++
	}
	exhausted := c.conn.Exhausted
	c.mu.Unlock()

	c.journal(event.JournalEntry{Kind: event.EntryConnection, State: "disconnected", Message: err.Error()})

	if exhausted {
		c.retry = nil
		slog.Error("giving up on engine connection", "attempts", attempts, "error", err)
		c.notifier.OnEvent(notify.Event{
			Kind:      notify.KindError,
			Title:     "Disconnected",
			Message:   fmt.Sprintf("Lost connection to the automation engine after %d attempts: %v", attempts, err),
			Source:    notify.SourceConnection,
			Timestamp: c.opts.Now(),
			Rerun: func(context.Context) error {
				c.Reconnect()
				return nil
			},
		})
		return
	}

	delay := Backoff(c.opts.BaseDelay, attempts)
	slog.Warn("engine subscription failed, retrying", "attempt", attempts+1, "delay", delay, "error", err)
	c.retry = c.opts.After(delay)
}

func (c *Client) handlePush(p engine.Push) {
	if p.Err != nil {
		c.mu.RLock()
		connected := c.conn.Connected
		c.mu.RUnlock()
		if !connected {
			// already recovering; keep the newest cause for the banner
			c.mu.Lock()
			c.conn.LastError = p.Err.Error()
			c.mu.Unlock()
			return
		}
		c.gen++ // any in-flight subscribe belongs to the dead link
		c.onFailure(p.Err)
		return
	}

	var err error
	switch p.Channel {
	case event.ChannelFocusState:
		err = c.handleFocusState(p.Payload)
	case event.ChannelPlaybackStatus:
		err = c.handlePlaybackStatus(p.Payload)
	case event.ChannelFocusEvent:
		err = c.handleFocusEvent(p.Payload)
	default:
		slog.Debug("ignoring push on unknown channel", "channel", p.Channel)
	}
	if err != nil {
		slog.Warn("dropping undecodable push", "channel", p.Channel, "error", err)
	}
}

func (c *Client) handleFocusState(raw json.RawMessage) error {
	var fs event.FocusState
	if err := json.Unmarshal(raw, &fs); err != nil {
		return err
	}

	c.mu.Lock()
	if c.focus != nil && !fs.LastChange.After(c.focus.LastChange) {
		c.mu.Unlock()
		slog.Debug("discarding stale focus state", "last_change", fs.LastChange)
		return nil
	}
	c.focus = &fs
	c.mu.Unlock()
	c.targetFocused, c.focusKnown = fs.IsTargetProcessFocused, true

	entry := event.JournalEntry{Kind: event.EntryFocusState, Timestamp: fs.LastChange, AppID: c.Target(), State: "unfocused"}
	if fs.IsTargetProcessFocused {
		entry.State = "focused"
	}
	if fs.FocusedWindowTitle != nil {
		entry.Title = *fs.FocusedWindowTitle
	}
	c.journal(entry)
	return nil
}

func isNull(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) == 0 || s == "null"
}

func (c *Client) handlePlaybackStatus(raw json.RawMessage) error {
	var change session.Change
	if isNull(raw) {
		change = c.machine.Clear()
	} else {
		var payload event.PlaybackSession
		if err := json.Unmarshal(raw, &payload); err != nil {
			return err
		}
		change = c.machine.ApplyEngineUpdate(payload)
	}
	if !change.StateChanged() {
		return nil
	}

	entry := event.JournalEntry{Kind: event.EntrySession, State: "none"}
	if s := change.Current; s != nil {
		entry.SessionID, entry.AppID, entry.State = s.ID, s.TargetAppID, string(s.State)
		entry.Message = fmt.Sprintf("step %d", s.CurrentStep)
		if s.PauseReason != event.PauseCauseNone {
			entry.Message += ", paused by " + string(s.PauseReason)
		}
	} else if s := change.Previous; s != nil {
		entry.SessionID, entry.AppID = s.ID, s.TargetAppID
	}
	c.journal(entry)

	if ev, ok := sessionNotification(change); ok {
		ev.Timestamp = c.opts.Now()
		c.notifier.OnEvent(ev)
	}

	if focusPauseConfirmed(change) && c.focusKnown && c.targetFocused {
		// focus came back before the engine confirmed the pause
		s := change.Current
		d := policy.Evaluate(s, s.FocusStrategy, policy.TargetGainedFocus)
		if d.Command.Kind != policy.CommandNone {
			slog.Info("focus regained before pause was confirmed", "session_id", s.ID, "strategy", s.FocusStrategy, "command", d.Command.Kind)
			c.issue(d.Command)
		}
	}
	return nil
}

// focusPauseConfirmed reports whether ch moved a session into a pause caused
// by focus loss.
func focusPauseConfirmed(ch session.Change) bool {
	cur, prev := ch.Current, ch.Previous
	if cur == nil || cur.State != event.StatePaused || cur.PauseReason != event.PauseCauseFocusLost {
		return false
	}
	return prev == nil || prev.ID != cur.ID || prev.State != event.StatePaused
}

// sessionNotification maps a session state change onto a notification.
func sessionNotification(ch session.Change) (notify.Event, bool) {
	cur, prev := ch.Current, ch.Previous
	if cur == nil {
		return notify.Event{}, false
	}
	samePrev := prev != nil && prev.ID == cur.ID
	switch cur.State {
	case event.StatePaused:
		msg := "Playback paused by user"
		if cur.PauseReason == event.PauseCauseFocusLost {
			msg = "Playback paused because the target application lost focus"
		}
		return notify.Event{Kind: notify.KindAutomationPaused, Message: msg, AppID: cur.TargetAppID}, true
	case event.StateRunning:
		if samePrev && prev.State == event.StatePaused {
			return notify.Event{Kind: notify.KindAutomationResumed, AppID: cur.TargetAppID}, true
		}
	case event.StateFailed:
		return notify.Event{
			Kind:    notify.KindError,
			Title:   "Playback Failed",
			Message: fmt.Sprintf("Session %s failed at step %d", cur.ID, cur.CurrentStep),
			AppID:   cur.TargetAppID,
			Source:  notify.SourceSession,
		}, true
	case event.StateAborted:
		return notify.Event{Kind: notify.KindInfo, Title: "Playback Aborted", Message: fmt.Sprintf("Session %s was stopped", cur.ID)}, true
	case event.StateCompleted:
		return notify.Event{Kind: notify.KindInfo, Title: "Playback Completed", Message: fmt.Sprintf("Session %s finished after %d steps", cur.ID, cur.CurrentStep)}, true
	}
	return notify.Event{}, false
}

func (c *Client) handleFocusEvent(raw json.RawMessage) error {
	var fe event.FocusEvent
	if err := json.Unmarshal(raw, &fe); err != nil {
		return err
	}
	ts := fe.Timestamp
	if ts.IsZero() {
		ts = c.opts.Now()
	}

	if fe.Type == event.FocusEventError {
		msg := fe.Data.Message
		if msg == "" {
			msg = "The engine could not determine the focused window"
		}
		c.notifier.OnEvent(notify.Event{Kind: notify.KindError, Title: "Focus Tracking Error", Message: msg, Source: notify.SourceFocus, Timestamp: ts})
		return nil
	}

	sig, ok := policy.SignalFor(fe.Type)
	if !ok {
		slog.Debug("ignoring focus event", "type", fe.Type)
		return nil
	}

	kind := notify.KindFocusGained
	if sig == policy.TargetLostFocus {
		kind = notify.KindFocusLost
	}
	c.notifier.OnEvent(notify.Event{
		Kind:            kind,
		ApplicationName: fe.Data.ApplicationName,
		AppID:           fe.Data.AppID,
		Timestamp:       ts,
	})

	s := c.machine.Session()
	target := c.Target()
	if s != nil && s.TargetAppID != "" {
		target = s.TargetAppID
	}
	if fe.Data.AppID == "" || target == "" || fe.Data.AppID == target {
		c.targetFocused, c.focusKnown = sig == policy.TargetGainedFocus, true
	}

	if s == nil {
		return nil
	}
	if fe.Data.AppID != "" && s.TargetAppID != "" && fe.Data.AppID != s.TargetAppID {
		slog.Debug("focus event for another application", "app_id", fe.Data.AppID, "target_app_id", s.TargetAppID)
		return nil
	}

	d := policy.Evaluate(s, s.FocusStrategy, sig)
	if d.Command.Kind != policy.CommandNone {
		slog.Info("focus policy decision", "session_id", s.ID, "signal", sig, "strategy", s.FocusStrategy, "command", d.Command.Kind)
		c.issue(d.Command)
	}
	return nil
}

// issue sends a policy command without blocking the loop.
func (c *Client) issue(cmd policy.Command) {
	ctx := c.ctx
	c.wg.Go(func() {
		err := c.execute(ctx, cmd)
		if ctx.Err() != nil {
			return
		}
		c.post(commandResult{cmd: cmd, err: err})
	})
}

// execute runs one policy command against the session machine.
func (c *Client) execute(ctx context.Context, cmd policy.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()
	switch cmd.Kind {
	case policy.CommandPause:
		return c.machine.RequestPause(ctx, cmd.Reason)
	case policy.CommandResume:
		return c.machine.RequestResume(ctx)
	case policy.CommandStop:
		return c.machine.RequestStop(ctx, cmd.Reason)
	}
	return nil
}

func (c *Client) journal(e event.JournalEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.opts.Now()
	}
	c.opts.Journal(e)
}
