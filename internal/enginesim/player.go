// Package enginesim is a stand-in Automation Engine: it "plays" a session by
// advancing a step counter on a timer, tracks window focus through a
// collector.Probe and serves the engine command protocol over a websocket.
package enginesim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"focusplay/internal/collector"
	"focusplay/internal/event"
)

var (
	ErrSessionActive  = errors.New("a session is already active")
	ErrNoSession      = errors.New("no session")
	ErrInvalidState   = errors.New("command not valid in current state")
	ErrUnknownSession = errors.New("unknown session")
	ErrStopped        = errors.New("player stopped")
)

type Config struct {
	StepInterval    time.Duration
	TotalSteps      int
	CheckpointEvery int
	// ProbeInterval is passed to the focus probe.
	ProbeInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.StepInterval <= 0 {
		c.StepInterval = 500 * time.Millisecond
	}
	if c.TotalSteps <= 0 {
		c.TotalSteps = 100
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 250 * time.Millisecond
	}
}

// PublishFunc delivers a push on a named channel. payload may be nil.
type PublishFunc func(channel string, payload interface{})

// --- Command Types ---

type startCmd struct {
	appID    string
	strategy event.FocusStrategy
	reply    chan startReply
}

type startReply struct {
	id  string
	err error
}

type opKind int

const (
	opPause opKind = iota
	opResume
	opStop
	opRetry
	opReset
)

type sessionCmd struct {
	op        opKind
	reason    event.PauseCause
	sessionID string
	reply     chan error
}

type trackCmd struct {
	appID string
	reply chan error
}

type snapshotCmd struct {
	reply chan Snapshot
}

// Snapshot is the player's state at one instant.
type Snapshot struct {
	Session *event.PlaybackSession
	Focus   *event.FocusState
	Target  string
}

// Player owns the simulated session. Every mutation happens on its loop.
type Player struct {
	cfg     Config
	probe   collector.Probe
	publish PublishFunc
	now     func() time.Time

	cmdChan chan interface{}
	windows chan collector.Window
	wg      conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	// loop owned
	session    *event.PlaybackSession
	checkpoint int
	target     string
	window     collector.Window
	focus      *event.FocusState
	lastChange time.Time
	ticker     *time.Ticker
}

func NewPlayer(cfg Config, probe collector.Probe, publish PublishFunc) *Player {
	cfg.setDefaults()
	if publish == nil {
		publish = func(string, interface{}) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		cfg:     cfg,
		probe:   probe,
		publish: publish,
		now:     time.Now,
		cmdChan: make(chan interface{}, 10),
		windows: make(chan collector.Window, 10),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the player loop and the focus probe until Close.
func (p *Player) Start() {
	slog.Info("starting playback simulator", "step_interval", p.cfg.StepInterval, "total_steps", p.cfg.TotalSteps)
	if w, err := p.probe.CurrentFocus(); err == nil {
		p.window = w
	}
	p.wg.Go(func() {
		if err := p.probe.Start(p.ctx, p.cfg.ProbeInterval, p.windows); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("focus probe stopped", "error", err)
		}
	})
	p.wg.Go(p.runLoop)
}

func (p *Player) Close() {
	p.cancel()
	_ = p.probe.Stop()
	p.wg.Wait()
	slog.Info("playback simulator stopped")
}

func (p *Player) send(ctx context.Context, cmd interface{}) error {
	select {
	case p.cmdChan <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func wait[T any](ctx context.Context, stop <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-stop:
		return zero, ErrStopped
	}
}

func (p *Player) StartPlayback(ctx context.Context, appID string, strategy event.FocusStrategy) (string, error) {
	cmd := startCmd{appID: appID, strategy: strategy, reply: make(chan startReply, 1)}
	if err := p.send(ctx, cmd); err != nil {
		return "", err
	}
	r, err := wait(ctx, p.ctx.Done(), cmd.reply)
	if err != nil {
		return "", err
	}
	return r.id, r.err
}

func (p *Player) do(ctx context.Context, op opKind, reason event.PauseCause, sessionID string) error {
	cmd := sessionCmd{op: op, reason: reason, sessionID: sessionID, reply: make(chan error, 1)}
	if err := p.send(ctx, cmd); err != nil {
		return err
	}
	res, err := wait(ctx, p.ctx.Done(), cmd.reply)
	if err != nil {
		return err
	}
	return res
}

func (p *Player) PausePlayback(ctx context.Context, reason event.PauseCause) error {
	return p.do(ctx, opPause, reason, "")
}

func (p *Player) ResumePlayback(ctx context.Context) error { return p.do(ctx, opResume, "", "") }

// StopPlayback ends the session: Failed when reason is focus loss, else Aborted.
func (p *Player) StopPlayback(ctx context.Context, reason event.PauseCause) error {
	return p.do(ctx, opStop, reason, "")
}

func (p *Player) RetryFailedSession(ctx context.Context, sessionID string) error {
	return p.do(ctx, opRetry, "", sessionID)
}

// ResetSessionToCheckpoint restarts from the last checkpoint under a new session id.
func (p *Player) ResetSessionToCheckpoint(ctx context.Context, sessionID string) error {
	return p.do(ctx, opReset, "", sessionID)
}

// Track makes appID the application whose focus is reported.
func (p *Player) Track(ctx context.Context, appID string) error {
	cmd := trackCmd{appID: appID, reply: make(chan error, 1)}
	if err := p.send(ctx, cmd); err != nil {
		return err
	}
	res, err := wait(ctx, p.ctx.Done(), cmd.reply)
	if err != nil {
		return err
	}
	return res
}

func (p *Player) Snapshot(ctx context.Context) (Snapshot, error) {
	cmd := snapshotCmd{reply: make(chan Snapshot, 1)}
	if err := p.send(ctx, cmd); err != nil {
		return Snapshot{}, err
	}
	return wait(ctx, p.ctx.Done(), cmd.reply)
}

// BringApplicationToFocus raises a window of appID through the probe.
func (p *Player) BringApplicationToFocus(appID string) error {
	if appID == "" {
		return errors.New("app_id is required")
	}
	return p.probe.Activate(appID)
}

func (p *Player) runLoop() {
	defer slog.Debug("player loop stopped")
	for {
		var stepC <-chan time.Time
		if p.ticker != nil {
			stepC = p.ticker.C
		}

		select {
		case <-p.ctx.Done():
			p.stopTicker()
			return
		case cmd := <-p.cmdChan:
			p.handleCommand(cmd)
		case w := <-p.windows:
			p.handleWindow(w)
		case <-stepC:
			p.step()
		}
	}
}

func (p *Player) handleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case startCmd:
		id, err := p.start(c.appID, c.strategy)
		c.reply <- startReply{id: id, err: err}
	case sessionCmd:
		c.reply <- p.apply(c)
	case trackCmd:
		if c.appID != p.target {
			p.focus = nil
		}
		p.target = c.appID
		slog.Info("tracking focus", "app_id", c.appID)
		p.updateFocus(true)
		c.reply <- nil
	case snapshotCmd:
		snap := Snapshot{Session: p.session.Clone(), Target: p.target}
		if p.focus != nil {
			fs := *p.focus
			snap.Focus = &fs
		}
		c.reply <- snap
	default:
		slog.Warn("unknown command received by player", "type", fmt.Sprintf("%T", c))
	}
}

func (p *Player) start(appID string, strategy event.FocusStrategy) (string, error) {
	if appID == "" {
		return "", errors.New("app_id is required")
	}
	if p.session != nil && !p.session.State.IsTerminal() {
		return "", fmt.Errorf("%w: %s", ErrSessionActive, p.session.ID)
	}
	if p.target == "" {
		p.target = appID
		p.updateFocus(false)
	}
	p.begin(appID, strategy, 0)
	return p.session.ID, nil
}

// begin creates a new running session at step.
func (p *Player) begin(appID string, strategy event.FocusStrategy, step int) {
	s := &event.PlaybackSession{
		ID:            uuid.New().String(),
		TargetAppID:   appID,
		State:         event.StateRunning,
		FocusStrategy: strategy,
		CurrentStep:   step,
		StartedAt:     p.now(),
	}
	if p.window.Matches(appID) {
		s.TargetProcessID = p.window.PID
	}
	p.session = s
	p.checkpoint = step
	p.startTicker()
	slog.Info("session started", "session_id", s.ID, "app_id", appID, "strategy", strategy, "step", step)
	p.publishSession()
}

func (p *Player) apply(c sessionCmd) error {
	s := p.session
	if s == nil {
		return ErrNoSession
	}
	now := p.now()

	switch c.op {
	case opPause:
		if s.State != event.StateRunning {
			return fmt.Errorf("%w: pause while %s", ErrInvalidState, s.State)
		}
		s.State = event.StatePaused
		s.PausedAt = &now
		s.PauseReason = c.reason
		p.stopTicker()

	case opResume:
		if s.State != event.StatePaused {
			return fmt.Errorf("%w: resume while %s", ErrInvalidState, s.State)
		}
		if s.PausedAt != nil {
			s.TotalPauseDuration += now.Sub(*s.PausedAt).Seconds()
		}
		s.State = event.StateRunning
		s.ResumedAt = &now
		s.PausedAt = nil
		s.PauseReason = event.PauseCauseNone
		p.startTicker()

	case opStop:
		if s.State.IsTerminal() {
			return fmt.Errorf("%w: stop while %s", ErrInvalidState, s.State)
		}
		if s.PausedAt != nil {
			s.TotalPauseDuration += now.Sub(*s.PausedAt).Seconds()
			s.PausedAt = nil
		}
		s.PauseReason = event.PauseCauseNone
		s.State = event.StateAborted
		if c.reason == event.PauseCauseFocusLost {
			s.State = event.StateFailed
		}
		p.stopTicker()

	case opRetry, opReset:
		if c.sessionID != s.ID {
			return fmt.Errorf("%w: %s", ErrUnknownSession, c.sessionID)
		}
		if s.State != event.StateFailed && s.State != event.StateAborted {
			return fmt.Errorf("%w: recover while %s", ErrInvalidState, s.State)
		}
		step := 0
		if c.op == opReset {
			step = p.checkpoint
		}
		// a recovered run is a new session; steps never rewind within one
		p.begin(s.TargetAppID, s.FocusStrategy, step)
		return nil
	}

	slog.Info("session updated", "session_id", s.ID, "state", s.State, "step", s.CurrentStep)
	p.publishSession()
	return nil
}

func (p *Player) step() {
	s := p.session
	if s == nil || s.State != event.StateRunning {
		p.stopTicker()
		return
	}
	s.CurrentStep++
	if s.CurrentStep%p.cfg.CheckpointEvery == 0 {
		p.checkpoint = s.CurrentStep
	}
	if s.CurrentStep >= p.cfg.TotalSteps {
		s.State = event.StateCompleted
		p.stopTicker()
		slog.Info("session completed", "session_id", s.ID, "steps", s.CurrentStep)
	}
	p.publishSession()
}

func (p *Player) publishSession() {
	if p.session == nil {
		p.publish(event.ChannelPlaybackStatus, nil)
		return
	}
	p.publish(event.ChannelPlaybackStatus, p.session.Clone())
}

func (p *Player) handleWindow(w collector.Window) {
	p.window = w
	p.updateFocus(false)
}

// updateFocus recomputes focus for the tracked target. It publishes a focus
// state when the window changed (or force is set) and a focus event when
// the target gained or lost focus.
func (p *Player) updateFocus(force bool) {
	if p.target == "" {
		return
	}
	focused := p.window.Matches(p.target)

	prev := p.focus
	changed := prev == nil || prev.IsTargetProcessFocused != focused ||
		ptrValue(prev.FocusedWindowTitle) != p.window.Title ||
		ptrValue(prev.FocusedProcessID) != p.window.PID
	if !changed && !force {
		return
	}

	// last_change strictly increases so consumers can drop reordered updates
	at := p.now()
	if !at.After(p.lastChange) {
		at = p.lastChange.Add(time.Nanosecond)
	}
	p.lastChange = at
	fs := &event.FocusState{IsTargetProcessFocused: focused, LastChange: at}
	if p.window.PID != 0 {
		pid := p.window.PID
		fs.FocusedProcessID = &pid
	}
	if p.window.Title != "" {
		title := p.window.Title
		fs.FocusedWindowTitle = &title
	}
	p.focus = fs
	p.publish(event.ChannelFocusState, *fs)

	if prev == nil || prev.IsTargetProcessFocused == focused {
		return
	}
	typ := event.FocusEventLost
	if focused {
		typ = event.FocusEventGained
	}
	slog.Info("target focus changed", "app_id", p.target, "event", typ, "window", collector.Truncate(p.window.Title, 50))
	p.publish(event.ChannelFocusEvent, event.FocusEvent{
		Type: typ,
		Data: event.FocusEventData{
			AppID:           p.target,
			ApplicationName: p.target,
			ProcessID:       p.window.PID,
			WindowTitle:     p.window.Title,
		},
		Timestamp: at,
	})
}

func ptrValue[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}

func (p *Player) startTicker() {
	p.stopTicker()
	p.ticker = time.NewTicker(p.cfg.StepInterval)
}

func (p *Player) stopTicker() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
}
