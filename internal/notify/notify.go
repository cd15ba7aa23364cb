// Package notify turns session and focus events into a bounded,
// priority-ordered list of user-facing notifications with recovery actions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"focusplay/internal/event"
)

// DefaultCapacity is how many notifications are retained.
const DefaultCapacity = 10

// DefaultDismissGrace is how long a notification stays after its recovery action succeeded.
const DefaultDismissGrace = 1500 * time.Millisecond

var (
	ErrNotFound      = errors.New("notification not found")
	ErrUnknownAction = errors.New("action not available for notification")
)

// Kind represents the type of notification
type Kind string

const (
	KindFocusLost         Kind = "focus_lost"
	KindFocusGained       Kind = "focus_gained"
	KindAutomationPaused  Kind = "automation_paused"
	KindAutomationResumed Kind = "automation_resumed"
	KindError             Kind = "error"
	KindInfo              Kind = "info"
)

// Priority orders display: higher first.
func (k Kind) Priority() int {
	switch k {
	case KindError:
		return 3
	case KindFocusLost, KindAutomationPaused:
		return 2
	case KindFocusGained, KindAutomationResumed:
		return 1
	}
	return 0
}

type ActionKind string

const (
	ActionBringToFocus    ActionKind = "bring_to_focus"
	ActionRetry           ActionKind = "retry"
	ActionResetCheckpoint ActionKind = "reset_checkpoint"
	ActionResume          ActionKind = "resume"
	ActionReconnect       ActionKind = "reconnect"
)

// Source is what an error notification is about. It decides which recovery
// actions make sense.
type Source string

const (
	SourceSession    Source = "session"
	SourceConnection Source = "connection"
	SourceCommand    Source = "command"
	SourceFocus      Source = "focus"
)

// Action is a recovery step offered to the user. Never executed automatically.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Label string     `json:"label"`
}

// Record is a user-facing alert.
type Record struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	ApplicationName string    `json:"application_name,omitempty"`
	AppID           string    `json:"app_id,omitempty"`
	Source          Source    `json:"source,omitempty"`
	Actions         []Action  `json:"actions,omitempty"`
}

// Event is the input to OnEvent. Empty Title/Message get defaults for the kind.
type Event struct {
	Kind            Kind
	Title           string
	Message         string
	ApplicationName string
	AppID           string
	Source          Source
	Timestamp       time.Time
	// Rerun backs the reconnect action of connection errors and the retry
	// action of command errors.
	Rerun func(ctx context.Context) error
}

// Recoverer is the session-side half of recovery actions.
type Recoverer interface {
	Session() *event.PlaybackSession
	RequestResume(ctx context.Context) error
	RequestRetry(ctx context.Context) error
	RequestResetToCheckpoint(ctx context.Context) error
}

// Focuser brings an application to the foreground.
type Focuser interface {
	BringApplicationToFocus(ctx context.Context, appID string) error
}

type Option func(*Engine)

func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

func WithDismissGrace(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithSink registers a callback for every stored notification (journal, desktop, ...).
func WithSink(fn func(Record)) Option {
	return func(e *Engine) { e.sink = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine holds the notification list.
type Engine struct {
	rec     Recoverer
	focuser Focuser

	capacity int
	grace    time.Duration
	now      func() time.Time
	sink     func(Record)

	mu      sync.Mutex
	records []*Record // newest insert first
	timers  map[string]*time.Timer
	reruns  map[string]func(ctx context.Context) error
}

func New(rec Recoverer, focuser Focuser, opts ...Option) *Engine {
	e := &Engine{
		rec:      rec,
		focuser:  focuser,
		capacity: DefaultCapacity,
		grace:    DefaultDismissGrace,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		reruns:   make(map[string]func(ctx context.Context) error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnEvent stores a notification for ev and returns it. Nil is returned for
// events that produce no notification, and for a record older than every
// retained one when the list is full.
func (e *Engine) OnEvent(ev Event) *Record {
	if ev.Kind == "" {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if ev.AppID == "" && ev.Kind == KindFocusLost && e.rec != nil {
		if s := e.rec.Session(); s != nil {
			ev.AppID = s.TargetAppID
		}
	}

	r := &Record{
		ID:              uuid.New().String(),
		Kind:            ev.Kind,
		Title:           ev.Title,
		Message:         ev.Message,
		Timestamp:       ev.Timestamp,
		ApplicationName: ev.ApplicationName,
		AppID:           ev.AppID,
		Source:          ev.Source,
	}
	fillDefaults(r)
	r.Actions = actionsFor(r, ev.Rerun != nil)

	e.mu.Lock()
	e.records = append([]*Record{r}, e.records...)
	if ev.Rerun != nil {
		e.reruns[r.ID] = ev.Rerun
	}
	kept := true
	for len(e.records) > e.capacity {
		if e.evictOldestLocked() == r.ID {
			kept = false
		}
	}
	out := *r
	e.mu.Unlock()

	if !kept {
		slog.Debug("notification older than every retained one, dropped", "kind", out.Kind, "title", out.Title)
		return nil
	}

	if e.sink != nil {
		e.sink(out)
	}
	return &out
}

// evictOldestLocked drops the record with the earliest timestamp; among
// equal timestamps the earliest inserted goes first. It returns the dropped id.
func (e *Engine) evictOldestLocked() string {
	idx := len(e.records) - 1
	for i := len(e.records) - 1; i >= 0; i-- {
		if e.records[i].Timestamp.Before(e.records[idx].Timestamp) {
			idx = i
		}
	}
	id := e.records[idx].ID
	e.removeLocked(idx)
	return id
}

func (e *Engine) removeLocked(idx int) {
	id := e.records[idx].ID
	e.records = append(e.records[:idx], e.records[idx+1:]...)
	delete(e.reruns, id)
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func fillDefaults(r *Record) {
	app := r.ApplicationName
	if app == "" {
		app = r.AppID
	}
	if r.Title == "" {
		switch r.Kind {
		case KindFocusLost:
			r.Title = "Focus Lost"
		case KindFocusGained:
			r.Title = "Focus Restored"
		case KindAutomationPaused:
			r.Title = "Automation Paused"
		case KindAutomationResumed:
			r.Title = "Automation Resumed"
		case KindError:
			r.Title = "Automation Error"
		default:
			r.Title = "Notice"
		}
	}
	if r.Message == "" {
		switch r.Kind {
		case KindFocusLost:
			if app != "" {
				r.Message = fmt.Sprintf("%s is no longer the focused window", app)
			} else {
				r.Message = "The target application is no longer the focused window"
			}
		case KindFocusGained:
			if app != "" {
				r.Message = fmt.Sprintf("%s has focus again", app)
			} else {
				r.Message = "The target application has focus again"
			}
		case KindAutomationPaused:
			r.Message = "Playback is paused"
		case KindAutomationResumed:
			r.Message = "Playback resumed"
		case KindError:
			r.Message = "An unknown error occurred"
		}
	}
}

func actionsFor(r *Record, rerun bool) []Action {
	switch r.Kind {
	case KindFocusLost:
		if r.AppID != "" {
			return []Action{{Kind: ActionBringToFocus, Label: "Bring application to focus"}}
		}
	case KindError:
		switch r.Source {
		case SourceSession:
			return []Action{
				{Kind: ActionRetry, Label: "Retry last operation"},
				{Kind: ActionResetCheckpoint, Label: "Reset to last checkpoint"},
			}
		case SourceConnection:
			if rerun {
				return []Action{{Kind: ActionReconnect, Label: "Reconnect to the engine"}}
			}
		case SourceCommand:
			if rerun {
				return []Action{{Kind: ActionRetry, Label: "Retry the failed command"}}
			}
		}
	case KindAutomationPaused:
		return []Action{{Kind: ActionResume, Label: "Resume automation"}}
	}
	return nil
}

// Records returns the notifications sorted by priority, then newest first.
func (e *Engine) Records() []Record {
	e.mu.Lock()
	out := make([]Record, len(e.records))
	for i, r := range e.records {
		out[i] = *r
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Kind.Priority(), out[j].Kind.Priority()
		if pi != pj {
			return pi > pj
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Dismiss removes a notification. Unknown ids are ignored.
func (e *Engine) Dismiss(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.records {
		if r.ID == id {
			e.removeLocked(i)
			return true
		}
	}
	return false
}

// ClearAll removes every notification and cancels pending auto-dismissals.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	clear(e.reruns)
	e.records = nil
}

func (e *Engine) find(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.records {
		if r.ID == id {
			return *r, true
		}
	}
	return Record{}, false
}

// Invoke runs a recovery action of notification id. On success the
// notification is dismissed after the grace delay; on failure it stays and
// the action may be invoked again.
func (e *Engine) Invoke(ctx context.Context, id string, action ActionKind) error {
	r, ok := e.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !hasAction(r, action) {
		return fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, r.Kind)
	}

	if err := e.run(ctx, r, action); err != nil {
		slog.Warn("recovery action failed", "notification_id", id, "action", action, "error", err)
		return err
	}
	e.scheduleDismiss(id)
	return nil
}

func hasAction(r Record, action ActionKind) bool {
	for _, a := range r.Actions {
		if a.Kind == action {
			return true
		}
	}
	return false
}

func (e *Engine) rerun(id string) func(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reruns[id]
}

func (e *Engine) run(ctx context.Context, r Record, action ActionKind) error {
	if r.Source == SourceConnection || r.Source == SourceCommand {
		fn := e.rerun(r.ID)
		if fn == nil {
			return fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, r.Source)
		}
		return fn(ctx)
	}

	switch action {
	case ActionBringToFocus:
		if e.focuser == nil {
			return errors.New("no engine to bring application to focus")
		}
		return e.focuser.BringApplicationToFocus(ctx, r.AppID)
	case ActionRetry:
		return e.rec.RequestRetry(ctx)
	case ActionResetCheckpoint:
		return e.rec.RequestResetToCheckpoint(ctx)
	case ActionResume:
		return e.rec.RequestResume(ctx)
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

func (e *Engine) scheduleDismiss(id string) {
	if e.grace <= 0 {
		e.Dismiss(id)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(e.grace, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		e.Dismiss(id)
	})
}
