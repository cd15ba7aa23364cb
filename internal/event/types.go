package event

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the lifecycle state of a playback session as reported by the engine.
type SessionState string

const (
	StateRunning   SessionState = "running"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateAborted   SessionState = "aborted"
)

// IsTerminal reports whether no further transition is accepted from s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// FocusStrategy decides what losing OS focus does to a session. Fixed per session.
type FocusStrategy string

const (
	StrategyAutoPause   FocusStrategy = "auto_pause"
	StrategyStrictError FocusStrategy = "strict_error"
	StrategyIgnore      FocusStrategy = "ignore"
)

// ParseFocusStrategy accepts the wire names plus a few CLI-friendly aliases.
func ParseFocusStrategy(s string) (FocusStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto_pause", "autopause", "pause":
		return StrategyAutoPause, nil
	case "strict_error", "stricterror", "strict":
		return StrategyStrictError, nil
	case "ignore":
		return StrategyIgnore, nil
	}
	return "", fmt.Errorf("unknown focus strategy %q (want auto_pause, strict_error or ignore)", s)
}

// PauseCause records why a session is paused. Only focus-loss pauses are auto-resumed.
type PauseCause string

const (
	PauseCauseNone      PauseCause = ""
	PauseCauseUser      PauseCause = "user"
	PauseCauseFocusLost PauseCause = "focus_lost"
)

// PlaybackSession is one automation run. The same shape is used for the
// engine's session payload and for the locally held copy.
type PlaybackSession struct {
	ID              string        `json:"id"`
	TargetAppID     string        `json:"target_app_id"`
	TargetProcessID int           `json:"target_process_id"`
	State           SessionState  `json:"state"`
	FocusStrategy   FocusStrategy `json:"focus_strategy"`
	CurrentStep     int           `json:"current_step"`
	StartedAt       time.Time     `json:"started_at"`
	PausedAt        *time.Time    `json:"paused_at,omitempty"`
	ResumedAt       *time.Time    `json:"resumed_at,omitempty"`
	// Seconds spent paused over the whole session.
	TotalPauseDuration float64    `json:"total_pause_duration"`
	PauseReason        PauseCause `json:"pause_reason,omitempty"`
}

// Clone returns a deep copy so readers never share the writer's timestamps.
func (s *PlaybackSession) Clone() *PlaybackSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	if s.ResumedAt != nil {
		t := *s.ResumedAt
		c.ResumedAt = &t
	}
	return &c
}

// PauseTotal returns TotalPauseDuration as a time.Duration.
func (s *PlaybackSession) PauseTotal() time.Duration {
	return time.Duration(s.TotalPauseDuration * float64(time.Second))
}

// FocusState is the latest OS focus snapshot. Replaced wholesale, never merged.
type FocusState struct {
	IsTargetProcessFocused bool      `json:"is_target_process_focused"`
	FocusedProcessID       *int      `json:"focused_process_id,omitempty"`
	FocusedWindowTitle     *string   `json:"focused_window_title,omitempty"`
	LastChange             time.Time `json:"last_change"`
}

// Push channel names used by the engine.
const (
	ChannelFocusState     = "focus_state_update"
	ChannelPlaybackStatus = "playback_status_update"
	ChannelFocusEvent     = "focus_event"
)

type FocusEventType string

const (
	FocusEventLost   FocusEventType = "target_process_lost_focus"
	FocusEventGained FocusEventType = "target_process_gained_focus"
	FocusEventError  FocusEventType = "focus_error"
)

// FocusEvent is a generic focus notification pushed on ChannelFocusEvent.
type FocusEvent struct {
	Type      FocusEventType `json:"type"`
	Data      FocusEventData `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

type FocusEventData struct {
	AppID           string `json:"app_id,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
	ProcessID       int    `json:"process_id,omitempty"`
	WindowTitle     string `json:"window_title,omitempty"`
	Message         string `json:"message,omitempty"`
}

// EntryKind tags journal rows.
type EntryKind string

const (
	EntryFocusState   EntryKind = "focus_state"
	EntrySession      EntryKind = "session"
	EntryNotification EntryKind = "notification"
	EntryConnection   EntryKind = "connection"
)

// JournalEntry is what gets stored in the DB.
type JournalEntry struct {
	ID        int64     `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Kind      EntryKind `json:"kind" db:"kind"`
	SessionID string    `json:"session_id,omitempty" db:"session_id"`
	AppID     string    `json:"app_id,omitempty" db:"app_id"`
	State     string    `json:"state,omitempty" db:"state"` // session state, notification kind, or "connected"/"disconnected"
	Title     string    `json:"title,omitempty" db:"title"`
	Message   string    `json:"message,omitempty" db:"message"`
}
