package app

import (
	"focusplay/internal/event"
	"focusplay/internal/notify"
	"focusplay/internal/progress"
	"focusplay/internal/stream"
)

// StatusData is the payload of the status control command.
type StatusData struct {
	Session    *event.PlaybackSession `json:"session"`
	Progress   *progress.Progress     `json:"progress,omitempty"`
	Focus      *event.FocusState      `json:"focus,omitempty"`
	Target     string                 `json:"target_app_id,omitempty"`
	Connection stream.ConnectionState `json:"connection"`
	// Recovery lists the actions the recovery panel offers for the session.
	Recovery      []notify.Action `json:"recovery,omitempty"`
	Notifications int             `json:"notifications"`
}

func (a *App) status() StatusData {
	s := a.machine.Session()
	st := StatusData{
		Session:       s,
		Focus:         a.stream.FocusState(),
		Target:        a.stream.Target(),
		Connection:    a.stream.Connection(),
		Notifications: a.notifier.Len(),
	}
	if p, ok := a.estimator.Estimate(s); ok {
		st.Progress = &p
	}
	st.Recovery = recoveryActions(s, st.Focus)
	if st.Connection.Exhausted {
		st.Recovery = append(st.Recovery, notify.Action{Kind: notify.ActionReconnect, Label: "Reconnect to the engine"})
	}
	return st
}

func recoveryActions(s *event.PlaybackSession, focus *event.FocusState) []notify.Action {
	if s == nil {
		return nil
	}
	var actions []notify.Action
	switch s.State {
	case event.StateFailed, event.StateAborted:
		actions = append(actions,
			notify.Action{Kind: notify.ActionRetry, Label: "Retry last operation"},
			notify.Action{Kind: notify.ActionResetCheckpoint, Label: "Reset to last checkpoint"},
		)
	case event.StatePaused:
		actions = append(actions, notify.Action{Kind: notify.ActionResume, Label: "Resume automation"})
	}
	if !s.State.IsTerminal() && focus != nil && !focus.IsTargetProcessFocused && s.TargetAppID != "" {
		actions = append(actions, notify.Action{Kind: notify.ActionBringToFocus, Label: "Bring application to focus"})
	}
	return actions
}
