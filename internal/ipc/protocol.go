package ipc

import (
	"encoding/json"
	"fmt"

	"focusplay/internal/event"
)

const SocketPath = "/tmp/focusplay.sock"

// Command represents a command sent over the control socket or to the engine
type Command struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

// Response represents a response sent back for a command
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful response, marshaling data when present.
func OK(message string, data interface{}) Response {
	resp := Response{Success: true, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(fmt.Sprintf("failed to encode response data: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

func Fail(message string) Response {
	return Response{Success: false, Message: message}
}

// DecodeArgs converts loosely typed args (a map after JSON decoding, or a
// typed struct on the sending side) into the target struct.
func DecodeArgs(input interface{}, output interface{}) error {
	if input == nil {
		return nil
	}
	var raw []byte
	switch v := input.(type) {
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("failed to marshal args: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, output); err != nil {
		return fmt.Errorf("failed to unmarshal args into struct: %w", err)
	}
	return nil
}

// --- Engine wire envelope ---

// Envelope types on the engine websocket.
const (
	TypeCommand  = "command"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Envelope wraps every frame exchanged with the engine.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope frame with the given payload
func MarshalEnvelope(typ, id, channel string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Channel: channel, Payload: raw})
}

// --- Engine command names ---

const (
	CmdStartPlayback              = "start_playback"
	CmdPausePlayback              = "pause_playback"
	CmdResumePlayback             = "resume_playback"
	CmdStopPlayback               = "stop_playback"
	CmdSubscribeFocusUpdates      = "subscribe_focus_updates"
	CmdUnsubscribeFocusUpdates    = "unsubscribe_focus_updates"
	CmdSubscribePlaybackUpdates   = "subscribe_playback_updates"
	CmdUnsubscribePlaybackUpdates = "unsubscribe_playback_updates"
	CmdRetryFailedSession         = "retry_failed_session"
	CmdResetSessionToCheckpoint   = "reset_session_to_checkpoint"
	CmdBringApplicationToFocus    = "bring_application_to_focus"
)

type StartPlaybackArgs struct {
	AppID         string              `json:"app_id"`
	FocusStrategy event.FocusStrategy `json:"focus_strategy"`
}

type StartPlaybackResult struct {
	SessionID string `json:"session_id"`
}

type PausePlaybackArgs struct {
	Reason event.PauseCause `json:"reason"`
}

type StopPlaybackArgs struct {
	Reason event.PauseCause `json:"reason,omitempty"`
}

type AppArgs struct {
	AppID string `json:"app_id"`
}

type SessionArgs struct {
	SessionID string `json:"session_id"`
}

// --- Control socket (CLI -> daemon) ---

const (
	CtlPing               = "ping"
	CtlStatus             = "status"
	CtlStart              = "start"
	CtlPause              = "pause"
	CtlResume             = "resume"
	CtlStop               = "stop"
	CtlNotifications      = "notifications"
	CtlDismiss            = "dismiss"
	CtlClearNotifications = "clear_notifications"
	CtlRecover            = "recover"
	CtlReconnect          = "reconnect"
	CtlHistory            = "history"
)

type StartArgs struct {
	AppID    string `json:"app_id"`
	Strategy string `json:"strategy"`
}

type DismissArgs struct {
	ID string `json:"id"`
}

type RecoverArgs struct {
	NotificationID string `json:"notification_id,omitempty"`
	Action         string `json:"action"`
}

type HistoryArgs struct {
	Since string `json:"since"` // duration, e.g. "1h"
	Limit int    `json:"limit"`
}
