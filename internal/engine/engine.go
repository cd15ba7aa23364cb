// Package engine is the boundary to the external Automation Engine: a set of
// request/response commands plus named push channels.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"focusplay/internal/event"
)

// ErrDisconnected is returned for commands issued while the transport is down.
var ErrDisconnected = errors.New("engine: not connected")

// CommandError is a command the engine received and rejected.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("engine rejected %s: %s", e.Command, e.Message)
}

// Push is one frame received on a push channel. Err is set instead of the
// payload when the push channel itself failed (connection dropped).
type Push struct {
	Channel string
	Payload json.RawMessage
	Err     error
}

// Engine is everything the control system may ask of the Automation Engine.
// All commands may fail; none of them changes local state by itself.
type Engine interface {
	StartPlayback(ctx context.Context, appID string, strategy event.FocusStrategy) (string, error)
	PausePlayback(ctx context.Context, reason event.PauseCause) error
	ResumePlayback(ctx context.Context) error
	StopPlayback(ctx context.Context, reason event.PauseCause) error

	SubscribeFocusUpdates(ctx context.Context, appID string) error
	UnsubscribeFocusUpdates(ctx context.Context) error
	SubscribePlaybackUpdates(ctx context.Context) error
	UnsubscribePlaybackUpdates(ctx context.Context) error

	RetryFailedSession(ctx context.Context, sessionID string) error
	ResetSessionToCheckpoint(ctx context.Context, sessionID string) error
	BringApplicationToFocus(ctx context.Context, appID string) error

	// Events returns the push stream. The channel lives as long as the Engine.
	Events() <-chan Push
}
