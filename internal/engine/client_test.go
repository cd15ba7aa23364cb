package engine_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusplay/internal/collector"
	"focusplay/internal/engine"
	"focusplay/internal/enginesim"
	"focusplay/internal/event"
)

func startSimulator(t *testing.T) (*httptest.Server, *enginesim.Server, *collector.Static, string) {
	t.Helper()
	probe := collector.NewStatic(collector.Window{AppName: "term", Title: "shell"})
	srv, player := enginesim.New(enginesim.Config{StepInterval: time.Hour}, probe)
	player.Start()
	t.Cleanup(player.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv, probe, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// next waits for the next push on channel, skipping others.
func next(t *testing.T, c *engine.Client, channel string) engine.Push {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-c.Events():
			if p.Err != nil || p.Channel == channel {
				return p
			}
		case <-timeout:
			t.Fatalf("no push on %s", channel)
		}
	}
}

func TestClientPlaybackRoundTrip(t *testing.T) {
	_, _, _, url := startSimulator(t)
	c := engine.NewClient(url)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SubscribePlaybackUpdates(ctx))
	snap := next(t, c, event.ChannelPlaybackStatus)
	assert.JSONEq(t, "null", string(snap.Payload), "no session yet")

	id, err := c.StartPlayback(ctx, "calc", event.StrategyAutoPause)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var s event.PlaybackSession
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelPlaybackStatus).Payload, &s))
	assert.Equal(t, id, s.ID)
	assert.Equal(t, event.StateRunning, s.State)

	require.NoError(t, c.PausePlayback(ctx, event.PauseCauseUser))
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelPlaybackStatus).Payload, &s))
	assert.Equal(t, event.StatePaused, s.State)
	assert.Equal(t, event.PauseCauseUser, s.PauseReason)

	err = c.PausePlayback(ctx, event.PauseCauseUser)
	var cmdErr *engine.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Message, "not valid")

	require.NoError(t, c.StopPlayback(ctx, event.PauseCauseFocusLost))
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelPlaybackStatus).Payload, &s))
	assert.Equal(t, event.StateFailed, s.State)

	require.NoError(t, c.RetryFailedSession(ctx, id))
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelPlaybackStatus).Payload, &s))
	assert.NotEqual(t, id, s.ID)

	require.NoError(t, c.UnsubscribePlaybackUpdates(ctx))
}

func TestClientFocusUpdates(t *testing.T) {
	_, _, probe, url := startSimulator(t)
	c := engine.NewClient(url)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SubscribeFocusUpdates(ctx, "calc"))
	var fs event.FocusState
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelFocusState).Payload, &fs))
	assert.False(t, fs.IsTargetProcessFocused)

	probe.Set(collector.Window{AppName: "calc", Title: "Calculator", PID: 7})
	var fe event.FocusEvent
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelFocusEvent).Payload, &fe))
	assert.Equal(t, event.FocusEventGained, fe.Type)
	assert.Equal(t, 7, fe.Data.ProcessID)

	require.NoError(t, c.BringApplicationToFocus(ctx, "term"))
	require.NoError(t, json.Unmarshal(next(t, c, event.ChannelFocusEvent).Payload, &fe))
	assert.Equal(t, event.FocusEventLost, fe.Type)
}

func TestClientReportsDisconnect(t *testing.T) {
	ts, sim, _, url := startSimulator(t)
	c := engine.NewClient(url)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SubscribePlaybackUpdates(ctx))
	next(t, c, event.ChannelPlaybackStatus)

	sim.Disconnect()
	p := next(t, c, "")
	require.Error(t, p.Err)
	assert.ErrorIs(t, p.Err, engine.ErrDisconnected)

	ts.Close()
	err := c.SubscribePlaybackUpdates(ctx)
	assert.ErrorIs(t, err, engine.ErrDisconnected)
}

func TestClientUnknownCommandArgs(t *testing.T) {
	_, _, _, url := startSimulator(t)
	c := engine.NewClient(url)
	defer c.Close()

	err := c.SubscribeFocusUpdates(context.Background(), "")
	var cmdErr *engine.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "subscribe_focus_updates", cmdErr.Command)
}
