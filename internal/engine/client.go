package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"focusplay/internal/event"
	"focusplay/internal/ipc"
)

// pongWait is how long we wait for any frame (or ping) before treating the link as dead
const pongWait = 90 * time.Second

// writeWait is time allowed to write a frame
const writeWait = 10 * time.Second

// Client talks to the engine over a websocket. It dials lazily on the first
// command and redials on the next command after the link drops.
type Client struct {
	url    string
	dialer *websocket.Dialer
	events chan Push

	mu      sync.Mutex // guards conn and pending
	conn    *websocket.Conn
	pending map[string]chan ipc.Response

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

var _ Engine = (*Client)(nil)

// NewClient creates a client for the engine at url (ws:// or wss://).
func NewClient(url string) *Client {
	return &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		events:  make(chan Push, 64),
		pending: make(map[string]chan ipc.Response),
		done:    make(chan struct{}),
	}
}

func (c *Client) Events() <-chan Push { return c.events }

// Close drops the connection and fails pending commands. Events is not closed
// so consumers can keep selecting on it.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, ErrDisconnected
	default:
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, c.url, err)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	c.conn = conn
	go c.readLoop(conn)
	slog.Info("connected to automation engine", "url", c.url)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env ipc.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			slog.Warn("invalid frame from engine", "error", err)
			continue
		}

		switch env.Type {
		case ipc.TypeResponse:
			var resp ipc.Response
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				resp = ipc.Fail(fmt.Sprintf("undecodable response: %v", err))
			}
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case ipc.TypeEvent:
			c.deliver(Push{Channel: env.Channel, Payload: env.Payload})
		default:
			slog.Debug("ignoring frame", "type", env.Type)
		}
	}
}

// dropConn forgets conn (if still current), fails pending commands and
// reports the failure on the push stream.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan ipc.Response)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- ipc.Fail(ErrDisconnected.Error())
	}

	select {
	case <-c.done:
		return
	default:
	}
	slog.Warn("automation engine connection lost", "error", cause)
	c.deliver(Push{Err: fmt.Errorf("%w: %v", ErrDisconnected, cause)})
}

func (c *Client) deliver(p Push) {
	select {
	case c.events <- p:
	case <-c.done:
	}
}

// call sends a command and waits for its response.
func (c *Client) call(ctx context.Context, name string, args interface{}, out interface{}) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	id := uuid.New().String()
	frame, err := ipc.MarshalEnvelope(ipc.TypeCommand, id, "", ipc.Command{Name: name, Args: args})
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	respCh := make(chan ipc.Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropConn(conn, err)
		return fmt.Errorf("%w: send %s: %v", ErrDisconnected, name, err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Message == ErrDisconnected.Error() {
				return ErrDisconnected
			}
			return &CommandError{Command: name, Message: resp.Message}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s result: %w", name, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", name, ctx.Err())
	case <-c.done:
		return ErrDisconnected
	}
}

func (c *Client) StartPlayback(ctx context.Context, appID string, strategy event.FocusStrategy) (string, error) {
	var res ipc.StartPlaybackResult
	if err := c.call(ctx, ipc.CmdStartPlayback, ipc.StartPlaybackArgs{AppID: appID, FocusStrategy: strategy}, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (c *Client) PausePlayback(ctx context.Context, reason event.PauseCause) error {
	return c.call(ctx, ipc.CmdPausePlayback, ipc.PausePlaybackArgs{Reason: reason}, nil)
}

func (c *Client) ResumePlayback(ctx context.Context) error {
	return c.call(ctx, ipc.CmdResumePlayback, nil, nil)
}

func (c *Client) StopPlayback(ctx context.Context, reason event.PauseCause) error {
	return c.call(ctx, ipc.CmdStopPlayback, ipc.StopPlaybackArgs{Reason: reason}, nil)
}

func (c *Client) SubscribeFocusUpdates(ctx context.Context, appID string) error {
	return c.call(ctx, ipc.CmdSubscribeFocusUpdates, ipc.AppArgs{AppID: appID}, nil)
}

func (c *Client) UnsubscribeFocusUpdates(ctx context.Context) error {
	return c.call(ctx, ipc.CmdUnsubscribeFocusUpdates, nil, nil)
}

func (c *Client) SubscribePlaybackUpdates(ctx context.Context) error {
	return c.call(ctx, ipc.CmdSubscribePlaybackUpdates, nil, nil)
}

func (c *Client) UnsubscribePlaybackUpdates(ctx context.Context) error {
	return c.call(ctx, ipc.CmdUnsubscribePlaybackUpdates, nil, nil)
}

func (c *Client) RetryFailedSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, ipc.CmdRetryFailedSession, ipc.SessionArgs{SessionID: sessionID}, nil)
}

func (c *Client) ResetSessionToCheckpoint(ctx context.Context, sessionID string) error {
	return c.call(ctx, ipc.CmdResetSessionToCheckpoint, ipc.SessionArgs{SessionID: sessionID}, nil)
}

func (c *Client) BringApplicationToFocus(ctx context.Context, appID string) error {
	return c.call(ctx, ipc.CmdBringApplicationToFocus, ipc.AppArgs{AppID: appID}, nil)
}
