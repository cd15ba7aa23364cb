package enginesim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"focusplay/internal/collector"
	"focusplay/internal/event"
	"focusplay/internal/ipc"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 90 * time.Second
)

// peer is one connected client and its subscriptions.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	focus    bool
	playback bool
}

func (p *peer) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func (p *peer) subscribed(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channel == event.ChannelPlaybackStatus {
		return p.playback
	}
	return p.focus
}

// Server exposes a Player over the engine websocket protocol.
type Server struct {
	player   *Player
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

// NewServer wraps player, whose publish func should be the server's Publish.
// New builds both together.
func NewServer(player *Player) *Server {
	return &Server{
		player: player,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

// New builds a player and the server publishing its updates.
func New(cfg Config, probe collector.Probe) (*Server, *Player) {
	s := NewServer(nil)
	s.player = NewPlayer(cfg, probe, s.Publish)
	return s, s.player
}

// Handler routes /ws to the engine protocol and /healthz to a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "peers": s.PeerCount()})
	})
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("engine simulator listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Disconnect()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Disconnect drops every client connection.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.conn.Close()
	}
}

// Publish sends an event frame to every peer subscribed to channel.
func (s *Server) Publish(channel string, payload interface{}) {
	// an absent session is an explicit null
	raw := json.RawMessage("null")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			slog.Error("failed to encode push", "channel", channel, "error", err)
			return
		}
		raw = b
	}
	frame, err := json.Marshal(ipc.Envelope{Type: ipc.TypeEvent, Channel: channel, Payload: raw})
	if err != nil {
		return
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.subscribed(channel) {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(frame); err != nil {
			slog.Warn("push failed, dropping peer", "channel", channel, "error", err)
			p.conn.Close()
		}
	}
}

// HandleWebSocket handles incoming engine client connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "error", err)
		return
	}
	go s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	slog.Info("engine client connected", "remote", conn.RemoteAddr().String())

	done := make(chan struct{})
	defer func() {
		close(done)
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
		slog.Info("engine client disconnected", "remote", conn.RemoteAddr().String())
	}()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	go s.pingLoop(p, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var env ipc.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			slog.Warn("invalid message", "error", err)
			continue
		}
		if env.Type != ipc.TypeCommand {
			slog.Debug("ignoring frame", "type", env.Type)
			continue
		}

		var cmd ipc.Command
		var resp ipc.Response
		var after func()
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			resp = ipc.Fail(fmt.Sprintf("invalid command: %v", err))
		} else {
			resp, after = s.dispatch(p, cmd)
		}

		frame, err := ipc.MarshalEnvelope(ipc.TypeResponse, env.ID, "", resp)
		if err != nil {
			slog.Error("failed to encode response", "command", cmd.Name, "error", err)
			continue
		}
		if err := p.write(frame); err != nil {
			slog.Warn("write failed", "error", err)
			return
		}
		if after != nil {
			after()
		}
	}
}

func (s *Server) pingLoop(p *peer, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch runs one command. after, when set, runs once the response is
// written (initial snapshots follow the subscribe acknowledgement).
func (s *Server) dispatch(p *peer, cmd ipc.Command) (resp ipc.Response, after func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Debug("engine command", "name", cmd.Name)

	var err error
	switch cmd.Name {
	case ipc.CmdStartPlayback:
		var args ipc.StartPlaybackArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err != nil {
			break
		}
		var id string
		if id, err = s.player.StartPlayback(ctx, args.AppID, args.FocusStrategy); err == nil {
			return ipc.OK("playback started", ipc.StartPlaybackResult{SessionID: id}), nil
		}

	case ipc.CmdPausePlayback:
		var args ipc.PausePlaybackArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err == nil {
			err = s.player.PausePlayback(ctx, args.Reason)
		}

	case ipc.CmdResumePlayback:
		err = s.player.ResumePlayback(ctx)

	case ipc.CmdStopPlayback:
		var args ipc.StopPlaybackArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err == nil {
			err = s.player.StopPlayback(ctx, args.Reason)
		}

	case ipc.CmdSubscribeFocusUpdates:
		var args ipc.AppArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err != nil {
			break
		}
		if args.AppID == "" {
			err = errors.New("app_id is required")
			break
		}
		p.mu.Lock()
		p.focus = true
		p.mu.Unlock()
		// Track publishes the current focus state to subscribers
		return ipc.OK("subscribed", nil), func() {
			if err := s.player.Track(context.Background(), args.AppID); err != nil {
				slog.Warn("track failed", "app_id", args.AppID, "error", err)
			}
		}

	case ipc.CmdUnsubscribeFocusUpdates:
		p.mu.Lock()
		p.focus = false
		p.mu.Unlock()

	case ipc.CmdSubscribePlaybackUpdates:
		p.mu.Lock()
		p.playback = true
		p.mu.Unlock()
		return ipc.OK("subscribed", nil), func() { s.sendSnapshot(p) }

	case ipc.CmdUnsubscribePlaybackUpdates:
		p.mu.Lock()
		p.playback = false
		p.mu.Unlock()

	case ipc.CmdRetryFailedSession:
		var args ipc.SessionArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err == nil {
			err = s.player.RetryFailedSession(ctx, args.SessionID)
		}

	case ipc.CmdResetSessionToCheckpoint:
		var args ipc.SessionArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err == nil {
			err = s.player.ResetSessionToCheckpoint(ctx, args.SessionID)
		}

	case ipc.CmdBringApplicationToFocus:
		var args ipc.AppArgs
		if err = ipc.DecodeArgs(cmd.Args, &args); err == nil {
			err = s.player.BringApplicationToFocus(args.AppID)
		}

	default:
		err = fmt.Errorf("unknown command: %s", cmd.Name)
	}

	if err != nil {
		slog.Info("engine command rejected", "name", cmd.Name, "error", err)
		return ipc.Fail(err.Error()), nil
	}
	return ipc.OK("", nil), nil
}

// sendSnapshot pushes the current session (or null) to one peer.
func (s *Server) sendSnapshot(p *peer) {
	snap, err := s.player.Snapshot(context.Background())
	if err != nil {
		return
	}
	payload := json.RawMessage("null")
	if snap.Session != nil {
		if payload, err = json.Marshal(snap.Session); err != nil {
			return
		}
	}
	frame, err := json.Marshal(ipc.Envelope{Type: ipc.TypeEvent, Channel: event.ChannelPlaybackStatus, Payload: payload})
	if err != nil {
		return
	}
	if err := p.write(frame); err != nil {
		slog.Warn("snapshot push failed", "error", err)
	}
}
