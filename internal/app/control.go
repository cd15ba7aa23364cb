package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"focusplay/internal/event"
	"focusplay/internal/ipc"
	"focusplay/internal/notify"
)

const defaultHistoryLimit = 50

func (a *App) listenForCommands() {
	defer slog.Debug("socket command listener stopped")

	for {
		conn, err := a.listener.AcceptUnix()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("failed to accept connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		a.wg.Go(func() { a.handleConnection(conn) })
	}
}

// handleConnection reads one command, processes it and sends the response
func (a *App) handleConnection(conn *net.UnixConn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd ipc.Command
	if err := decoder.Decode(&cmd); err != nil {
		if err != io.EOF {
			slog.Warn("failed to decode command", "error", err)
		}
		_ = encoder.Encode(ipc.Fail("Failed to decode command: " + err.Error()))
		return
	}

	conn.SetReadDeadline(time.Time{})
	slog.Debug("received command", "name", cmd.Name)

	response := a.processCommand(cmd)

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := encoder.Encode(response); err != nil {
		slog.Warn("failed to send response", "command", cmd.Name, "error", err)
	}
}

func invalidArgs(name string, err error) ipc.Response {
	return ipc.Fail(fmt.Sprintf("Invalid args for %s: %v", name, err))
}

// processCommand routes the command to the correct handler
func (a *App) processCommand(cmd ipc.Command) ipc.Response {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Engine.CommandTimeout())
	defer cancel()

	switch cmd.Name {
	case ipc.CtlPing:
		return ipc.OK("pong", nil)

	case ipc.CtlStatus:
		return ipc.OK("", a.status())

	case ipc.CtlStart:
		var args ipc.StartArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		if args.AppID == "" {
			args.AppID = a.stream.Target()
		}
		if args.AppID == "" {
			return ipc.Fail("An application id is required")
		}
		if args.Strategy == "" {
			args.Strategy = string(event.StrategyAutoPause)
		}
		strategy, err := event.ParseFocusStrategy(args.Strategy)
		if err != nil {
			return ipc.Fail(err.Error())
		}
		id, err := a.machine.RequestStart(ctx, args.AppID, strategy)
		if err != nil {
			return ipc.Fail(err.Error())
		}
		if args.AppID != a.stream.Target() {
			a.stream.SetTarget(args.AppID)
		}
		return ipc.OK(fmt.Sprintf("Playback started for %s (%s)", args.AppID, strategy), ipc.StartPlaybackResult{SessionID: id})

	case ipc.CtlPause:
		if err := a.machine.RequestPause(ctx, event.PauseCauseUser); err != nil {
			return ipc.Fail(err.Error())
		}
		return ipc.OK("Pause requested", nil)

	case ipc.CtlResume:
		if err := a.machine.RequestResume(ctx); err != nil {
			return ipc.Fail(err.Error())
		}
		return ipc.OK("Resume requested", nil)

	case ipc.CtlStop:
		if err := a.machine.RequestStop(ctx, event.PauseCauseNone); err != nil {
			return ipc.Fail(err.Error())
		}
		return ipc.OK("Stop requested", nil)

	case ipc.CtlNotifications:
		return ipc.OK("", a.notifier.Records())

	case ipc.CtlDismiss:
		var args ipc.DismissArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		if !a.notifier.Dismiss(args.ID) {
			return ipc.Fail(fmt.Sprintf("Notification %s not found", args.ID))
		}
		return ipc.OK("Notification dismissed", nil)

	case ipc.CtlClearNotifications:
		a.notifier.ClearAll()
		return ipc.OK("Notifications cleared", nil)

	case ipc.CtlRecover:
		var args ipc.RecoverArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		if err := a.runRecovery(ctx, args); err != nil {
			return ipc.Fail(err.Error())
		}
		return ipc.OK(fmt.Sprintf("Recovery action %s requested", args.Action), nil)

	case ipc.CtlReconnect:
		a.stream.Reconnect()
		return ipc.OK("Reconnect requested", nil)

	case ipc.CtlHistory:
		var args ipc.HistoryArgs
		if err := ipc.DecodeArgs(cmd.Args, &args); err != nil {
			return invalidArgs(cmd.Name, err)
		}
		since := time.Hour
		if args.Since != "" {
			d, err := time.ParseDuration(args.Since)
			if err != nil || d <= 0 {
				return ipc.Fail(fmt.Sprintf("Invalid duration %q", args.Since))
			}
			since = d
		}
		if args.Limit <= 0 {
			args.Limit = defaultHistoryLimit
		}
		entries, err := a.journal.Recent(ctx, time.Now().Add(-since), args.Limit)
		if err != nil {
			slog.Error("failed to read journal", "error", err)
			return ipc.Fail("Failed to read history: " + err.Error())
		}
		if entries == nil {
			entries = []event.JournalEntry{}
		}
		return ipc.OK("", entries)

	default:
		return ipc.Fail(fmt.Sprintf("Unknown command: %s", cmd.Name))
	}
}

// runRecovery runs a recovery action either from a notification or, without a
// notification id, directly against the current session.
func (a *App) runRecovery(ctx context.Context, args ipc.RecoverArgs) error {
	action := notify.ActionKind(args.Action)
	if args.NotificationID != "" {
		return a.notifier.Invoke(ctx, args.NotificationID, action)
	}

	switch action {
	case notify.ActionRetry:
		return a.machine.RequestRetry(ctx)
	case notify.ActionResetCheckpoint:
		return a.machine.RequestResetToCheckpoint(ctx)
	case notify.ActionResume:
		return a.machine.RequestResume(ctx)
	case notify.ActionReconnect:
		a.stream.Reconnect()
		return nil
	case notify.ActionBringToFocus:
		appID := a.stream.Target()
		if s := a.machine.Session(); s != nil && s.TargetAppID != "" {
			appID = s.TargetAppID
		}
		if appID == "" {
			return errors.New("no target application to focus")
		}
		return a.eng.BringApplicationToFocus(ctx, appID)
	}
	return fmt.Errorf("%w: %s", notify.ErrUnknownAction, args.Action)
}
