package x11

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"
	"github.com/BurntSushi/xgbutil/icccm"

	"focusplay/internal/collector"
)

var ErrNoWindow = errors.New("no window for application")

type focusReply struct {
	w   collector.Window
	err error
}

// Probe reads the active window through EWMH.
type Probe struct {
	X            *xgbutil.XUtil
	lastFocus    collector.Window
	stopChan     chan struct{}
	focusRequest chan chan focusReply
}

var _ collector.Probe = (*Probe)(nil)

func NewProbe() (*Probe, error) {
	X, err := xgbutil.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	// _NET_ACTIVE_WINDOW and _NET_WM_NAME need an EWMH window manager
	if _, err := ewmh.CurrentDesktopGet(X); err != nil {
		slog.Warn("EWMH may not be supported by the window manager", "error", err)
	}

	return &Probe{
		X:            X,
		stopChan:     make(chan struct{}),
		focusRequest: make(chan chan focusReply),
	}, nil
}

func (p *Probe) activeWindow() (collector.Window, error) {
	win, err := ewmh.ActiveWindowGet(p.X)
	if err != nil {
		return collector.Window{}, fmt.Errorf("could not get active window ID: %w", err)
	}
	if win == 0 {
		return collector.Window{}, nil
	}

	title, err := ewmh.WmNameGet(p.X, win)
	if err != nil || title == "" {
		title, err = icccm.WmNameGet(p.X, win)
		if err != nil {
			title = ""
		}
	}

	w := collector.Window{Title: title}
	if class, err := icccm.WmClassGet(p.X, win); err == nil && class != nil {
		w.AppName = class.Class
	}
	if pid, err := ewmh.WmPidGet(p.X, win); err == nil {
		w.PID = int(pid)
	}
	return w, nil
}

func (p *Probe) Start(ctx context.Context, interval time.Duration, output chan<- collector.Window) error {
	slog.Info("starting X11 focus probe", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// the WM may not answer right after startup
	var err error
	for i := 0; i < 3; i++ {
		if p.lastFocus, err = p.activeWindow(); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		slog.Warn("failed to read initial window focus", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopChan:
			slog.Info("X11 focus probe stopped")
			return nil
		case reply := <-p.focusRequest:
			w, err := p.activeWindow()
			reply <- focusReply{w: w, err: err}
		case <-ticker.C:
			current, err := p.activeWindow()
			if err != nil {
				continue
			}
			if current == p.lastFocus {
				continue
			}
			slog.Debug("focus changed", "app", current.AppName, "title", collector.Truncate(current.Title, 50), "pid", current.PID)
			select {
			case output <- current:
				p.lastFocus = current
			case <-ctx.Done():
				return ctx.Err()
			case <-p.stopChan:
				return nil
			}
		}
	}
}

// CurrentFocus asks the running probe loop for the active window.
func (p *Probe) CurrentFocus() (collector.Window, error) {
	reply := make(chan focusReply, 1)
	select {
	case p.focusRequest <- reply:
		select {
		case r := <-reply:
			return r.w, r.err
		case <-time.After(time.Second):
			return collector.Window{}, fmt.Errorf("timeout waiting for current focus response")
		}
	case <-time.After(100 * time.Millisecond):
		return collector.Window{}, fmt.Errorf("timeout sending focus request to probe")
	}
}

// Activate asks the window manager to focus the first client whose WM_CLASS
// matches appID.
func (p *Probe) Activate(appID string) error {
	clients, err := ewmh.ClientListGet(p.X)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	for _, win := range clients {
		class, err := icccm.WmClassGet(p.X, win)
		if err != nil || class == nil {
			continue
		}
		if strings.EqualFold(class.Class, appID) || strings.EqualFold(class.Instance, appID) {
			return ewmh.ActiveWindowReq(p.X, win)
		}
	}
	return fmt.Errorf("%w: %s", ErrNoWindow, appID)
}

func (p *Probe) Stop() error {
	select {
	case <-p.stopChan:
	default:
		close(p.stopChan)
	}
	return nil
}
