package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"focusplay/internal/app"
	"focusplay/internal/event"
	"focusplay/internal/ipc"
	"focusplay/internal/notify"
)

var (
	socketPath string
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:          "focusplay-cli",
	Short:        "CLI tool to interact with the focusplay daemon",
	Long:         `A command-line interface to start and control playback sessions, inspect focus and work through notifications of the running focusplay daemon via its Unix socket.`,
	SilenceUsage: true,
}

// sendCommand sends cmd and returns the response, failing on transport or
// daemon-side errors.
func sendCommand(cmd ipc.Command) (ipc.Response, error) {
	resp, err := ipc.Send(socketPath, cmd, 10*time.Second)
	if err != nil {
		return resp, fmt.Errorf("%w\nIs the focusplay daemon running?", err)
	}
	if !resp.Success {
		return resp, fmt.Errorf("%s", resp.Message)
	}
	return resp, nil
}

// printResponse prints the message and, when present, the indented data.
func printResponse(resp ipc.Response) {
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	if len(resp.Data) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, resp.Data, "", "  "); err == nil {
			fmt.Println(out.String())
		} else {
			fmt.Println(string(resp.Data))
		}
	}
}

// simple runs a command with no special output.
func simple(name string, args func(cmd *cobra.Command, argv []string) interface{}) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, argv []string) error {
		c := ipc.Command{Name: name}
		if args != nil {
			c.Args = args(cmd, argv)
		}
		resp, err := sendCommand(c)
		if err != nil {
			return err
		}
		printResponse(resp)
		return nil
	}
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the focusplay daemon is running",
	RunE:  simple(ipc.CtlPing, nil),
}

var startCmd = &cobra.Command{
	Use:   "start [app-id]",
	Short: "Start a playback session against an application",
	Args:  cobra.MaximumNArgs(1),
	RunE: simple(ipc.CtlStart, func(cmd *cobra.Command, argv []string) interface{} {
		strategy, _ := cmd.Flags().GetString("strategy")
		a := ipc.StartArgs{Strategy: strategy}
		if len(argv) == 1 {
			a.AppID = argv[0]
		}
		return a
	}),
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running session",
	RunE:  simple(ipc.CtlPause, nil),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused session",
	RunE:  simple(ipc.CtlResume, nil),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the session",
	RunE:  simple(ipc.CtlStop, nil),
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Reconnect to the automation engine after the retries ran out",
	RunE:  simple(ipc.CtlReconnect, nil),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session, its progress, focus and the engine connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := sendCommand(ipc.Command{Name: ipc.CtlStatus})
		if err != nil {
			return err
		}
		if asJSON {
			printResponse(resp)
			return nil
		}
		var st app.StatusData
		if err := json.Unmarshal(resp.Data, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		printStatus(st)
		return nil
	},
}

func printStatus(st app.StatusData) {
	conn := "connected"
	switch {
	case st.Connection.Exhausted:
		conn = fmt.Sprintf("disconnected, gave up after %d attempts (%s)", st.Connection.ReconnectAttempts, st.Connection.LastError)
	case !st.Connection.Connected && st.Connection.LastError != "":
		conn = fmt.Sprintf("reconnecting, attempt %d (%s)", st.Connection.ReconnectAttempts, st.Connection.LastError)
	case !st.Connection.Connected:
		conn = "connecting"
	}
	fmt.Printf("Engine:   %s\n", conn)
	if st.Target != "" {
		fmt.Printf("Target:   %s\n", st.Target)
	}

	if f := st.Focus; f != nil {
		state := "not focused"
		if f.IsTargetProcessFocused {
			state = "focused"
		}
		if f.FocusedWindowTitle != nil {
			state += fmt.Sprintf(" (active window: %q)", *f.FocusedWindowTitle)
		}
		fmt.Printf("Focus:    %s\n", state)
	}

	s := st.Session
	if s == nil {
		fmt.Println("Session:  none")
	} else {
		fmt.Printf("Session:  %s %s [%s]\n", s.ID, strings.ToUpper(string(s.State)), s.FocusStrategy)
		if s.State == event.StatePaused && s.PauseReason != event.PauseCauseNone {
			fmt.Printf("Paused:   by %s\n", s.PauseReason)
		}
	}
	if p := st.Progress; p != nil {
		fmt.Printf("Step:     %d / ~%d (%.0f%%)\n", p.CurrentStep, p.EstimatedTotal, p.Percent)
		fmt.Printf("Elapsed:  %s (paused %s)\n", formatDuration(p.Elapsed), formatDuration(p.TotalPaused))
		if p.RemainingKnown {
			fmt.Printf("Remaining: ~%s\n", formatDuration(p.Remaining))
		}
	}
	if len(st.Recovery) > 0 {
		var kinds []string
		for _, a := range st.Recovery {
			kinds = append(kinds, string(a.Kind))
		}
		fmt.Printf("Recovery: %s\n", strings.Join(kinds, ", "))
	}
	if st.Notifications > 0 {
		fmt.Printf("Notifications: %d (focusplay-cli notifications)\n", st.Notifications)
	}
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notes"},
	Short:   "List notifications, most important first",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := sendCommand(ipc.Command{Name: ipc.CtlNotifications})
		if err != nil {
			return err
		}
		if asJSON {
			printResponse(resp)
			return nil
		}
		var records []notify.Record
		if err := json.Unmarshal(resp.Data, &records); err != nil {
			return fmt.Errorf("decode notifications: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %-14s [%s] %s\n", r.ID, humanize.Time(r.Timestamp), r.Kind, r.Title)
			fmt.Printf("          %s\n", r.Message)
			for _, a := range r.Actions {
				fmt.Printf("          -> %s: focusplay-cli recover %s --id %s\n", a.Label, a.Kind, r.ID)
			}
		}
		return nil
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss one notification",
	Args:  cobra.ExactArgs(1),
	RunE: simple(ipc.CtlDismiss, func(cmd *cobra.Command, argv []string) interface{} {
		return ipc.DismissArgs{ID: argv[0]}
	}),
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Dismiss all notifications",
	RunE:  simple(ipc.CtlClearNotifications, nil),
}

var recoverCmd = &cobra.Command{
	Use:       "recover <bring_to_focus|retry|reset_checkpoint|resume|reconnect>",
	Short:     "Run a recovery action for the session or a notification",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(notify.ActionBringToFocus), string(notify.ActionRetry), string(notify.ActionResetCheckpoint), string(notify.ActionResume), string(notify.ActionReconnect)},
	RunE: simple(ipc.CtlRecover, func(cmd *cobra.Command, argv []string) interface{} {
		id, _ := cmd.Flags().GetString("id")
		return ipc.RecoverArgs{NotificationID: id, Action: argv[0]}
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent focus, session and connection changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		if _, err := time.ParseDuration(since); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		resp, err := sendCommand(ipc.Command{Name: ipc.CtlHistory, Args: ipc.HistoryArgs{Since: since, Limit: limit}})
		if err != nil {
			return err
		}
		if asJSON {
			printResponse(resp)
			return nil
		}
		var entries []event.JournalEntry
		if err := json.Unmarshal(resp.Data, &entries); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-12s %-14s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Kind, e.State)
			if e.SessionID != "" {
				line += " " + e.SessionID
			}
			if e.Title != "" {
				line += " " + e.Title + ":"
			}
			if e.Message != "" {
				line += " " + e.Message
			}
			fmt.Println(line)
		}
		return nil
	},
}

// formatDuration renders d as HH:MM:SS.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", ipc.SocketPath, "Path to the daemon control socket")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON responses")

	startCmd.Flags().StringP("strategy", "s", string(event.StrategyAutoPause), "Focus strategy (auto_pause, strict_error, ignore)")
	recoverCmd.Flags().String("id", "", "Notification the action belongs to")
	historyCmd.Flags().String("since", "1h", "How far back to look")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries")

	rootCmd.AddCommand(pingCmd, statusCmd, startCmd, pauseCmd, resumeCmd, stopCmd, reconnectCmd)
	rootCmd.AddCommand(notificationsCmd, dismissCmd, clearCmd, recoverCmd, historyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
