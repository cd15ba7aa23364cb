package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Send delivers one command to the daemon's control socket and waits for
// its response.
func Send(socketPath string, cmd Command, timeout time.Duration) (Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("connect to daemon socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	conn.SetReadDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return Response{}, fmt.Errorf("send command: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("receive response: %w", err)
	}
	return resp, nil
}
