package display

import (
	"fmt"
	"os"
	"strings"
)

// The websockify gateway routes ?token={session_id} through a shared
// token file, one "{session_id}: {host}:{port}" line per session. The
// gateway re-reads the file on every connection, so append/rewrite is
// all the coordination we need.

func appendToken(path, sessionID, host string, port int) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open token file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s: %s:%d\n", sessionID, host, port); err != nil {
		return fmt.Errorf("failed to write token entry: %w", err)
	}
	return nil
}

// removeToken rewrites the token file without the session's line.
// Missing file or missing line are both fine.
func removeToken(path, sessionID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	prefix := sessionID + ":"
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, prefix) {
			continue
		}
		kept = append(kept, line)
	}

	out := ""
	if len(kept) > 0 {
		out = strings.Join(kept, "\n") + "\n"
	}

	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to rewrite token file: %w", err)
	}
	return nil
}
