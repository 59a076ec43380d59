package assistant

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks a call that exceeded the per-call timeout. The subprocess
// has already been killed when this is returned.
var ErrTimeout = errors.New("assistant call timed out")

// ErrNoSuchSession marks a resume attempt against a session the subprocess
// no longer knows. The caller respawns with a fresh session.
var ErrNoSuchSession = errors.New("assistant session not found")

// Error is a subprocess failure: a non-zero exit, an unexpected EOF, or an
// error result event. Stderr carries the subprocess's last output when
// available.
type Error struct {
	Msg    string
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("assistant: %s: %s", e.Msg, e.Stderr)
	}
	return "assistant: " + e.Msg
}

// noSuchSessionMarkers are the strings the subprocess emits when asked to
// resume an unknown session.
var noSuchSessionMarkers = []string{
	"no such session",
	"no conversation found",
	"session not found",
}

func indicatesNoSuchSession(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range noSuchSessionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
