// Package assistant manages the per-session AI subprocess and its
// JSON-over-stdio protocol.
//
// Input is newline-delimited JSON user envelopes on stdin. Output is
// newline-delimited JSON events on stdout; the "result" event, not EOF, is
// the completion signal for a call.
package assistant

import "encoding/json"

// Event types on the subprocess stdout.
const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeResult    = "result"

	// SubtypeInit on a system event signals the subprocess is ready.
	SubtypeInit = "init"
	// SubtypeSuccess on a result event carries the reply string.
	SubtypeSuccess = "success"
)

// Event is one parsed stdout line. The type field determines which other
// fields are populated.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system events.
	SessionID string `json:"session_id,omitempty"`

	// For result events. Result is a string on success and an error string
	// when IsError is set.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// ResultText decodes the result payload as a string.
func (e *Event) ResultText() string {
	if len(e.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Result, &s); err != nil {
		return ""
	}
	return s
}

// userEnvelope is one inbound message on the subprocess stdin.
type userEnvelope struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newUserEnvelope(text string) userEnvelope {
	return userEnvelope{
		Type: "user",
		Message: userMessage{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: text}},
		},
	}
}
