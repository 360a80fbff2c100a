// Package transcript records the finalized utterances of a call.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of an entry.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Entry is one finalized utterance. Seq starts at 1 and follows finalize order.
type Entry struct {
	Seq  int
	Role Role
	Text string
	At   time.Time
}

// Recorder is an append-only, ordered log of entries.
// Thread-safe for concurrent access.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: func() time.Time { return time.Now().UTC() }}
}

// Append records text for role. Blank text is not recorded and returns false.
func (r *Recorder) Append(role Role, text string) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := Entry{
		Seq:  len(r.entries) + 1,
		Role: role,
		Text: text,
		At:   r.now(),
	}
	r.entries = append(r.entries, e)
	return e, true
}

// Entries returns a copy of the recorded entries in order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Line renders an entry as "[HH:MM:SS] ROLE: text".
func Line(e Entry) string {
	return fmt.Sprintf("[%s] %s: %s", e.At.UTC().Format("15:04:05"), strings.ToUpper(string(e.Role)), e.Text)
}

// Render joins the rendered entries with newlines.
func Render(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, Line(e))
	}
	return strings.Join(lines, "\n")
}
