package convo

import (
	"fmt"
	"strings"
	"sync"
)

// Roles used in the conversation log.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Entry is one role-tagged message in a conversation.
type Entry struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Log is the ordered, append-only conversation context for one session.
// System entries seeded at session start are pinned: retention trimming
// removes only the oldest non-system entries.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// DefaultMaxEntries bounds the context when no explicit cap is given.
const DefaultMaxEntries = 40

// NewLog creates a Log retaining at most max entries (<=0 uses DefaultMaxEntries).
func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{max: max}
}

// Seed appends a pinned system entry. Empty content is skipped.
func (l *Log) Seed(content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, Entry{Role: RoleSystem, Content: content})
	l.mu.Unlock()
}

// Append adds an entry and applies retention trimming. The name is recorded
// only for non-user roles, matching the backend payload convention.
func (l *Log) Append(role, name, content string) {
	e := Entry{Role: role, Content: content}
	if name != "" && name != RoleUser {
		e.Name = name
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.trimLocked()
	l.mu.Unlock()
}

// trimLocked drops the oldest non-system entries until the log fits the cap.
func (l *Log) trimLocked() {
	over := len(l.entries) - l.max
	if over <= 0 {
		return
	}
	kept := make([]Entry, 0, l.max)
	for _, e := range l.entries {
		if over > 0 && e.Role != RoleSystem {
			over--
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
}

// Entries returns a copy of the current log.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of entries currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// History serializes the log as a single numbered line, the format the reply
// backend expects: "1. role: content | 2. role: content | ...".
func (l *Log) History() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]string, 0, len(l.entries))
	for i, e := range l.entries {
		parts = append(parts, fmt.Sprintf("%d. %s: %s", i+1, e.Role, e.Content))
	}
	return strings.Join(parts, " | ")
}

// LastUser returns the content of the most recent user entry, or "" if none.
func (l *Log) LastUser() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Role == RoleUser {
			return l.entries[i].Content
		}
	}
	return ""
}
