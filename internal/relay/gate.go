package relay

import (
	"sync"
	"time"
)

// DefaultGracePeriod is how long after setup inbound speech is ignored;
// telephony call setup has audio-path warm-up latency during which early
// utterances are transport artifacts.
const DefaultGracePeriod = 5 * time.Second

// Gate tracks call-relative time and the agent-speaking state to decide
// whether an inbound utterance should be accepted or discarded.
type Gate struct {
	mu       sync.Mutex
	grace    time.Duration
	started  time.Time
	speaking bool
	now      func() time.Time
}

func NewGate(grace time.Duration) *Gate {
	if grace < 0 {
		grace = DefaultGracePeriod
	}
	return &Gate{grace: grace, now: time.Now}
}

// Start records the call start; input stays disabled for the grace period.
func (g *Gate) Start() {
	g.mu.Lock()
	g.started = g.now()
	g.mu.Unlock()
}

// InputEnabled reports whether the grace period has elapsed since Start.
func (g *Gate) InputEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started.IsZero() {
		return false
	}
	return g.now().Sub(g.started) >= g.grace
}

// SetSpeaking toggles the agent-speaking flag: true at emission start, false
// exactly when the final chunk of a reply has been sent.
func (g *Gate) SetSpeaking(on bool) {
	g.mu.Lock()
	g.speaking = on
	g.mu.Unlock()
}

// Speaking reports whether a reply is currently being emitted.
func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// Admit decides whether a prompt may proceed to the reply coordinator. When
// it returns false, reason names why the turn was dropped.
func (g *Gate) Admit() (ok bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started.IsZero() || g.now().Sub(g.started) < g.grace {
		return false, "initial grace period"
	}
	if g.speaking {
		return false, "agent is speaking"
	}
	return true, ""
}
