package relay

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Transport delivers outbound frames to the telephony side of the call.
// Implementations must be safe for use from the session's goroutines.
type Transport interface {
	SendText(token string, last bool) error
	SendLanguage(ttsLanguage, transcriptionLanguage string) error
	// Close ends the connection with a normal-closure status and a short
	// human-readable reason.
	Close(reason string) error
}

// EmitterConfig controls how a reply is split for delivery. ChunkWords <= 0
// sends the whole reply as one final frame.
type EmitterConfig struct {
	ChunkWords int
	ChunkDelay time.Duration
}

// Emitter streams normalized reply text to the transport, toggling the call
// phase gate's speaking flag for the duration of the emission.
type Emitter struct {
	transport Transport
	gate      *Gate
	cfg       EmitterConfig

	mu  sync.Mutex
	gen uint64
}

func NewEmitter(transport Transport, gate *Gate, cfg EmitterConfig) *Emitter {
	return &Emitter{transport: transport, gate: gate, cfg: cfg}
}

// begin marks a new emission as the current one and raises the speaking flag.
func (e *Emitter) begin() uint64 {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.mu.Unlock()
	e.gate.SetSpeaking(true)
	return gen
}

// finish lowers the speaking flag only while the finishing emission is still
// the current one. A cancelled emission unwinding after its replacement has
// started must not clear the flag out from under it.
func (e *Emitter) finish(gen uint64) {
	e.mu.Lock()
	current := gen == e.gen
	e.mu.Unlock()
	if current {
		e.gate.SetSpeaking(false)
	}
}

// Emit delivers text for the given turn. If ctx is cancelled mid-stream the
// emission stops immediately and no further chunks are sent.
func (e *Emitter) Emit(ctx context.Context, text string, turn int) error {
	gen := e.begin()
	defer e.finish(gen)

	if e.cfg.ChunkWords <= 0 {
		if err := e.transport.SendText(text, true); err != nil {
			return err
		}
		log.Printf("emit: turn %d sent as single frame (%d chars)", turn, len(text))
		return nil
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return e.transport.SendText("", true)
	}
	for start := 0; start < len(words); start += e.cfg.ChunkWords {
		if err := ctx.Err(); err != nil {
			log.Printf("emit: turn %d halted mid-stream", turn)
			return err
		}
		end := start + e.cfg.ChunkWords
		if end > len(words) {
			end = len(words)
		}
		last := end == len(words)
		token := strings.Join(words[start:end], " ")
		if err := e.transport.SendText(token, last); err != nil {
			return err
		}
		if !last && e.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				log.Printf("emit: turn %d halted mid-stream", turn)
				return ctx.Err()
			case <-time.After(e.cfg.ChunkDelay):
			}
		}
	}
	return nil
}
