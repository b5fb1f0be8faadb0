package reply

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mancloud-rocket/botoutbound/internal/convo"
)

// Result is the outcome of one reply request, delivered exactly once per live
// (non-superseded) turn.
type Result struct {
	Turn        int
	Text        string
	Termination *Termination
	Tools       []ToolCall
	// Failed marks a terminal backend failure; Text then carries the fixed
	// apology in the caller's language and nothing was appended to context.
	Failed bool
}

// Request is one outstanding call to the reply backend for a given turn.
type Request struct {
	turn      int
	submitted time.Time
	attempts  int32
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// Turn returns the turn index this request was submitted for.
func (r *Request) Turn() int { return r.turn }

// Cancelled reports whether the request was superseded or interrupted.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// Coordinator manages the lifecycle of reply requests for one session: at
// most one live request, cancellation on supersede, one retry with fixed
// backoff, and a spoken apology on terminal failure.
type Coordinator struct {
	Timeout time.Duration
	Backoff time.Duration

	mu       sync.Mutex
	backend  Backend
	log      *convo.Log
	onResult func(Result)
	live     *Request
	lastTurn int
}

func NewCoordinator(backend Backend, log *convo.Log, onResult func(Result)) *Coordinator {
	return &Coordinator{
		Timeout:  10 * time.Second,
		Backoff:  500 * time.Millisecond,
		backend:  backend,
		log:      log,
		onResult: onResult,
		lastTurn: -1,
	}
}

// Submit dispatches a user turn to the backend, superseding any live request.
func (c *Coordinator) Submit(text, lang string, turn int) error {
	return c.submit(convo.RoleUser, "", text, lang, turn)
}

// SubmitFunction feeds a function result back to the backend as a follow-up
// turn. Tool failures are submitted the same way, with the error text as the
// function's result, so the conversation continues instead of aborting.
func (c *Coordinator) SubmitFunction(name, result, lang string, turn int) error {
	return c.submit(convo.RoleFunction, name, result, lang, turn)
}

func (c *Coordinator) submit(role, name, text, lang string, turn int) error {
	c.mu.Lock()
	if turn <= c.lastTurn {
		c.mu.Unlock()
		return fmt.Errorf("turn %d not greater than last submitted %d", turn, c.lastTurn)
	}
	if c.live != nil {
		c.live.cancelled.Store(true)
		c.live.cancel()
		c.live = nil
	}
	c.log.Append(role, name, text)
	ctx, cancel := context.WithCancel(context.Background())
	req := &Request{turn: turn, submitted: time.Now(), ctx: ctx, cancel: cancel}
	c.live = req
	c.lastTurn = turn
	p := Payload{
		CurrentMessage:      text,
		ConversationHistory: c.log.History(),
		LastUserMessage:     c.log.LastUser(),
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		InteractionCount:    turn,
		TotalMessages:       c.log.Len(),
	}
	c.mu.Unlock()

	go c.run(req, p, lang)
	return nil
}

// CancelLive marks the live request cancelled; its eventual result, if any,
// is discarded at the point of receipt.
func (c *Coordinator) CancelLive() {
	c.mu.Lock()
	if c.live != nil {
		c.live.cancelled.Store(true)
		c.live.cancel()
		c.live = nil
	}
	c.mu.Unlock()
}

// HasLive reports whether a request is currently outstanding.
func (c *Coordinator) HasLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live != nil
}

func (c *Coordinator) run(req *Request, p Payload, lang string) {
	defer req.cancel()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-req.ctx.Done():
				return
			case <-time.After(c.Backoff):
			}
		}
		atomic.AddInt32(&req.attempts, 1)
		attemptCtx, cancel := context.WithTimeout(req.ctx, c.Timeout)
		body, contentType, err := c.backend.Generate(attemptCtx, p)
		cancel()
		if req.cancelled.Load() {
			return
		}
		if err == nil {
			n := Normalize(body, contentType)
			c.deliver(req, Result{Turn: req.turn, Text: n.Text, Termination: n.Termination, Tools: n.Tools})
			return
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	log.Printf("reply: turn %d terminally failed: %v", req.turn, lastErr)
	c.deliver(req, Result{Turn: req.turn, Text: apologyFor(lang), Failed: true})
}

// deliver surfaces a result only when the request is still the live one; the
// assistant turn is appended to context here, after normalization, and only
// for non-failed results.
func (c *Coordinator) deliver(req *Request, res Result) {
	if req.cancelled.Load() {
		return
	}
	c.mu.Lock()
	if c.live != req {
		c.mu.Unlock()
		return
	}
	c.live = nil
	if !res.Failed && res.Text != "" {
		c.log.Append(convo.RoleAssistant, "", res.Text)
	}
	onResult := c.onResult
	c.mu.Unlock()
	if onResult != nil {
		onResult(res)
	}
}

// apologyFor picks the fixed user-facing apology for a terminal failure.
func apologyFor(lang string) string {
	if strings.HasPrefix(strings.ToLower(lang), "es") {
		return "Lo siento, hubo un error procesando tu solicitud. Por favor, intenta de nuevo."
	}
	return "I apologize, but I am having trouble processing your request right now. Please try again in a moment."
}
