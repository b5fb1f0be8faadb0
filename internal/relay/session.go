package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mancloud-rocket/botoutbound/internal/callrecord"
	"github.com/mancloud-rocket/botoutbound/internal/convo"
	"github.com/mancloud-rocket/botoutbound/internal/reply"
)

// Direction distinguishes who initiated the call; it selects the interrupt
// policy (inbound honors interrupts, outbound ignores them so a scripted
// message is always delivered to completion).
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// State is the session lifecycle phase.
type State int

const (
	StateCreated State = iota
	StateAwaitingSetup
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingSetup:
		return "awaiting-setup"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultTerminateDelay lets the final reply finish playing before the
// transport is closed on a termination signal.
const DefaultTerminateDelay = 11 * time.Second

// ToolRunner executes structured function invocations requested by the reply
// backend. Say returns the manifest filler phrase spoken while a tool runs.
type ToolRunner interface {
	Say(name string) (string, bool)
	Run(ctx context.Context, name, arguments string) (string, error)
}

// SessionConfig carries the per-call policy and collaborators.
type SessionConfig struct {
	Direction Direction
	// Grace is the input-disabled period after setup. Zero uses
	// DefaultGracePeriod; a negative value disables the grace period.
	Grace          time.Duration
	TerminateDelay time.Duration
	Emitter        EmitterConfig
	MaxContext     int
	Record         *callrecord.Record
	// Records resolves the per-call record once the call sid is known at
	// setup. When nil, or when a lookup fails, Record is used as-is.
	Records callrecord.Lookup
	Tools   ToolRunner
	// OnSetup runs once the setup message arrives, with the assigned call
	// sid, the counterparty phone number and the resolved record. Used to
	// start call recording and bind per-call tools.
	OnSetup func(callSid, phone string, rec *callrecord.Record)
}

// Session is the per-connection driver: it reacts to decoded transport
// messages and coordinates the context store, reply requests, phase gate and
// streaming emitter. Exactly one Session exists per connection.
type Session struct {
	mu        sync.Mutex
	id        string
	callSid   string
	state     State
	cfg       SessionConfig
	record    *callrecord.Record
	transport Transport
	gate      *Gate
	log       *convo.Log
	coord     *reply.Coordinator
	emitter   *Emitter
	turn      int
	lang      string

	emitCancel context.CancelFunc
	closeTimer *time.Timer
}

// NewSession creates a session for a freshly connected transport; it waits in
// AwaitingSetup until the setup message arrives.
func NewSession(transport Transport, backend reply.Backend, cfg SessionConfig) *Session {
	if cfg.Record == nil {
		cfg.Record = callrecord.Default()
	}
	if cfg.TerminateDelay <= 0 {
		cfg.TerminateDelay = DefaultTerminateDelay
	}
	grace := cfg.Grace
	switch {
	case grace == 0:
		grace = DefaultGracePeriod
	case grace < 0:
		grace = 0
	}
	lang := cfg.Record.Language
	if lang == "" {
		lang = "en-US"
	}
	s := &Session{
		id:        uuid.NewString(),
		state:     StateAwaitingSetup,
		cfg:       cfg,
		record:    cfg.Record,
		transport: transport,
		gate:      NewGate(grace),
		log:       convo.NewLog(cfg.MaxContext),
		lang:      lang,
	}
	s.coord = reply.NewCoordinator(backend, s.log, s.handleResult)
	s.emitter = NewEmitter(transport, s.gate, cfg.Emitter)
	return s
}

// ID returns the call sid once assigned, or the fallback session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callSid != "" {
		return s.callSid
	}
	return s.id
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Coordinator exposes the reply coordinator, mainly for tests.
func (s *Session) Coordinator() *reply.Coordinator { return s.coord }

// Context exposes the conversation log, mainly for tests.
func (s *Session) Context() *convo.Log { return s.log }

// HandleFrame decodes a raw transport frame and dispatches it. Malformed
// frames are dropped and logged; the connection stays open.
func (s *Session) HandleFrame(data []byte) {
	msg, err := DecodeFrame(data)
	if err != nil {
		log.Printf("[%s] dropping frame: %v", s.ID(), err)
		return
	}
	s.HandleMessage(msg)
}

// HandleMessage dispatches one decoded message. Messages are processed
// strictly in arrival order by the transport read loop.
func (s *Session) HandleMessage(msg Message) {
	switch msg.Type {
	case TypeSetup:
		s.handleSetup(msg)
	case TypePrompt:
		s.handlePrompt(msg)
	case TypeInterrupt:
		s.handleInterrupt(msg)
	case TypeError:
		log.Printf("[%s] transport error: %s", s.ID(), msg.Description)
	case TypeDTMF:
		log.Printf("[%s] dtmf: %s", s.ID(), msg.Digit)
	default:
		log.Printf("[%s] unknown message type %q", s.ID(), msg.Type)
	}
}

func (s *Session) handleSetup(msg Message) {
	s.mu.Lock()
	if s.state != StateAwaitingSetup {
		s.mu.Unlock()
		log.Printf("[%s] setup ignored in state %s", s.ID(), s.State())
		return
	}
	if msg.CallSid != "" {
		s.callSid = msg.CallSid
	}
	s.state = StateActive
	callSid := s.callSid
	rec := s.record
	s.mu.Unlock()

	// The record can only be keyed by call once the sid is known, so the
	// lookup happens here rather than at session construction.
	if s.cfg.Records != nil {
		r, err := s.cfg.Records.Find(context.Background(), callSid)
		switch {
		case err != nil:
			log.Printf("[%s] record lookup failed, keeping default: %v", s.ID(), err)
		case r != nil:
			rec = r
		}
	}

	s.mu.Lock()
	s.record = rec
	if rec.Language != "" {
		s.lang = rec.Language
	}
	for _, seed := range rec.SeedEntries() {
		s.log.Seed(seed)
	}
	if s.cfg.Direction == DirectionOutbound {
		s.log.Append(convo.RoleUser, "", "outbound call: true")
	}
	phone := msg.From
	if s.cfg.Direction == DirectionOutbound {
		phone = msg.To
	}
	if phone != "" {
		s.log.Append(convo.RoleUser, "", "user phone number: "+phone)
	}
	s.gate.Start()
	turn := s.turn
	s.turn++
	lang := s.lang
	s.mu.Unlock()

	log.Printf("[%s] setup complete, direction=%s", s.ID(), s.cfg.Direction)

	opener := "hello"
	if s.cfg.Direction == DirectionOutbound {
		opener = "start outbound call"
	}
	if err := s.coord.Submit(opener, lang, turn); err != nil {
		log.Printf("[%s] opening turn submit failed: %v", s.ID(), err)
	}
	if s.cfg.OnSetup != nil && callSid != "" {
		go s.cfg.OnSetup(callSid, phone, rec)
	}
}

func (s *Session) handlePrompt(msg Message) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		log.Printf("[%s] prompt ignored in state %s", s.ID(), s.State())
		return
	}
	if ok, reason := s.gate.Admit(); !ok {
		s.mu.Unlock()
		log.Printf("[%s] prompt dropped (%s): %q", s.ID(), reason, truncate(msg.VoicePrompt, 30))
		return
	}
	if msg.Lang != "" {
		s.lang = msg.Lang
	}
	turn := s.turn
	s.turn++
	lang := s.lang
	cancelEmit := s.emitCancel
	s.emitCancel = nil
	s.mu.Unlock()

	if cancelEmit != nil {
		cancelEmit()
	}
	log.Printf("[%s] prompt (%s) turn %d: %q", s.ID(), lang, turn, truncate(msg.VoicePrompt, 50))
	if err := s.coord.Submit(msg.VoicePrompt, lang, turn); err != nil {
		log.Printf("[%s] prompt submit failed: %v", s.ID(), err)
	}
}

func (s *Session) handleInterrupt(msg Message) {
	if s.cfg.Direction == DirectionOutbound {
		log.Printf("[%s] interrupt ignored to ensure complete message delivery", s.ID())
		return
	}
	log.Printf("[%s] interrupt after %dms: %q", s.ID(), msg.DurationUntilInterruptMs, truncate(msg.UtteranceUntilInterrupt, 50))
	s.mu.Lock()
	cancelEmit := s.emitCancel
	s.emitCancel = nil
	s.mu.Unlock()
	if cancelEmit != nil {
		cancelEmit()
	}
	s.coord.CancelLive()
}

// handleResult receives the single outcome of a live reply request.
func (s *Session) handleResult(res reply.Result) {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateTerminating {
		s.mu.Unlock()
		return
	}
	if s.emitCancel != nil {
		s.emitCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.emitCancel = cancel
	s.mu.Unlock()

	if res.Text != "" {
		go func() {
			if err := s.emitter.Emit(ctx, res.Text, res.Turn); err != nil {
				log.Printf("[%s] emission turn %d stopped: %v", s.ID(), res.Turn, err)
			}
		}()
	}
	if res.Failed {
		log.Printf("[%s] turn %d recorded as failed", s.ID(), res.Turn)
		return
	}
	for _, tc := range res.Tools {
		s.runTool(tc)
	}
	if res.Termination != nil {
		s.beginTermination(res.Termination.Confirmed)
	}
}

func (s *Session) runTool(tc reply.ToolCall) {
	if s.cfg.Tools == nil {
		log.Printf("[%s] tool %s requested but no runner configured", s.ID(), tc.Name)
		return
	}
	if say, ok := s.cfg.Tools.Say(tc.Name); ok && say != "" {
		_ = s.transport.SendText(say, false)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	result, err := s.cfg.Tools.Run(ctx, tc.Name, tc.Arguments)
	cancel()
	if err != nil {
		// The error text becomes the function's result; the conversation
		// continues rather than aborting the turn.
		result = fmt.Sprintf("Error executing %s: %v", tc.Name, err)
		log.Printf("[%s] tool %s failed: %v", s.ID(), tc.Name, err)
	}
	if tc.Name == "changeLanguage" {
		s.applyLanguageChange(tc.Arguments)
	}
	s.mu.Lock()
	turn := s.turn
	s.turn++
	lang := s.lang
	s.mu.Unlock()
	if err := s.coord.SubmitFunction(tc.Name, result, lang, turn); err != nil {
		log.Printf("[%s] tool follow-up submit failed: %v", s.ID(), err)
	}
}

func (s *Session) applyLanguageChange(arguments string) {
	s.mu.Lock()
	allowed := s.record.ChangeSTT
	s.mu.Unlock()
	if !allowed {
		log.Printf("[%s] language change requested but disabled by call record", s.ID())
		return
	}
	var args struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Language == "" {
		log.Printf("[%s] bad changeLanguage arguments: %q", s.ID(), arguments)
		return
	}
	s.mu.Lock()
	s.lang = args.Language
	s.mu.Unlock()
	if err := s.transport.SendLanguage(args.Language, args.Language); err != nil {
		log.Printf("[%s] language frame failed: %v", s.ID(), err)
	}
}

func (s *Session) beginTermination(confirmed bool) {
	reason := "outcome declined"
	if confirmed {
		reason = "outcome confirmed"
	}
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminating
	delay := s.cfg.TerminateDelay
	s.closeTimer = time.AfterFunc(delay, func() { s.closeWithReason(reason) })
	s.mu.Unlock()
	log.Printf("[%s] %s - call will end in %s", s.ID(), reason, delay)
}

func (s *Session) closeWithReason(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancelEmit := s.emitCancel
	s.emitCancel = nil
	s.mu.Unlock()
	if cancelEmit != nil {
		cancelEmit()
	}
	s.coord.CancelLive()
	if err := s.transport.Close(reason); err != nil {
		log.Printf("[%s] close failed: %v", s.ID(), err)
	}
	log.Printf("[%s] closed: %s", s.ID(), reason)
}

// Shutdown releases the session when the transport errored or closed from
// the far side. Safe to call more than once.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancelEmit := s.emitCancel
	s.emitCancel = nil
	timer := s.closeTimer
	s.closeTimer = nil
	s.mu.Unlock()
	if cancelEmit != nil {
		cancelEmit()
	}
	if timer != nil {
		timer.Stop()
	}
	s.coord.CancelLive()
}

// truncate shortens s to at most n runes for log lines, never splitting a
// UTF-8 sequence.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
