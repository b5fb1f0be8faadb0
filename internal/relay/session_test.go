package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mancloud-rocket/botoutbound/internal/callrecord"
	"github.com/mancloud-rocket/botoutbound/internal/reply"
)

type scriptedReply struct {
	body  string
	delay time.Duration
}

// scriptedBackend replays canned webhook responses in order and records every
// payload it was called with. Exhausted scripts answer with a generic reply.
type scriptedBackend struct {
	mu       sync.Mutex
	replies  []scriptedReply
	payloads []reply.Payload
}

func (b *scriptedBackend) Generate(ctx context.Context, p reply.Payload) ([]byte, string, error) {
	b.mu.Lock()
	b.payloads = append(b.payloads, p)
	var r scriptedReply
	if len(b.replies) > 0 {
		r = b.replies[0]
		b.replies = b.replies[1:]
	} else {
		r = scriptedReply{body: `{"content":"ok"}`}
	}
	b.mu.Unlock()
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return []byte(r.body), "application/json", nil
}

func (b *scriptedBackend) calls() []reply.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]reply.Payload, len(b.payloads))
	copy(out, b.payloads)
	return out
}

func waitFrames(t *testing.T, tr *fakeTransport, n int) []recordedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := tr.snapshot()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %+v", n, tr.snapshot())
	return nil
}

func setupFrame(callSid string) Message {
	return Message{Type: TypeSetup, CallSid: callSid, From: "+15550001111", To: "+15552223333"}
}

func TestSession_SetupSubmitsOpeningTurn(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{replies: []scriptedReply{{body: `{"content":"Hi, how can I help?"}`}}}
	s := NewSession(tr, b, SessionConfig{Grace: -1})

	s.HandleMessage(setupFrame("CA100"))
	frames := waitFrames(t, tr, 1)
	if frames[0].token != "Hi, how can I help?" || !frames[0].last {
		t.Fatalf("unexpected opening frame %+v", frames[0])
	}
	calls := b.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(calls))
	}
	if calls[0].CurrentMessage != "hello" || calls[0].InteractionCount != 0 {
		t.Fatalf("unexpected opening payload %+v", calls[0])
	}
	if s.State() != StateActive {
		t.Fatalf("expected active state, got %s", s.State())
	}
	if s.ID() != "CA100" {
		t.Fatalf("session must adopt the call sid, got %s", s.ID())
	}
}

func TestSession_OutboundOpenerAndSeeds(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{}
	s := NewSession(tr, b, SessionConfig{Direction: DirectionOutbound, Grace: -1})

	s.HandleMessage(setupFrame("CA101"))
	waitFrames(t, tr, 1)
	calls := b.calls()
	if calls[0].CurrentMessage != "start outbound call" {
		t.Fatalf("outbound opener must be the scripted trigger, got %q", calls[0].CurrentMessage)
	}
	history := s.Context().History()
	if !strings.Contains(history, "outbound call: true") {
		t.Fatalf("outbound marker missing from history: %s", history)
	}
	if !strings.Contains(history, "user phone number: +15552223333") {
		t.Fatalf("outbound sessions record the callee number, got: %s", history)
	}
}

func TestSession_GraceDropsEarlyPrompt(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{}
	s := NewSession(tr, b, SessionConfig{Grace: 60 * time.Millisecond})

	s.HandleMessage(setupFrame("CA102"))
	waitFrames(t, tr, 1)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "uh hello?"})
	if got := len(b.calls()); got != 1 {
		t.Fatalf("early prompt must be dropped, backend saw %d calls", got)
	}

	time.Sleep(80 * time.Millisecond)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "I need to reschedule"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(b.calls()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	calls := b.calls()
	if len(calls) != 2 {
		t.Fatalf("expected the post-grace prompt to reach the backend, got %d calls", len(calls))
	}
	if calls[1].CurrentMessage != "I need to reschedule" || calls[1].InteractionCount != 1 {
		t.Fatalf("dropped turns must not consume indexes: %+v", calls[1])
	}
}

func TestSession_SupersededReplyNeverEmitted(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{replies: []scriptedReply{
		{body: `{"content":"welcome"}`},
		{body: `{"content":"stale slow reply"}`, delay: 300 * time.Millisecond},
		{body: `{"content":"fresh reply"}`},
	}}
	s := NewSession(tr, b, SessionConfig{Grace: -1})

	s.HandleMessage(setupFrame("CA103"))
	waitFrames(t, tr, 1)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "first question"})
	time.Sleep(20 * time.Millisecond)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "actually, second question"})

	frames := waitFrames(t, tr, 2)
	time.Sleep(350 * time.Millisecond)
	frames = tr.snapshot()
	for _, fr := range frames {
		if strings.Contains(fr.token, "stale") {
			t.Fatalf("superseded reply leaked to the transport: %+v", frames)
		}
	}
	if frames[len(frames)-1].token != "fresh reply" {
		t.Fatalf("expected the fresh reply last, got %+v", frames)
	}
	if strings.Contains(s.Context().History(), "stale") {
		t.Fatalf("superseded reply must not enter context: %s", s.Context().History())
	}
}

func TestSession_InboundInterruptCancelsLiveRequest(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{replies: []scriptedReply{
		{body: `{"content":"welcome"}`},
		{body: `{"content":"never spoken"}`, delay: 200 * time.Millisecond},
	}}
	s := NewSession(tr, b, SessionConfig{Direction: DirectionInbound, Grace: -1})

	s.HandleMessage(setupFrame("CA104"))
	waitFrames(t, tr, 1)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "long question"})
	time.Sleep(20 * time.Millisecond)
	s.HandleMessage(Message{Type: TypeInterrupt, UtteranceUntilInterrupt: "long quest", DurationUntilInterruptMs: 900})

	if s.Coordinator().HasLive() {
		t.Fatalf("interrupt must cancel the live request")
	}
	time.Sleep(250 * time.Millisecond)
	for _, fr := range tr.snapshot() {
		if strings.Contains(fr.token, "never spoken") {
			t.Fatalf("cancelled reply leaked: %+v", tr.snapshot())
		}
	}
}

func TestSession_OutboundInterruptIgnored(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{replies: []scriptedReply{
		{body: `{"content":"welcome"}`},
		{body: `{"content":"delivered in full"}`, delay: 60 * time.Millisecond},
	}}
	s := NewSession(tr, b, SessionConfig{Direction: DirectionOutbound, Grace: -1})

	s.HandleMessage(setupFrame("CA105"))
	waitFrames(t, tr, 1)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "question"})
	time.Sleep(20 * time.Millisecond)
	s.HandleMessage(Message{Type: TypeInterrupt})

	frames := waitFrames(t, tr, 2)
	found := false
	for _, fr := range frames {
		if fr.token == "delivered in full" && fr.last {
			found = true
		}
	}
	if !found {
		t.Fatalf("outbound replies must survive interrupts, frames %+v", frames)
	}
}

func TestSession_TerminationClosesTransport(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{"confirmed", `{"content":"Great, see you then!","confirmed":"yes"}`, "outcome confirmed"},
		{"declined", `{"content":"Understood, goodbye.","confirmed":false}`, "outcome declined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &fakeTransport{}
			b := &scriptedBackend{replies: []scriptedReply{{body: tc.body}}}
			s := NewSession(tr, b, SessionConfig{Grace: -1, TerminateDelay: 40 * time.Millisecond})

			s.HandleMessage(setupFrame("CA106"))
			waitFrames(t, tr, 1)
			if s.State() != StateTerminating {
				t.Fatalf("expected terminating state, got %s", s.State())
			}
			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) && s.State() != StateClosed {
				time.Sleep(5 * time.Millisecond)
			}
			if s.State() != StateClosed {
				t.Fatalf("session never closed")
			}
			tr.mu.Lock()
			closed := tr.closed
			tr.mu.Unlock()
			if closed != tc.reason {
				t.Fatalf("expected close reason %q, got %q", tc.reason, closed)
			}
		})
	}
}

type fakeTools struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeTools) Say(name string) (string, bool) {
	if name == "transferCall" {
		return "One moment while I transfer you.", true
	}
	return "", false
}

func (f *fakeTools) Run(ctx context.Context, name, arguments string) (string, error) {
	f.mu.Lock()
	f.runs = append(f.runs, name)
	f.mu.Unlock()
	return "transfer initiated", nil
}

func TestSession_ToolCallLoopsResultBack(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{replies: []scriptedReply{
		{body: `{"content":"welcome"}`},
		{body: `{"tool_calls":[{"function":{"name":"transferCall","arguments":"{\"reason\":\"agent requested\"}"}}]}`},
		{body: `{"content":"Transferring you now."}`},
	}}
	tools := &fakeTools{}
	s := NewSession(tr, b, SessionConfig{Grace: -1, Tools: tools})

	s.HandleMessage(setupFrame("CA107"))
	waitFrames(t, tr, 1)
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "please transfer me"})

	frames := waitFrames(t, tr, 3)
	var sawFiller, sawFinal bool
	for _, fr := range frames {
		if fr.token == "One moment while I transfer you." && !fr.last {
			sawFiller = true
		}
		if fr.token == "Transferring you now." && fr.last {
			sawFinal = true
		}
	}
	if !sawFiller || !sawFinal {
		t.Fatalf("expected filler and final reply, frames %+v", frames)
	}
	tools.mu.Lock()
	runs := tools.runs
	tools.mu.Unlock()
	if len(runs) != 1 || runs[0] != "transferCall" {
		t.Fatalf("unexpected tool runs %v", runs)
	}
	calls := b.calls()
	if len(calls) != 3 {
		t.Fatalf("expected a follow-up turn after the tool, got %d calls", len(calls))
	}
	if calls[2].CurrentMessage != "transfer initiated" || calls[2].InteractionCount != 2 {
		t.Fatalf("tool result must feed the next turn with a fresh index: %+v", calls[2])
	}
	if !strings.Contains(s.Context().History(), "function: transfer initiated") {
		t.Fatalf("function result missing from history: %s", s.Context().History())
	}
}

// waitToken polls until a frame with the given token has been sent.
func waitToken(t *testing.T, tr *fakeTransport, token string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, fr := range tr.snapshot() {
			if fr.token == token {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for token %q, have %+v", token, tr.snapshot())
}

func TestSession_ToolFollowUpKeepsPromptsGatedMidStream(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{replies: []scriptedReply{
		{body: `{"content":"welcome"}`},
		{body: `{"content":"Let me check that for you right away now","tool_calls":[{"function":{"name":"transferCall","arguments":"{}"}}]}`},
		{body: `{"content":"one two three four five six seven eight"}`},
	}}
	s := NewSession(tr, b, SessionConfig{
		Grace:   -1,
		Tools:   &fakeTools{},
		Emitter: EmitterConfig{ChunkWords: 1, ChunkDelay: 25 * time.Millisecond},
	})

	s.HandleMessage(setupFrame("CA109"))
	waitFrames(t, tr, 1)
	// The tool follow-up result lands while the tool reply is still
	// streaming; its emission supersedes the live one mid-stream.
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "please transfer me"})

	waitToken(t, tr, "one")
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "hello? are you there?"})

	waitToken(t, tr, "eight")
	if got := len(b.calls()); got != 3 {
		t.Fatalf("prompt during the replacement stream must stay gated, backend saw %d calls", got)
	}
}

func TestSession_SetupResolvesRecordByCallSid(t *testing.T) {
	lk := &recordingLookup{rec: &callrecord.Record{
		SysPrompt: "Eres Ana, agente de reservas.",
		Language:  "fr-FR",
	}}
	tr := &fakeTransport{}
	b := &scriptedBackend{}
	s := NewSession(tr, b, SessionConfig{Grace: -1, Records: lk})

	s.HandleMessage(setupFrame("CA110"))
	waitFrames(t, tr, 1)
	lk.mu.Lock()
	sids := lk.sids
	lk.mu.Unlock()
	if len(sids) != 1 || sids[0] != "CA110" {
		t.Fatalf("lookup must be keyed by the call sid, got %v", sids)
	}
	if !strings.Contains(s.Context().History(), "Eres Ana") {
		t.Fatalf("resolved record must seed the context: %s", s.Context().History())
	}
}

type recordingLookup struct {
	mu   sync.Mutex
	sids []string
	rec  *callrecord.Record
}

func (l *recordingLookup) Find(ctx context.Context, callSid string) (*callrecord.Record, error) {
	l.mu.Lock()
	l.sids = append(l.sids, callSid)
	l.mu.Unlock()
	return l.rec, nil
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	got := truncate("señal de confirmación recibida", 6)
	if got != "señal ..." {
		t.Fatalf("unexpected cut %q", got)
	}
	if !utf8.ValidString(truncate("¿Qué número debo marcar?", 3)) {
		t.Fatalf("truncate must not split a rune")
	}
}

func TestSession_MalformedFrameKeepsSessionAlive(t *testing.T) {
	tr := &fakeTransport{}
	b := &scriptedBackend{}
	s := NewSession(tr, b, SessionConfig{Grace: -1})

	s.HandleMessage(setupFrame("CA108"))
	waitFrames(t, tr, 1)
	s.HandleFrame([]byte("json{not valid"))
	s.HandleFrame([]byte(`{"token":"no type"}`))
	if s.State() != StateActive {
		t.Fatalf("malformed frames must not tear down the session, state %s", s.State())
	}
	s.HandleMessage(Message{Type: TypePrompt, VoicePrompt: "still here?"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(b.calls()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(b.calls()) != 2 {
		t.Fatalf("prompt after malformed frames must still go through")
	}
}
