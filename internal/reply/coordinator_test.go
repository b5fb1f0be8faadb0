package reply

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mancloud-rocket/botoutbound/internal/convo"
)

type fakeResp struct {
	body  string
	ct    string
	err   error
	delay time.Duration
}

type fakeBackend struct {
	responses chan fakeResp
	calls     int32
}

func newFakeBackend(responses ...fakeResp) *fakeBackend {
	ch := make(chan fakeResp, len(responses)+8)
	for _, r := range responses {
		ch <- r
	}
	return &fakeBackend{responses: ch}
}

func (f *fakeBackend) Generate(ctx context.Context, p Payload) ([]byte, string, error) {
	atomic.AddInt32(&f.calls, 1)
	var r fakeResp
	select {
	case r = <-f.responses:
	default:
		r = fakeResp{body: `{"response":"default"}`, ct: "application/json"}
	}
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if r.err != nil {
		return nil, "", r.err
	}
	return []byte(r.body), r.ct, nil
}

func collect() (func(Result), chan Result) {
	ch := make(chan Result, 8)
	return func(r Result) { ch <- r }, ch
}

func waitResult(t *testing.T, ch chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func TestCoordinator_SuccessAppendsAssistant(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, results := collect()
	c := NewCoordinator(newFakeBackend(fakeResp{body: `{"response":"Hi"}`, ct: "application/json"}), logCtx, onResult)

	if err := c.Submit("hello", "en-US", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := waitResult(t, results)
	if r.Text != "Hi" || r.Failed {
		t.Fatalf("unexpected result %+v", r)
	}
	entries := logCtx.Entries()
	if len(entries) != 2 || entries[0].Role != convo.RoleUser || entries[1].Role != convo.RoleAssistant {
		t.Fatalf("expected user+assistant entries, got %+v", entries)
	}
}

func TestCoordinator_SupersededResultDropped(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, results := collect()
	backend := newFakeBackend(
		fakeResp{body: `{"response":"stale"}`, ct: "application/json", delay: 300 * time.Millisecond},
		fakeResp{body: `{"response":"fresh"}`, ct: "application/json"},
	)
	c := NewCoordinator(backend, logCtx, onResult)

	if err := c.Submit("first", "en-US", 1); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Submit("second", "en-US", 2); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	r := waitResult(t, results)
	if r.Text != "fresh" || r.Turn != 2 {
		t.Fatalf("expected only the fresh result, got %+v", r)
	}
	select {
	case r2 := <-results:
		t.Fatalf("stale result leaked through: %+v", r2)
	case <-time.After(500 * time.Millisecond):
	}
	for _, e := range logCtx.Entries() {
		if e.Content == "stale" {
			t.Fatalf("superseded reply must not mutate context")
		}
	}
}

func TestCoordinator_RetriesTransientThenSucceeds(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, results := collect()
	backend := newFakeBackend(
		fakeResp{err: &httpStatusError{status: 503, body: "unavailable"}},
		fakeResp{body: `{"response":"recovered"}`, ct: "application/json"},
	)
	c := NewCoordinator(backend, logCtx, onResult)
	c.Backoff = 10 * time.Millisecond

	if err := c.Submit("hi", "en-US", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := waitResult(t, results)
	if r.Text != "recovered" || r.Failed {
		t.Fatalf("expected recovery after retry, got %+v", r)
	}
	if got := atomic.LoadInt32(&backend.calls); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestCoordinator_TerminalFailureEmitsApology(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, results := collect()
	backend := newFakeBackend(
		fakeResp{err: &httpStatusError{status: 500, body: "boom"}},
		fakeResp{err: &httpStatusError{status: 500, body: "boom again"}},
	)
	c := NewCoordinator(backend, logCtx, onResult)
	c.Backoff = 10 * time.Millisecond

	if err := c.Submit("hola", "es-ES", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := waitResult(t, results)
	if !r.Failed {
		t.Fatalf("expected failed result, got %+v", r)
	}
	if r.Text != apologyFor("es-ES") {
		t.Fatalf("expected spanish apology, got %q", r.Text)
	}
	for _, e := range logCtx.Entries() {
		if e.Role == convo.RoleAssistant {
			t.Fatalf("failed turn must not append an assistant entry")
		}
	}
	if c.HasLive() {
		t.Fatalf("terminally failed request must not stay live")
	}
}

func TestCoordinator_NonRetryableHTTPErrorNotRetried(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, results := collect()
	backend := newFakeBackend(fakeResp{err: &httpStatusError{status: 400, body: "bad request"}})
	c := NewCoordinator(backend, logCtx, onResult)

	if err := c.Submit("hi", "en-US", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := waitResult(t, results)
	if !r.Failed {
		t.Fatalf("expected failed result, got %+v", r)
	}
	if got := atomic.LoadInt32(&backend.calls); got != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", got)
	}
}

func TestCoordinator_CancelLiveDiscardsResult(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, results := collect()
	backend := newFakeBackend(fakeResp{body: `{"response":"late"}`, ct: "application/json", delay: 100 * time.Millisecond})
	c := NewCoordinator(backend, logCtx, onResult)

	if err := c.Submit("hi", "en-US", 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.CancelLive()
	select {
	case r := <-results:
		t.Fatalf("cancelled request delivered a result: %+v", r)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestCoordinator_TurnIndexMustIncrease(t *testing.T) {
	logCtx := convo.NewLog(0)
	onResult, _ := collect()
	c := NewCoordinator(newFakeBackend(), logCtx, onResult)
	if err := c.Submit("a", "en-US", 3); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Submit("b", "en-US", 3); err == nil {
		t.Fatalf("expected rejection for non-increasing turn index")
	}
	if err := c.Submit("c", "en-US", 2); err == nil {
		t.Fatalf("expected rejection for lower turn index")
	}
}
