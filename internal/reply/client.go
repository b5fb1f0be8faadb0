package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Payload is the request body sent to the reply-generation webhook for each
// turn: the current utterance plus a serialized view of the conversation.
type Payload struct {
	CurrentMessage      string `json:"currentMessage"`
	ConversationHistory string `json:"conversationHistory"`
	LastUserMessage     string `json:"lastUserMessage"`
	Timestamp           string `json:"timestamp"`
	InteractionCount    int    `json:"interactionCount"`
	TotalMessages       int    `json:"totalMessages"`
}

// Backend issues one reply-generation request and returns the raw body with
// its declared content type. Implementations must honor ctx cancellation.
type Backend interface {
	Generate(ctx context.Context, p Payload) (body []byte, contentType string, err error)
}

// Client calls the reply-generation webhook over HTTP.
type Client struct {
	HTTPClient *http.Client
	WebhookURL string
}

func NewClient(webhookURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		WebhookURL: webhookURL,
	}
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("webhook error: status=%d body=%s", e.status, e.body)
}

// Generate POSTs the payload and returns the raw response body. Non-2xx
// statuses are returned as errors so the coordinator can classify them.
func (c *Client) Generate(ctx context.Context, p Payload) ([]byte, string, error) {
	if c.WebhookURL == "" {
		return nil, "", fmt.Errorf("webhook url missing")
	}
	reqBody, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := string(body)
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return nil, "", &httpStatusError{status: resp.StatusCode, body: preview}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// transient reports whether an error is worth one retry: timeouts, transport
// failures and 5xx/429 statuses. Other HTTP errors are terminal.
func transient(err error) bool {
	if err == nil {
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// http.Client wraps dial and transport faults in *url.Error, which is a
	// net.Error. What remains (missing configuration, marshal failures) a
	// retry cannot fix.
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
