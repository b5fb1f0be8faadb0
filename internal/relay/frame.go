package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// framePrefix is the stray textual marker the transport is known to prepend
// to some frames before the JSON payload.
const framePrefix = "json"

// DecodeFrame turns a raw inbound frame into a typed Message. It strips the
// known framing prefix and surrounding whitespace, requires the payload to
// begin with '{' or '[', and applies a strict JSON parse. On any failure it
// returns an error so the caller can drop the frame and keep the connection
// alive; it never panics and never blocks.
func DecodeFrame(data []byte) (Message, error) {
	clean := strings.TrimSpace(string(data))
	clean = strings.TrimPrefix(clean, framePrefix)
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return Message{}, fmt.Errorf("decode frame: empty payload")
	}
	if clean[0] != '{' && clean[0] != '[' {
		return Message{}, fmt.Errorf("decode frame: payload starts with %q, want '{' or '['", clean[0])
	}
	var msg Message
	if err := json.Unmarshal([]byte(clean), &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode frame: missing type")
	}
	return msg, nil
}
