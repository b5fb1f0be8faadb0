package reply

import (
	"encoding/json"
	"strings"
)

// Termination is metadata on a reply indicating the conversational goal was
// reached. It never suppresses delivery of the reply text it rides on.
type Termination struct {
	Confirmed bool
}

// ToolCall is a structured function invocation requested by the backend.
type ToolCall struct {
	Name      string
	Arguments string
}

// Normalized is the canonical turn result extracted from a raw backend body.
type Normalized struct {
	Text        string
	Termination *Termination
	Tools       []ToolCall
}

// FallbackText is spoken when a backend body yields no usable content at all.
const FallbackText = "I apologize, but I received an unexpected response format. Please try again."

// Reply-text keys checked in fixed priority order, case-sensitive. The backend
// drifts between formats; first match wins.
var textKeys = []string{"content", "response", "message", "text"}

// Normalize turns a raw backend response into a canonical result. It applies,
// in order: direct JSON parse when the declared content type is JSON, a
// fence-stripped brace-balanced parse, a greedy whole-body brace scan, and
// finally the trimmed body verbatim. It never fails a turn solely because
// structure was absent.
func Normalize(body []byte, contentType string) Normalized {
	text := strings.TrimSpace(string(body))

	if strings.Contains(contentType, "application/json") {
		if n, ok := parseStructured(text); ok {
			return n
		}
	}
	if sub, ok := balancedObject(stripFences(text)); ok {
		if n, ok := parseStructured(sub); ok {
			return n
		}
	}
	if sub, ok := greedyObject(text); ok {
		if n, ok := parseStructured(sub); ok {
			return n
		}
	}
	if text == "" {
		return Normalized{Text: FallbackText}
	}
	return Normalized{Text: text}
}

// parseStructured parses a candidate JSON document and extracts the reply
// fields. A bare JSON string is accepted as the reply text itself.
func parseStructured(s string) (Normalized, bool) {
	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Normalized{}, false
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return Normalized{Text: FallbackText}, true
		}
		return Normalized{Text: v}, true
	case map[string]any:
		return extractObject(v), true
	default:
		return Normalized{}, false
	}
}

func extractObject(obj map[string]any) Normalized {
	var n Normalized
	for _, key := range textKeys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			n.Text = s
			break
		}
	}
	n.Tools = extractToolCalls(obj)
	n.Termination = extractTermination(obj)
	if n.Text == "" && len(n.Tools) == 0 {
		n.Text = FallbackText
	}
	return n
}

func extractToolCalls(obj map[string]any) []ToolCall {
	rawCalls, ok := obj["tool_calls"].([]any)
	if !ok {
		return nil
	}
	var calls []ToolCall
	for _, rc := range rawCalls {
		m, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := m["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		var args string
		switch a := fn["arguments"].(type) {
		case string:
			args = a
		case map[string]any:
			b, err := json.Marshal(a)
			if err == nil {
				args = string(b)
			}
		}
		calls = append(calls, ToolCall{Name: name, Arguments: args})
	}
	return calls
}

// extractTermination reads the confirmation/closing flags. A "confirmed" flag
// with a recognized value yields a signal carrying confirmed or declined; an
// affirmative "endCall"/"closing" flag yields a confirmed signal on its own.
func extractTermination(obj map[string]any) *Termination {
	if v, present := obj["confirmed"]; present {
		if affirmative(v) {
			return &Termination{Confirmed: true}
		}
		if negative(v) {
			return &Termination{Confirmed: false}
		}
	}
	for _, key := range []string{"endCall", "end_call", "closing"} {
		if affirmative(obj[key]) {
			return &Termination{Confirmed: true}
		}
	}
	return nil
}

func affirmative(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "true", "si", "sí", "confirmed":
			return true
		}
	}
	return false
}

func negative(v any) bool {
	switch t := v.(type) {
	case bool:
		return !t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "no", "false", "declined":
			return true
		}
	}
	return false
}

// stripFences removes a surrounding Markdown code fence, with or without an
// info string, leaving the inner body.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	inner := s[3:]
	if i := strings.IndexByte(inner, '\n'); i >= 0 {
		inner = inner[i+1:]
	}
	inner = strings.TrimSpace(inner)
	inner = strings.TrimSuffix(inner, "```")
	return strings.TrimSpace(inner)
}

// balancedObject locates the first '{' and walks forward counting brace depth
// (string-aware) to the matching '}'. Returns the spanned substring.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// greedyObject spans from the first '{' to the last '}' anywhere in the body.
func greedyObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
