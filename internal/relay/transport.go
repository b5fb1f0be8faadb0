package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a gorilla websocket connection to the Transport
// interface. Writes are serialized; gorilla connections allow only one
// concurrent writer.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) SendText(token string, last bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteJSON(textFrame{Type: "text", Token: token, Last: last}); err != nil {
		return fmt.Errorf("write text frame: %w", err)
	}
	return nil
}

func (t *WSTransport) SendLanguage(ttsLanguage, transcriptionLanguage string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteJSON(languageFrame{
		Type:                  "language",
		TTSLanguage:           ttsLanguage,
		TranscriptionLanguage: transcriptionLanguage,
	}); err != nil {
		return fmt.Errorf("write language frame: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame carrying the reason, then tears the
// connection down.
func (t *WSTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	deadline := time.Now().Add(2 * time.Second)
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && err != websocket.ErrCloseSent {
		t.conn.Close()
		return fmt.Errorf("write close frame: %w", err)
	}
	return t.conn.Close()
}
