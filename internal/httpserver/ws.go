package httpserver

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mancloud-rocket/botoutbound/internal/callrecord"
	"github.com/mancloud-rocket/botoutbound/internal/relay"
	"github.com/mancloud-rocket/botoutbound/internal/tools"
)

// Reply text is streamed to the transport in small word chunks so playback
// starts before the full reply is delivered.
const (
	emitChunkWords = 4
	emitChunkDelay = 100 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Twilio connects from its own infrastructure; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) inboundSocket(c echo.Context) error {
	return s.serveSocket(c, relay.DirectionInbound)
}

func (s *Server) outboundSocket(c echo.Context) error {
	return s.serveSocket(c, relay.DirectionOutbound)
}

func (s *Server) serveSocket(c echo.Context, dir relay.Direction) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	log.Printf("socket connected: direction=%s remote=%s", dir, conn.RemoteAddr())
	go s.runSession(conn, dir)
	return nil
}

// runSession owns one websocket connection: it builds the session and pumps
// frames into it until the far side closes.
func (s *Server) runSession(conn *websocket.Conn, dir relay.Direction) {
	defer conn.Close()

	reg := tools.NewRegistry(tools.Config{
		TransferNumber: s.deps.Cfg.TransferNumber,
		SMSFrom:        s.deps.Cfg.TwilioFromNumber,
		WhatsAppFrom:   s.deps.Cfg.WhatsAppFrom,
	}, s.deps.Messages, s.deps.Calls)

	sess := relay.NewSession(relay.NewWSTransport(conn), s.deps.Backend, relay.SessionConfig{
		Direction: dir,
		Grace:     s.deps.Cfg.GracePeriod,
		Records:   s.deps.Records,
		Emitter:   relay.EmitterConfig{ChunkWords: emitChunkWords, ChunkDelay: emitChunkDelay},
		Tools:     reg,
		OnSetup: func(callSid, phone string, rec *callrecord.Record) {
			reg.Bind(callSid, phone)
			if rec.Recording && s.deps.Recorder != nil {
				if err := s.deps.Recorder.Start(callSid); err != nil {
					log.Printf("[%s] start recording: %v", callSid, err)
				}
			}
		},
	})
	defer sess.Shutdown()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[%s] socket closed: %v", sess.ID(), err)
			return
		}
		sess.HandleFrame(data)
	}
}
