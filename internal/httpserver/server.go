// Package httpserver wires the HTTP surface: ConversationRelay websocket
// endpoints, outbound scheduling, Twilio callbacks and the monitor routes.
package httpserver

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/mancloud-rocket/botoutbound/internal/callrecord"
	"github.com/mancloud-rocket/botoutbound/internal/config"
	"github.com/mancloud-rocket/botoutbound/internal/logbuf"
	"github.com/mancloud-rocket/botoutbound/internal/middleware"
	"github.com/mancloud-rocket/botoutbound/internal/outbound"
	"github.com/mancloud-rocket/botoutbound/internal/recording"
	"github.com/mancloud-rocket/botoutbound/internal/reply"
	"github.com/mancloud-rocket/botoutbound/internal/tools"
	"github.com/mancloud-rocket/botoutbound/internal/tts"
)

// Deps bundles the collaborators the HTTP layer drives. Nil services disable
// their routes' functionality gracefully rather than at registration time.
type Deps struct {
	Cfg      config.Config
	Backend  reply.Backend
	Outbound *outbound.Service
	Recorder *recording.Service
	TTS      *tts.ElevenLabs
	Logs     *logbuf.Buffer
	Records  callrecord.Lookup
	Messages tools.MessageSender
	Calls    tools.CallRedirector
}

// Server holds the route handlers.
type Server struct {
	deps Deps
}

// New creates a configured Echo instance with all routes registered.
func New(deps Deps) *echo.Echo {
	if deps.Records == nil {
		deps.Records = callrecord.StaticLookup{}
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	s := &Server{deps: deps}
	s.register(e)
	return e
}

func (s *Server) register(e *echo.Echo) {
	twilioAuth := middleware.TwilioAuth(func() string { return s.deps.Cfg.TwilioAuthToken })

	// Monitor surface.
	e.GET("/health", s.health)
	e.GET("/test", s.test)
	e.GET("/logs", s.logs)

	// ConversationRelay sockets.
	e.GET("/sockets", s.inboundSocket)
	e.GET("/outbound-sockets", s.outboundSocket)

	// Twilio webhooks.
	e.POST("/outbound-voice", s.outboundVoice, twilioAuth)
	e.POST("/call-status", s.callStatus, twilioAuth)
	e.POST("/recording-status", s.recordingStatus, twilioAuth)
	e.POST("/simple-response", s.simpleResponse)

	// Outbound call management.
	e.POST("/schedule-call", s.scheduleCall)
	e.POST("/schedule-batch", s.scheduleBatch)
	e.POST("/cancel-call", s.cancelCall)
	e.GET("/call-stats", s.callStats)
	e.GET("/call-details/:callSid", s.callDetails)

	// Synthesis probes.
	e.GET("/voices", s.voices)
	e.POST("/generate-audio", s.generateAudio)
}
