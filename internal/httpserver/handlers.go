package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"

	"github.com/mancloud-rocket/botoutbound/internal/middleware"
	"github.com/mancloud-rocket/botoutbound/internal/outbound"
	"github.com/mancloud-rocket/botoutbound/internal/tts"
	"github.com/mancloud-rocket/botoutbound/internal/voice"
)

func (s *Server) health(c echo.Context) error {
	configured := func(v string) string {
		if v != "" {
			return "configured"
		}
		return "not_configured"
	}
	var provider tts.ProviderInfo
	if s.deps.TTS != nil {
		provider = s.deps.TTS.Provider(s.deps.Cfg.DefaultLanguage)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
		"services": map[string]string{
			"twilio":     configured(s.deps.Cfg.TwilioAccountSID),
			"operator":   configured(s.deps.Cfg.OperatorWebhookURL),
			"webhook":    configured(s.deps.Cfg.WebhookURL),
			"elevenlabs": configured(s.deps.Cfg.ElevenLabsKey),
			"supabase":   configured(s.deps.Cfg.SupabaseURL),
		},
		"tts": provider,
	})
}

func (s *Server) test(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"message":   "Server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) logs(c echo.Context) error {
	if s.deps.Logs == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	return c.JSON(http.StatusOK, s.deps.Logs.Lines())
}

// simpleResponse turns a loosely formatted operator POST into a spoken TwiML
// response. It always answers 200 with valid TwiML so the call never drops.
func (s *Server) simpleResponse(c echo.Context) error {
	voiceName := voice.ForLanguage(s.deps.Cfg.DefaultLanguage).Primary

	text := extractResponseText(c.Request().Body)
	if text == "" {
		text = "Hola, soy tu asistente virtual. ¿En qué puedo ayudarte?"
	}

	say := &twiml.VoiceSay{Message: text, Voice: voiceName}
	doc, err := twiml.Voice([]twiml.Element{say})
	if err != nil {
		doc = fmt.Sprintf(`<Response><Say voice=%q>Lo siento, hubo un error procesando tu solicitud. Por favor, intenta de nuevo.</Say></Response>`, voiceName)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/xml; charset=utf-8")
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.String(http.StatusOK, doc)
}

// extractResponseText pulls a reply string from a body that may be a JSON
// object under several possible keys, a JSON string, or plain text.
func extractResponseText(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	var obj map[string]interface{}
	if json.Unmarshal(body, &obj) == nil {
		for _, key := range []string{"response", "text", "message", "content"} {
			if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	var str string
	if json.Unmarshal(body, &str) == nil {
		return strings.TrimSpace(str)
	}
	return strings.TrimSpace(string(body))
}

// outboundVoice answers Twilio's voice webhook with the ConversationRelay
// document pointing at the outbound socket.
func (s *Server) outboundVoice(c echo.Context) error {
	lang := s.deps.Cfg.DefaultLanguage
	provider := tts.ProviderInfo{Provider: voice.DefaultTTSProvider, Voice: voice.ForLanguage(lang).Primary}
	if s.deps.TTS != nil {
		provider = s.deps.TTS.Provider(lang)
	}

	doc := fmt.Sprintf(`<Response>
  <Connect>
    <ConversationRelay
      url="wss://%s/outbound-sockets?callType=outbound"
      dtmfDetection="true"
      ttsProvider="%s"
      voice="%s"
      language="%s"
      transcriptionProvider="%s"
      speechModel="telephony_short"
      hints="%s"
      interruptible="speech"
      preemptible="true"
      reportInputDuringAgentSpeech="none"
      welcomeGreetingInterruptible="speech"
    />
  </Connect>
</Response>`, s.deps.Cfg.PublicHost, provider.Provider, provider.Voice, lang, voice.TranscriptionProvider, voice.SpeechHints)

	c.Response().Header().Set(echo.HeaderContentType, "text/xml")
	return c.String(http.StatusOK, doc)
}

// callStatus relays Twilio status callbacks to the operator webhook.
func (s *Server) callStatus(c echo.Context) error {
	params := middleware.Params(c)
	if s.deps.Outbound != nil {
		s.deps.Outbound.NotifyEvent(c.Request().Context(), map[string]interface{}{
			"type":         "call_status",
			"callSid":      params["CallSid"],
			"status":       params["CallStatus"],
			"duration":     params["CallDuration"],
			"recordingUrl": params["RecordingUrl"],
		})
	}
	return c.String(http.StatusOK, "OK")
}

// recordingStatus archives completed recordings to storage.
func (s *Server) recordingStatus(c echo.Context) error {
	params := middleware.Params(c)
	switch params["RecordingStatus"] {
	case "completed":
		if s.deps.Recorder != nil {
			s.deps.Recorder.HandleCompleted(params["RecordingUrl"], params["RecordingSid"])
		}
	case "failed", "absent":
		c.Echo().Logger.Errorf("recording %s reported %s", params["RecordingSid"], params["RecordingStatus"])
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Server) scheduleCall(c echo.Context) error {
	if s.deps.Outbound == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Outbound calling not configured"})
	}
	var req outbound.CallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	res, err := s.deps.Outbound.ScheduleCall(c.Request().Context(), req)
	if err != nil {
		c.Echo().Logger.Errorf("schedule call: %v", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) scheduleBatch(c echo.Context) error {
	if s.deps.Outbound == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Outbound calling not configured"})
	}
	var req struct {
		Calls []outbound.CallRequest `json:"calls"`
	}
	if err := c.Bind(&req); err != nil || len(req.Calls) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "calls list is required"})
	}
	return c.JSON(http.StatusOK, s.deps.Outbound.ScheduleBatch(c.Request().Context(), req.Calls))
}

func (s *Server) cancelCall(c echo.Context) error {
	if s.deps.Outbound == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Outbound calling not configured"})
	}
	var req struct {
		CallSid string `json:"callSid"`
	}
	if err := c.Bind(&req); err != nil || req.CallSid == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "callSid is required"})
	}
	if err := s.deps.Outbound.CancelCall(c.Request().Context(), req.CallSid); err != nil {
		c.Echo().Logger.Errorf("cancel call: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to cancel call"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "message": "Call canceled successfully"})
}

func (s *Server) callStats(c echo.Context) error {
	if s.deps.Outbound == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Outbound calling not configured"})
	}
	var filter outbound.StatsFilter
	if v := c.QueryParam("startDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid startDate"})
		}
		filter.StartDate = t
	}
	if v := c.QueryParam("endDate"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid endDate"})
		}
		filter.EndDate = t
	}
	filter.Status = c.QueryParam("status")

	stats, err := s.deps.Outbound.Stats(c.Request().Context(), filter)
	if err != nil {
		c.Echo().Logger.Errorf("call stats: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get call stats"})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) callDetails(c echo.Context) error {
	if s.deps.Outbound == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Outbound calling not configured"})
	}
	callSid := c.Param("callSid")
	details, err := s.deps.Outbound.Details(c.Request().Context(), callSid)
	if err != nil {
		c.Echo().Logger.Errorf("call details for %s: %v", callSid, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get call details"})
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) voices(c echo.Context) error {
	if s.deps.TTS == nil || !s.deps.TTS.Enabled() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "ElevenLabs not configured"})
	}
	voices, err := s.deps.TTS.Voices(c.Request().Context())
	if err != nil {
		c.Echo().Logger.Errorf("list voices: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "Failed to list voices"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"voices": voices})
}

func (s *Server) generateAudio(c echo.Context) error {
	if s.deps.TTS == nil || !s.deps.TTS.Enabled() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "ElevenLabs not configured"})
	}
	var req struct {
		Text    string `json:"text"`
		VoiceID string `json:"voiceId"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}
	audio, err := s.deps.TTS.Generate(c.Request().Context(), req.Text, tts.GenerateOptions{VoiceID: req.VoiceID})
	if err != nil {
		c.Echo().Logger.Errorf("generate audio: %v", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "Failed to generate audio"})
	}
	return c.Blob(http.StatusOK, "audio/mpeg", audio)
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
