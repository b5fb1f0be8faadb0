package relay

// Message types carried over the ConversationRelay socket.
const (
	TypeSetup     = "setup"
	TypePrompt    = "prompt"
	TypeInterrupt = "interrupt"
	TypeError     = "error"
	TypeDTMF      = "dtmf"
)

// Message is a decoded inbound transport unit. Fields are populated according
// to Type; a Message is immutable once decoded and consumed exactly once.
type Message struct {
	Type string `json:"type"`
	// setup
	CallSid string `json:"callSid,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`
	Lang        string `json:"lang,omitempty"`
	// interrupt
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt,omitempty"`
	DurationUntilInterruptMs int64  `json:"durationUntilInterruptMs,omitempty"`
	// error
	Description string `json:"description,omitempty"`
	// dtmf
	Digit string `json:"digit,omitempty"`
}

// textFrame is the outbound reply chunk sent to the transport.
type textFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// languageFrame switches the TTS/transcription language mid-call.
type languageFrame struct {
	Type                  string `json:"type"`
	TTSLanguage           string `json:"ttsLanguage"`
	TranscriptionLanguage string `json:"transcriptionLanguage"`
}
