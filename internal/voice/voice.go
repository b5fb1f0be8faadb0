// Package voice holds the per-language TTS voice table, instant greetings
// and speech-recognition hints used when building ConversationRelay TwiML.
package voice

// DefaultLanguage is used when a call record names no language.
const DefaultLanguage = "es-ES"

// Defaults for the primary synthesis path.
const (
	DefaultVoice       = "es-ES-Neural2-C"
	DefaultTTSProvider = "Google"
)

// Speech recognition settings tuned for telephony latency.
const (
	TranscriptionProvider = "Google"
	SpeechModel           = "telephony"
	SpeechHints           = "asistente, virtual, consulta, información, ayuda, servicio, atención, cliente"
)

// Alternates lists the voices available for one language, in preference order.
type Alternates struct {
	Primary   string
	Secondary string
	Tertiary  string
}

var alternates = map[string]Alternates{
	"es-ES": {Primary: "es-ES-Neural2-C", Secondary: "es-ES-Neural2-D", Tertiary: "es-ES-Neural2-E"},
	"fr-FR": {Primary: "fr-FR-Neural2-C", Secondary: "fr-FR-Neural2-D"},
	"en-US": {Primary: "en-US-Neural2-C", Secondary: "en-US-Neural2-D"},
}

var greetings = map[string]string{
	"es-ES": "¡Hola! Soy tu asistente virtual. ¿En qué puedo ayudarte hoy?",
	"fr-FR": "Bonjour! Je suis votre assistant virtuel. Comment puis-je vous aider aujourd'hui?",
	"en-US": "Hello! I'm your virtual assistant. How can I help you today?",
}

// ForLanguage returns the voice alternates for a language. Unknown languages
// fall back to the default language's table.
func ForLanguage(lang string) Alternates {
	if a, ok := alternates[lang]; ok {
		return a
	}
	return alternates[DefaultLanguage]
}

// Greeting returns the instant greeting spoken while the first reply is being
// generated.
func Greeting(lang string) string {
	if g, ok := greetings[lang]; ok {
		return g
	}
	return greetings[DefaultLanguage]
}

// Supported reports whether a dedicated voice table exists for the language.
func Supported(lang string) bool {
	_, ok := alternates[lang]
	return ok
}
