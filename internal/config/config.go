package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port string
	// PublicHost is the externally reachable hostname used in TwiML socket
	// URLs and Twilio status callbacks.
	PublicHost string

	// WebhookURL is the reply-generation webhook each conversation turn is
	// POSTed to.
	WebhookURL string
	// OperatorWebhookURL receives call lifecycle notifications.
	OperatorWebhookURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TransferNumber   string
	WhatsAppFrom     string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	ElevenLabsKey     string
	ElevenLabsVoiceID string
	UseElevenLabs     bool

	DefaultLanguage    string
	DefaultCountryCode string
	GracePeriod        time.Duration
}

// Load reads environment variables (optionally from .env) and returns Config
// with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		PublicHost:             os.Getenv("SERVER"),
		WebhookURL:             os.Getenv("N8N_WEBHOOK_URL"),
		OperatorWebhookURL:     os.Getenv("ROCKETBOT_WEBHOOK_URL"),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:       os.Getenv("TWILIO_FROM_NUMBER"),
		TransferNumber:         os.Getenv("TRANSFER_NUMBER"),
		WhatsAppFrom:           os.Getenv("WHATSAPP_FROM_NUMBER"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "voice-recording"),
		ElevenLabsKey:          os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:      os.Getenv("ELEVENLABS_VOICE_ID"),
		UseElevenLabs:          os.Getenv("USE_ELEVENLABS") == "true",
		DefaultLanguage:        getEnv("DEFAULT_LANGUAGE", "es-ES"),
		DefaultCountryCode:     getEnv("DEFAULT_COUNTRY_CODE", "+1"),
		GracePeriod:            5 * time.Second,
	}
	if v := os.Getenv("INPUT_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("Warning: invalid INPUT_GRACE_PERIOD %q: %v", v, err)
		} else {
			cfg.GracePeriod = d
		}
	}

	if cfg.WebhookURL == "" {
		log.Println("Warning: N8N_WEBHOOK_URL not set - reply generation will not work")
	}
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		log.Println("Warning: Twilio credentials not set - outbound calls and recording will not work")
	}
	if cfg.PublicHost == "" {
		log.Println("Warning: SERVER not set - TwiML socket URLs will be incomplete")
	}
	if cfg.UseElevenLabs && cfg.ElevenLabsKey == "" {
		log.Println("Warning: USE_ELEVENLABS set but ELEVENLABS_API_KEY missing - falling back to Google TTS")
	}

	log.Printf("config: port=%s host=%s language=%s", cfg.Port, cfg.PublicHost, cfg.DefaultLanguage)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
