// Package tts wraps the ElevenLabs HTTP API for voice listing and audio
// generation, and reports which synthesis provider a call should use.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mancloud-rocket/botoutbound/internal/voice"
)

// DefaultVoiceID is the ElevenLabs voice used when none is configured.
const DefaultVoiceID = "JM2A9JbRp8XUJ7bdCXJc"

const defaultBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabs is a thin client over the ElevenLabs REST API.
type ElevenLabs struct {
	APIKey  string
	VoiceID string
	BaseURL string
	// Use selects ElevenLabs as the call synthesis provider. The probe
	// endpoints work whenever an API key is present, independent of Use.
	Use        bool
	HTTPClient *http.Client
}

func NewElevenLabs(apiKey, voiceID string) *ElevenLabs {
	if voiceID == "" {
		voiceID = DefaultVoiceID
	}
	if apiKey == "" {
		log.Printf("elevenlabs: api key not configured")
	}
	return &ElevenLabs{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		BaseURL:    defaultBaseURL,
		Use:        apiKey != "",
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether ElevenLabs synthesis can be used.
func (e *ElevenLabs) Enabled() bool { return e.APIKey != "" }

// Voice is one entry from the ElevenLabs voice catalogue.
type Voice struct {
	ID       string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Voices lists the voices available to the configured account.
func (e *ElevenLabs) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.APIKey)

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list voices: status %d", resp.StatusCode)
	}
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return out.Voices, nil
}

// GenerateOptions tune one synthesis request. Zero values use the API
// defaults the service was tuned with.
type GenerateOptions struct {
	VoiceID    string
	Model      string
	Stability  float64
	Similarity float64
}

// Generate synthesizes text and returns the raw audio bytes.
func (e *ElevenLabs) Generate(ctx context.Context, text string, opts GenerateOptions) ([]byte, error) {
	if !e.Enabled() {
		return nil, fmt.Errorf("elevenlabs api key missing")
	}
	voiceID := opts.VoiceID
	if voiceID == "" {
		voiceID = e.VoiceID
	}
	model := opts.Model
	if model == "" {
		model = "eleven_multilingual_v2"
	}
	stability := opts.Stability
	if stability == 0 {
		stability = 0.5
	}
	similarity := opts.Similarity
	if similarity == 0 {
		similarity = 0.75
	}
	payload := map[string]interface{}{
		"text":     text,
		"model_id": model,
		"voice_settings": map[string]interface{}{
			"stability":         stability,
			"similarity_boost":  similarity,
			"style":             0.0,
			"use_speaker_boost": true,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/text-to-speech/"+voiceID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("generate audio: status %d body %s", resp.StatusCode, preview)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	log.Printf("elevenlabs: generated %d bytes for %d chars", len(audio), len(text))
	return audio, nil
}

// ProviderInfo describes the synthesis path a call will use, consumed by the
// TwiML builder and the health endpoint.
type ProviderInfo struct {
	Provider   string `json:"provider"`
	Voice      string `json:"voice"`
	Configured bool   `json:"configured"`
}

// Provider picks ElevenLabs when configured and selected, otherwise the
// per-language Google voice table.
func (e *ElevenLabs) Provider(lang string) ProviderInfo {
	if e.Use && e.Enabled() {
		return ProviderInfo{Provider: "ElevenLabs", Voice: e.VoiceID, Configured: true}
	}
	return ProviderInfo{Provider: voice.DefaultTTSProvider, Voice: voice.ForLanguage(lang).Primary}
}
