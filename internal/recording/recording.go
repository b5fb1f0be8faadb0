// Package recording starts Twilio call recordings and archives the completed
// audio to object storage.
package recording

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Uploader stores one finished recording.
type Uploader interface {
	Upload(key, contentType string, data []byte) error
}

// RecordingAPI is the slice of the Twilio API used to start recordings; the
// twilio-go rest client's Api service satisfies it.
type RecordingAPI interface {
	CreateCallRecording(callSid string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error)
}

type Config struct {
	AccountSID string
	AuthToken  string
	// CallbackURL receives recording status events from Twilio.
	CallbackURL string
}

type Service struct {
	cfg        Config
	api        RecordingAPI
	uploader   Uploader
	httpClient *http.Client
}

func NewService(cfg Config, api RecordingAPI, uploader Uploader) *Service {
	return &Service{
		cfg:        cfg,
		api:        api,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Start begins a dual-channel recording of a live call.
func (s *Service) Start(callSid string) error {
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(s.cfg.CallbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("dual")

	if _, err := s.api.CreateCallRecording(callSid, params); err != nil {
		return fmt.Errorf("start recording for %s: %w", callSid, err)
	}
	log.Printf("[%s] recording started", callSid)
	return nil
}

// Ingest downloads a completed recording and uploads it to storage.
func (s *Service) Ingest(ctx context.Context, recordingURL, recordingSid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download recording %s: %w", recordingSid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording %s: status %d", recordingSid, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read recording %s: %w", recordingSid, err)
	}

	filename := fmt.Sprintf("recording_%s_%d.wav", recordingSid, time.Now().Unix())
	if err := s.uploader.Upload(filename, "audio/wav", data); err != nil {
		return err
	}
	log.Printf("recording uploaded: %s (%d bytes)", filename, len(data))
	return nil
}

// HandleCompleted archives a finished recording in the background; intended
// for status-callback handlers that must answer Twilio quickly.
func (s *Service) HandleCompleted(recordingURL, recordingSid string) {
	if recordingURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Ingest(ctx, recordingURL, recordingSid); err != nil {
			log.Printf("failed to archive recording %s: %v", recordingSid, err)
		}
	}()
}
