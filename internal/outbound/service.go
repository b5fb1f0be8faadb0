// Package outbound schedules and tracks outbound calls through the Twilio
// REST API and notifies an operator webhook about lifecycle events.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallAPI is the slice of the Twilio API the service needs. The twilio-go
// rest client's Api service satisfies it.
type CallAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
	ListCall(params *twilioApi.ListCallParams) ([]twilioApi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioApi.FetchCallParams) (*twilioApi.ApiV2010Call, error)
	ListCallRecording(callSid string, params *twilioApi.ListCallRecordingParams) ([]twilioApi.ApiV2010CallRecording, error)
}

type Config struct {
	FromNumber string
	// ServerHost is the public hostname Twilio calls back on.
	ServerHost string
	// NotifyURL receives JSON event notifications; empty disables them.
	NotifyURL string
	// DefaultCountryCode prefixes numbers submitted without one.
	DefaultCountryCode string
}

type Service struct {
	cfg        Config
	api        CallAPI
	httpClient *http.Client
}

func NewService(cfg Config, api CallAPI) *Service {
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = "+1"
	}
	return &Service{
		cfg:        cfg,
		api:        api,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CallRequest is one call to place.
type CallRequest struct {
	PhoneNumber   string                 `json:"phoneNumber"`
	CampaignID    string                 `json:"campaignId,omitempty"`
	CustomerData  map[string]interface{} `json:"customerData,omitempty"`
	ScheduledTime string                 `json:"scheduledTime,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
}

// ScheduleResult reports one successfully created call.
type ScheduleResult struct {
	Success bool   `json:"success"`
	CallSid string `json:"callSid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BatchResult aggregates a batch submission.
type BatchResult struct {
	Success    bool             `json:"success"`
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Results    []ScheduleResult `json:"results"`
	Errors     []BatchError     `json:"errors"`
}

type BatchError struct {
	PhoneNumber string `json:"phoneNumber"`
	Error       string `json:"error"`
}

// CallStats summarizes recent calls by final status.
type CallStats struct {
	Total           int `json:"total"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Busy            int `json:"busy"`
	NoAnswer        int `json:"noAnswer"`
	Canceled        int `json:"canceled"`
	InProgress      int `json:"inProgress"`
	Ringing         int `json:"ringing"`
	Queued          int `json:"queued"`
	AverageDuration int `json:"averageDuration"`
}

// StatsFilter narrows the call listing for CallStats.
type StatsFilter struct {
	StartDate time.Time
	EndDate   time.Time
	Status    string
}

// RecordingInfo is the per-recording slice of CallDetails.
type RecordingInfo struct {
	Sid      string `json:"sid"`
	Duration string `json:"duration"`
	Status   string `json:"status"`
	URI      string `json:"uri"`
}

// CallDetails is the fetched state of one call plus its recordings.
type CallDetails struct {
	CallSid    string          `json:"callSid"`
	Status     string          `json:"status"`
	Duration   string          `json:"duration"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	StartTime  string          `json:"startTime"`
	EndTime    string          `json:"endTime"`
	Price      string          `json:"price"`
	PriceUnit  string          `json:"priceUnit"`
	Recordings []RecordingInfo `json:"recordings"`
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidPhoneNumber reports whether the number is in E.164 form.
func ValidPhoneNumber(number string) bool {
	return e164.MatchString(number)
}

// FormatPhoneNumber strips everything but digits and prefixes the country
// code when the input carried no leading +.
func FormatPhoneNumber(number, countryCode string) string {
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if strings.HasPrefix(strings.TrimSpace(number), "+") {
		return "+" + digits.String()
	}
	return countryCode + digits.String()
}

// ScheduleCall creates one outbound call pointed at the relay's voice
// endpoint, with machine detection disabled for immediate connection.
func (s *Service) ScheduleCall(ctx context.Context, req CallRequest) (ScheduleResult, error) {
	if req.PhoneNumber == "" {
		return ScheduleResult{}, fmt.Errorf("phone number is required")
	}
	to := FormatPhoneNumber(req.PhoneNumber, s.cfg.DefaultCountryCode)
	if !ValidPhoneNumber(to) {
		return ScheduleResult{}, fmt.Errorf("invalid phone number %q", req.PhoneNumber)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.FromNumber)
	params.SetUrl(fmt.Sprintf("https://%s/outbound-voice", s.cfg.ServerHost))
	params.SetStatusCallback(fmt.Sprintf("https://%s/call-status", s.cfg.ServerHost))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod("POST")
	params.SetMachineDetection("Disable")
	params.SetTimeout(30)
	params.SetRecord(true)
	params.SetRecordingChannels("dual")
	params.SetRecordingStatusCallback(fmt.Sprintf("https://%s/recording-status", s.cfg.ServerHost))

	call, err := s.api.CreateCall(params)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("create call to %s: %w", to, err)
	}
	sid := deref(call.Sid)
	status := deref(call.Status)

	s.notify(ctx, map[string]interface{}{
		"type":          "call_scheduled",
		"callSid":       sid,
		"phoneNumber":   to,
		"campaignId":    req.CampaignID,
		"customerData":  req.CustomerData,
		"scheduledTime": req.ScheduledTime,
		"priority":      req.Priority,
	})

	return ScheduleResult{
		Success: true,
		CallSid: sid,
		Status:  status,
		Message: "Call scheduled successfully",
	}, nil
}

// ScheduleBatch places every call in the list, collecting per-number errors
// instead of aborting the batch.
func (s *Service) ScheduleBatch(ctx context.Context, list []CallRequest) BatchResult {
	out := BatchResult{Success: true, Total: len(list)}
	for _, req := range list {
		res, err := s.ScheduleCall(ctx, req)
		if err != nil {
			out.Errors = append(out.Errors, BatchError{PhoneNumber: req.PhoneNumber, Error: err.Error()})
			continue
		}
		out.Results = append(out.Results, res)
	}
	out.Successful = len(out.Results)
	out.Failed = len(out.Errors)
	return out
}

// CancelCall cancels a queued or ringing call.
func (s *Service) CancelCall(ctx context.Context, callSid string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("canceled")
	if _, err := s.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("cancel call %s: %w", callSid, err)
	}
	s.notify(ctx, map[string]interface{}{
		"type":    "call_canceled",
		"callSid": callSid,
	})
	return nil
}

// Stats lists recent calls and aggregates them by status.
func (s *Service) Stats(ctx context.Context, filter StatsFilter) (CallStats, error) {
	params := &twilioApi.ListCallParams{}
	params.SetLimit(1000)
	if !filter.StartDate.IsZero() {
		params.SetStartTimeAfter(filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		params.SetStartTimeBefore(filter.EndDate)
	}
	if filter.Status != "" {
		params.SetStatus(filter.Status)
	}
	calls, err := s.api.ListCall(params)
	if err != nil {
		return CallStats{}, fmt.Errorf("list calls: %w", err)
	}

	stats := CallStats{Total: len(calls)}
	var durationSum, durationCount int
	for _, c := range calls {
		status := deref(c.Status)
		switch status {
		case "completed":
			stats.Completed++
		case "failed":
			stats.Failed++
		case "busy":
			stats.Busy++
		case "no-answer":
			stats.NoAnswer++
		case "canceled":
			stats.Canceled++
		case "in-progress":
			stats.InProgress++
		case "ringing":
			stats.Ringing++
		case "queued":
			stats.Queued++
		}
		if status == "completed" && c.Duration != nil {
			if d, err := strconv.Atoi(*c.Duration); err == nil {
				durationSum += d
				durationCount++
			}
		}
	}
	if durationCount > 0 {
		stats.AverageDuration = int(float64(durationSum)/float64(durationCount) + 0.5)
	}
	return stats, nil
}

// Details fetches one call and its recordings.
func (s *Service) Details(ctx context.Context, callSid string) (CallDetails, error) {
	call, err := s.api.FetchCall(callSid, &twilioApi.FetchCallParams{})
	if err != nil {
		return CallDetails{}, fmt.Errorf("fetch call %s: %w", callSid, err)
	}
	recordings, err := s.api.ListCallRecording(callSid, &twilioApi.ListCallRecordingParams{})
	if err != nil {
		return CallDetails{}, fmt.Errorf("list recordings for %s: %w", callSid, err)
	}
	details := CallDetails{
		CallSid:   deref(call.Sid),
		Status:    deref(call.Status),
		Duration:  deref(call.Duration),
		From:      deref(call.From),
		To:        deref(call.To),
		StartTime: deref(call.StartTime),
		EndTime:   deref(call.EndTime),
		Price:     deref(call.Price),
		PriceUnit: deref(call.PriceUnit),
	}
	for _, r := range recordings {
		details.Recordings = append(details.Recordings, RecordingInfo{
			Sid:      deref(r.Sid),
			Duration: deref(r.Duration),
			Status:   deref(r.Status),
			URI:      deref(r.Uri),
		})
	}
	return details, nil
}

// NotifyEvent forwards an arbitrary lifecycle event (e.g. a Twilio status
// callback) to the operator webhook.
func (s *Service) NotifyEvent(ctx context.Context, event map[string]interface{}) {
	s.notify(ctx, event)
}

// notify POSTs an event to the operator webhook. Failures are logged, never
// surfaced; notifications are best-effort.
func (s *Service) notify(ctx context.Context, event map[string]interface{}) {
	if s.cfg.NotifyURL == "" {
		return
	}
	event["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	event["source"] = "outbound-service"
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("outbound: marshal notification: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.NotifyURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("outbound: build notification: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "botoutbound-service/1.0")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("outbound: notify operator: %v", err)
		return
	}
	resp.Body.Close()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
