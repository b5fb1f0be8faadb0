package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twilio/twilio-go"

	"github.com/mancloud-rocket/botoutbound/internal/callrecord"
	"github.com/mancloud-rocket/botoutbound/internal/config"
	"github.com/mancloud-rocket/botoutbound/internal/httpserver"
	"github.com/mancloud-rocket/botoutbound/internal/logbuf"
	"github.com/mancloud-rocket/botoutbound/internal/outbound"
	"github.com/mancloud-rocket/botoutbound/internal/recording"
	"github.com/mancloud-rocket/botoutbound/internal/reply"
	"github.com/mancloud-rocket/botoutbound/internal/storage"
	"github.com/mancloud-rocket/botoutbound/internal/tools"
	"github.com/mancloud-rocket/botoutbound/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	logs := logbuf.New(0)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg := config.Load()

	deps := httpserver.Deps{
		Cfg:     cfg,
		Backend: reply.NewClient(cfg.WebhookURL),
		Logs:    logs,
	}

	deps.TTS = tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	deps.TTS.Use = cfg.UseElevenLabs && cfg.ElevenLabsKey != ""

	rec := callrecord.Default()
	rec.Language = cfg.DefaultLanguage

	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.TwilioAccountSID,
			Password: cfg.TwilioAuthToken,
		})
		deps.Outbound = outbound.NewService(outbound.Config{
			FromNumber:         cfg.TwilioFromNumber,
			ServerHost:         cfg.PublicHost,
			NotifyURL:          cfg.OperatorWebhookURL,
			DefaultCountryCode: cfg.DefaultCountryCode,
		}, client.Api)
		deps.Messages = tools.NewTwilioMessages(client)
		deps.Calls = tools.NewTwilioCalls(client)

		if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
			store, err := storage.NewSupabase(storage.Config{
				URL:            cfg.SupabaseURL,
				ServiceRoleKey: cfg.SupabaseServiceRoleKey,
				Bucket:         cfg.SupabaseBucket,
			})
			if err != nil {
				log.Printf("supabase storage disabled: %v", err)
			} else {
				deps.Recorder = recording.NewService(recording.Config{
					AccountSID:  cfg.TwilioAccountSID,
					AuthToken:   cfg.TwilioAuthToken,
					CallbackURL: fmt.Sprintf("https://%s/recording-status", cfg.PublicHost),
				}, client.Api, store)
				rec.Recording = true
			}
		}
	}
	deps.Records = callrecord.StaticLookup{Record: rec}

	e := httpserver.New(deps)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on :%s", cfg.Port)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
