package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
)

// MessageSender delivers one outbound SMS or WhatsApp message.
type MessageSender interface {
	Send(to, from, body string) error
}

// CallRedirector replaces the TwiML of a live call, dropping it out of the
// relay and into whatever the new document says.
type CallRedirector interface {
	Redirect(callSid, twiml string) error
}

// Config is the per-call context the tools need: who is on the line and
// where transfers and notifications go.
type Config struct {
	CallSid        string
	CustomerPhone  string
	TransferNumber string
	SMSFrom        string
	WhatsAppFrom   string
}

// Registry executes the functions the reply backend may request mid-call.
// It satisfies the session's ToolRunner interface.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	messages MessageSender
	calls    CallRedirector
}

func NewRegistry(cfg Config, messages MessageSender, calls CallRedirector) *Registry {
	return &Registry{cfg: cfg, messages: messages, calls: calls}
}

// Bind attaches the call identity once the transport's setup message has
// assigned it. The customer phone is kept only when known.
func (r *Registry) Bind(callSid, customerPhone string) {
	r.mu.Lock()
	r.cfg.CallSid = callSid
	if customerPhone != "" {
		r.cfg.CustomerPhone = customerPhone
	}
	r.mu.Unlock()
}

func (r *Registry) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Filler phrases spoken while a tool executes, keyed by tool name. Tools
// without an entry run silently.
var sayings = map[string]string{
	"transferCall": "One moment while I transfer your call.",
	"placeOrder":   "One moment while I place your order.",
}

// Say returns the filler phrase for a tool, if it has one.
func (r *Registry) Say(name string) (string, bool) {
	s, ok := sayings[name]
	return s, ok
}

// Run dispatches one tool invocation. The returned string is fed back to the
// reply backend as the function's result.
func (r *Registry) Run(ctx context.Context, name, arguments string) (string, error) {
	cfg := r.config()
	log.Printf("[%s] running tool %s(%s)", cfg.CallSid, name, arguments)
	switch name {
	case "transferCall":
		return r.transferCall(cfg, arguments)
	case "placeOrder":
		return r.placeOrder(cfg, arguments)
	case "changeLanguage":
		return r.changeLanguage(arguments)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (r *Registry) transferCall(cfg Config, arguments string) (string, error) {
	var args struct {
		Number string `json:"number"`
	}
	// Arguments are advisory; a parse failure falls back to the configured
	// transfer target.
	_ = json.Unmarshal([]byte(arguments), &args)
	number := args.Number
	if number == "" {
		number = cfg.TransferNumber
	}
	if number == "" {
		return "", fmt.Errorf("no transfer number configured")
	}
	if r.calls == nil {
		return "", fmt.Errorf("call redirection unavailable")
	}
	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Dial>%s</Dial></Response>`, number)
	if err := r.calls.Redirect(cfg.CallSid, twiml); err != nil {
		return "", fmt.Errorf("transfer call: %w", err)
	}
	return fmt.Sprintf("Call transfer initiated to %s.", number), nil
}

func (r *Registry) placeOrder(cfg Config, arguments string) (string, error) {
	var args struct {
		Order string `json:"order"`
		Phone string `json:"phone"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse order arguments: %w", err)
	}
	if strings.TrimSpace(args.Order) == "" {
		return "", fmt.Errorf("order details missing")
	}
	phone := args.Phone
	if phone == "" {
		phone = cfg.CustomerPhone
	}
	if phone == "" {
		return "", fmt.Errorf("no phone number for order confirmation")
	}
	if r.messages == nil {
		return "", fmt.Errorf("messaging unavailable")
	}
	body := "Your order has been placed: " + args.Order
	if cfg.SMSFrom != "" {
		if err := r.messages.Send(phone, cfg.SMSFrom, body); err != nil {
			return "", fmt.Errorf("order confirmation sms: %w", err)
		}
	}
	if cfg.WhatsAppFrom != "" {
		if err := r.messages.Send("whatsapp:"+phone, "whatsapp:"+cfg.WhatsAppFrom, body); err != nil {
			// SMS already went out; a WhatsApp failure is not worth
			// reporting a failed order to the caller.
			log.Printf("[%s] whatsapp confirmation failed: %v", cfg.CallSid, err)
		}
	}
	return fmt.Sprintf("Order placed successfully. Confirmation sent to %s.", phone), nil
}

func (r *Registry) changeLanguage(arguments string) (string, error) {
	var args struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse language arguments: %w", err)
	}
	if args.Language == "" {
		return "", fmt.Errorf("language missing")
	}
	return fmt.Sprintf("Language changed to %s.", args.Language), nil
}
