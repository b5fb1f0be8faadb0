package callrecord

import (
	"context"
	"fmt"
)

// Record carries the seed context for one call: persona prompt, customer
// profile, order history, inventory, example dialogue and the default
// language. It is consumed once at session start and never mutated after.
type Record struct {
	SysPrompt string
	Profile   string
	Orders    string
	Inventory string
	Example   string
	Model     string
	Language  string
	// Recording starts a continuous call recording at setup.
	Recording bool
	// ChangeSTT allows the changeLanguage tool to switch the transcription
	// language mid-call.
	ChangeSTT bool
}

// Lookup resolves the record for a call. Implementations are external
// collaborators (CRM, campaign store); sessions receive the resolved record
// explicitly and fall back to Default when none is supplied.
type Lookup interface {
	Find(ctx context.Context, callSid string) (*Record, error)
}

// Default is the inline record used when no per-call record exists. It keeps
// outbound campaign calls functional without a configured lookup.
func Default() *Record {
	return &Record{
		SysPrompt: "Eres María, una asistente virtual. Tu META PRINCIPAL es confirmar la asistencia al evento. Preséntate con tu nombre y pregunta de manera cálida en qué puedes ayudar.",
		Profile:   "Customer profile information",
		Orders:    "Order history",
		Inventory: "Available products",
		Example:   "Example conversations",
		Model:     "gpt-4o",
		Language:  "es-ES",
	}
}

// SeedEntries returns the system-context entries to pin into a fresh
// conversation, in seeding order. Empty fields are skipped by the caller.
func (r *Record) SeedEntries() []string {
	return []string{
		r.SysPrompt,
		r.Profile,
		r.Orders,
		r.Inventory,
		r.Example,
		fmt.Sprintf("You can speak in many languages, but use default language %s for this conversation from now on! Remember it as the default language, even if you change language in between. Treat en-US and en-GB etc. as different languages.", r.Language),
	}
}

// StaticLookup serves a fixed record for every call; useful for single
// campaign deployments and tests.
type StaticLookup struct {
	Record *Record
}

func (s StaticLookup) Find(ctx context.Context, callSid string) (*Record, error) {
	if s.Record == nil {
		return Default(), nil
	}
	return s.Record, nil
}
