// Package scopes holds the static catalog of delegable capabilities.
//
// A scope is a "resource:action" pair. The catalog is immutable at runtime;
// unknown scope names are hard validation failures everywhere, never
// silently dropped.
package scopes

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies what a scope permits.
type Kind string

const (
	KindRead     Kind = "read"
	KindDraft    Kind = "draft"
	KindGenerate Kind = "generate"
	KindWrite    Kind = "write"
	KindFinalize Kind = "finalize"
	KindSign     Kind = "sign"
)

// Definition describes one entry of the registry.
type Definition struct {
	Name                   string
	Kind                   Kind
	BotEligible            bool
	RequiresPrivilegedRole bool
	Description            string
}

// ErrUnknownScope is returned when a scope name is not in the catalog.
var ErrUnknownScope = errors.New("scopes: unknown scope")

// Scope name constants used across the service.
const (
	PatientRead       = "patient:read"
	AppointmentRead   = "appointment:read"
	DailyNoteRead     = "dailynote:read"
	DailyNoteDraft    = "dailynote:draft"
	DailyNoteGenerate = "dailynote:generate"
	CarePlanDraft     = "careplan:draft"
	MessageDraft      = "message:draft"
	DailyNoteWrite    = "dailynote:write"
	DailyNoteFinalize = "dailynote:finalize"
	DocumentSign      = "document:sign"
)

var registry = map[string]Definition{
	PatientRead:       {Name: PatientRead, Kind: KindRead, BotEligible: true, Description: "Read patient demographics and status"},
	AppointmentRead:   {Name: AppointmentRead, Kind: KindRead, BotEligible: true, Description: "Read appointment schedules"},
	DailyNoteRead:     {Name: DailyNoteRead, Kind: KindRead, BotEligible: true, Description: "Read daily clinical notes"},
	DailyNoteDraft:    {Name: DailyNoteDraft, Kind: KindDraft, BotEligible: true, Description: "Create draft daily notes pending human ratification"},
	DailyNoteGenerate: {Name: DailyNoteGenerate, Kind: KindGenerate, BotEligible: true, RequiresPrivilegedRole: true, Description: "Generate daily note content from structured data"},
	CarePlanDraft:     {Name: CarePlanDraft, Kind: KindDraft, BotEligible: true, RequiresPrivilegedRole: true, Description: "Create draft care plans pending human ratification"},
	MessageDraft:      {Name: MessageDraft, Kind: KindDraft, BotEligible: true, Description: "Create draft patient messages"},

	// Authoritative writes are never delegable to a bot.
	DailyNoteWrite:    {Name: DailyNoteWrite, Kind: KindWrite, Description: "Write authoritative daily notes"},
	DailyNoteFinalize: {Name: DailyNoteFinalize, Kind: KindFinalize, Description: "Finalize daily notes"},
	DocumentSign:      {Name: DocumentSign, Kind: KindSign, Description: "Sign clinical documents"},
}

// Resolve looks up a scope definition by name.
func Resolve(name string) (Definition, error) {
	def, ok := registry[strings.TrimSpace(name)]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownScope, name)
	}
	return def, nil
}

// BotEligible returns the sorted names of all scopes a bot may ever hold.
func BotEligible() []string {
	var out []string
	for name, def := range registry {
		if def.BotEligible {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// IsDraftScope reports whether the named scope creates draft artifacts.
// Unknown names report false; callers must Resolve first when the name
// originates from external input.
func IsDraftScope(name string) bool {
	def, ok := registry[strings.TrimSpace(name)]
	return ok && def.Kind == KindDraft
}

// Normalize trims, lower-cases, deduplicates and sorts a scope name list.
// It does not validate membership; use Resolve for that.
func Normalize(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
