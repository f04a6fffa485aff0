package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/provenancedb/provenance/internal/identity"
	"github.com/provenancedb/provenance/internal/platform/id"
)

// DecodeFunc decodes an event payload into its typed form.
type DecodeFunc func(payload []byte) (any, error)

// UpgradeFunc rewrites an older payload shape into the next one.
type UpgradeFunc func(payload []byte) ([]byte, error)

type upgrade struct {
	to Type
	fn UpgradeFunc
}

// Registry validates events before append and upgrades persisted payloads to
// their canonical shape at read time.
//
// Upgrades form a chain per type: registering v1 -> v2 and v2 -> v3 makes
// Canonical rewrite a stored v1 event into v3 before any fold sees it. CIDs
// are always computed over the originally stored bytes, never the upgraded
// ones.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Type]DecodeFunc
	upgrades map[Type]upgrade
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[Type]DecodeFunc),
		upgrades: make(map[Type]upgrade),
	}
}

// Register installs a decoder for an event type.
func (r *Registry) Register(t Type, decode DecodeFunc) error {
	if !t.IsValid() {
		return fmt.Errorf("event type is required")
	}
	if decode == nil {
		return fmt.Errorf("decoder is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[t]; ok {
		return fmt.Errorf("event type %q is already registered", t)
	}
	r.decoders[t] = decode
	return nil
}

// RegisterUpgrade installs an upgrade from an older event type variant to a
// newer one.
func (r *Registry) RegisterUpgrade(from, to Type, fn UpgradeFunc) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("event types are required")
	}
	if from == to {
		return fmt.Errorf("upgrade cannot target its own type")
	}
	if fn == nil {
		return fmt.Errorf("upgrade function is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.upgrades[from]; ok {
		return fmt.Errorf("upgrade for %q is already registered", from)
	}
	r.upgrades[from] = upgrade{to: to, fn: fn}
	return nil
}

// ValidateForAppend normalizes and validates an event before it is persisted.
//
// The event id is generated when absent; callers that need idempotent retry
// must supply their own. The identity triple is mandatory and must satisfy
// the identity algebra.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	if r == nil {
		return Event{}, fmt.Errorf("event registry is required")
	}
	if !evt.Type.IsValid() {
		return Event{}, fmt.Errorf("event type is required")
	}
	if evt.EventID == "" {
		evt.EventID = id.New()
	}
	if len(evt.Payload) == 0 {
		evt.Payload = []byte(`{}`)
	}
	if !json.Valid(evt.Payload) {
		return Event{}, fmt.Errorf("event payload must be valid JSON")
	}
	if err := identity.Validate(evt.Meta.Identity, nil); err != nil {
		return Event{}, err
	}
	if evt.Meta.Timestamp.IsZero() {
		evt.Meta.Timestamp = time.Now().UTC()
	}
	evt.Meta.Timestamp = evt.Meta.Timestamp.UTC().Truncate(time.Millisecond)
	return evt, nil
}

// Canonical applies the registered upgrade chain so callers only ever fold
// the latest payload shape.
//
// The returned event keeps its stored sequence, CID, and identity; only Type
// and Payload are rewritten.
func (r *Registry) Canonical(evt Event) (Event, error) {
	if r == nil {
		return evt, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Type]bool)
	for {
		up, ok := r.upgrades[evt.Type]
		if !ok {
			return evt, nil
		}
		if seen[evt.Type] {
			return Event{}, fmt.Errorf("upgrade cycle detected at %q", evt.Type)
		}
		seen[evt.Type] = true

		payload, err := up.fn(evt.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("upgrade %q to %q: %w", evt.Type, up.to, err)
		}
		evt.Type = up.to
		evt.Payload = payload
	}
}

// Decode resolves the typed payload for an event, upgrading it first.
func (r *Registry) Decode(evt Event) (any, error) {
	canonical, err := r.Canonical(evt)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	decode, ok := r.decoders[canonical.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no decoder registered for %q", canonical.Type)
	}
	return decode(canonical.Payload)
}
