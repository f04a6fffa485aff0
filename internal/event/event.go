// Package event defines the immutable journal event and its registry.
package event

import (
	"strings"
	"time"

	"github.com/provenancedb/provenance/internal/identity"
)

// Type identifies the kind of an event.
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "account" for
// "account.opened").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Metadata carries the contextual fields of an event.
//
// Timestamp and Actor are informational only: they never participate in
// equality, hashing, or chain integrity.
type Metadata struct {
	// Identity is the message identity triple. Required on append.
	Identity identity.Message
	// Timestamp is when the event occurred. Defaulted by storage on append.
	Timestamp time.Time
	// Actor identifies who or what triggered the event. Optional.
	Actor string
}

// Event represents an immutable event in the journal.
//
// Seq, GlobalPos, CID, PrevCID, Signature, and SignatureKeyID are assigned by
// storage on append; no field may change once the event is persisted.
type Event struct {
	// EventID is the caller-supplied unique id used for idempotent appends.
	EventID string
	// StreamID is the stream (aggregate) this event belongs to.
	StreamID string
	// Seq is the event sequence number within the stream (starts at 0).
	Seq uint64
	// GlobalPos is the journal-wide position used by projections.
	GlobalPos int64
	// CID is the content identifier linking the event into its stream chain.
	CID string
	// PrevCID is the CID of the immediately preceding event, empty for the first.
	PrevCID string
	// Type identifies the kind of event.
	Type Type
	// Payload holds event-specific data as JSON.
	Payload []byte
	// Meta holds identity, timestamp, and actor.
	Meta Metadata
	// SignatureKeyID names the HMAC key that signed the CID.
	SignatureKeyID string
	// Signature is the HMAC signature over the CID.
	Signature string
}
