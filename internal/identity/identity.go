// Package identity implements the correlation/causation identity algebra.
//
// Every message in the system carries a triple of message id, correlation id,
// and causation id. A root message is self-correlated and self-caused; a
// caused message inherits the correlation id of its trigger and records the
// trigger's message id as its causation id. The triple is opaque: the only
// ways to obtain a valid Message are NewRoot, NewCaused, and Restore.
package identity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrBrokenCorrelation indicates a message that does not descend from its
	// claimed causing ancestor.
	ErrBrokenCorrelation = errors.New("identity: correlation does not match causing ancestor")
	// ErrSelfCausation indicates a non-root message that claims to have caused itself.
	ErrSelfCausation = errors.New("identity: non-root message cannot cause itself")
	// ErrMalformed indicates an identity triple that is structurally invalid.
	ErrMalformed = errors.New("identity: malformed message identity")
)

// Message is an opaque, validated message identity triple.
//
// The zero value is invalid; storage layers rehydrate persisted triples
// through Restore.
type Message struct {
	messageID     uuid.UUID
	correlationID uuid.UUID
	causationID   uuid.UUID
}

// NewRoot generates the identity of a message with no causal parent.
// All three ids are equal.
func NewRoot() Message {
	id := uuid.New()
	return Message{messageID: id, correlationID: id, causationID: id}
}

// NewCaused generates the identity of a message triggered by parent.
//
// The correlation id is inherited unchanged and the causation id is the
// parent's message id.
func NewCaused(parent Message) (Message, error) {
	if parent.IsZero() {
		return Message{}, fmt.Errorf("%w: parent is required", ErrMalformed)
	}
	return Message{
		messageID:     uuid.New(),
		correlationID: parent.correlationID,
		causationID:   parent.messageID,
	}, nil
}

// Restore rehydrates a persisted identity triple.
//
// Restore enforces the structural invariants that hold without knowing the
// causing ancestor: all three ids parse, and a message whose causation id
// equals its own message id must be a full root triple.
func Restore(messageID, correlationID, causationID string) (Message, error) {
	mid, err := uuid.Parse(messageID)
	if err != nil {
		return Message{}, fmt.Errorf("%w: message id: %v", ErrMalformed, err)
	}
	cid, err := uuid.Parse(correlationID)
	if err != nil {
		return Message{}, fmt.Errorf("%w: correlation id: %v", ErrMalformed, err)
	}
	caid, err := uuid.Parse(causationID)
	if err != nil {
		return Message{}, fmt.Errorf("%w: causation id: %v", ErrMalformed, err)
	}
	m := Message{messageID: mid, correlationID: cid, causationID: caid}
	if m.causationID == m.messageID && !m.IsRoot() {
		return Message{}, ErrSelfCausation
	}
	return m, nil
}

// MessageID returns the canonical string form of the message id.
func (m Message) MessageID() string { return m.messageID.String() }

// CorrelationID returns the canonical string form of the correlation id.
func (m Message) CorrelationID() string { return m.correlationID.String() }

// CausationID returns the canonical string form of the causation id.
func (m Message) CausationID() string { return m.causationID.String() }

// IsRoot reports whether the message has no causal parent.
func (m Message) IsRoot() bool {
	return m.messageID == m.correlationID && m.messageID == m.causationID
}

// IsZero reports whether the triple is unset.
func (m Message) IsZero() bool {
	return m.messageID == uuid.Nil && m.correlationID == uuid.Nil && m.causationID == uuid.Nil
}

// Validate checks the identity against the algebra's laws.
//
// When parent is non-nil it is treated as the claimed causing ancestor: the
// correlation id must be inherited from it and the causation id must equal
// its message id. Both violations report ErrBrokenCorrelation because either
// way the message does not descend from the claimed parent.
func Validate(m Message, parent *Message) error {
	if m.IsZero() {
		return fmt.Errorf("%w: identity is required", ErrMalformed)
	}
	if m.messageID == uuid.Nil || m.correlationID == uuid.Nil || m.causationID == uuid.Nil {
		return fmt.Errorf("%w: all three ids are required", ErrMalformed)
	}
	if m.IsRoot() {
		if parent != nil {
			return fmt.Errorf("%w: root message cannot claim a parent", ErrBrokenCorrelation)
		}
		return nil
	}
	if m.causationID == m.messageID {
		return ErrSelfCausation
	}
	if parent != nil {
		if m.correlationID != parent.correlationID {
			return ErrBrokenCorrelation
		}
		if m.causationID != parent.messageID {
			return ErrBrokenCorrelation
		}
	}
	return nil
}
