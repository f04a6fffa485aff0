// Package chain computes and verifies the content identifiers that link a
// stream's events into a tamper-evident chain.
//
// The CID of an event is the hex SHA-256 digest of the RFC 8785 canonical
// JSON form of a four-field envelope: stream id, event type, base64 payload,
// and the predecessor's CID. Timestamp and actor never participate, so
// informational metadata can be read without affecting integrity. The
// envelope is canonicalized with github.com/gowebpki/jcs so any reader, in
// any language, can recompute the digest from the documented byte layout.
package chain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/provenancedb/provenance/internal/event"
)

// BrokenLinkError indicates an event whose prev_cid does not point at its
// predecessor.
type BrokenLinkError struct {
	StreamID string
	Seq      uint64
}

func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("chain: broken link stream_id=%s seq=%d", e.StreamID, e.Seq)
}

// BrokenChainError indicates an event whose stored CID does not match a
// recomputation from its own fields. The chain is corrupted at this sequence
// and must not be extended or auto-repaired.
type BrokenChainError struct {
	StreamID string
	Seq      uint64
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("chain: broken cid chain stream_id=%s seq=%d", e.StreamID, e.Seq)
}

// envelope fixes the exact bytes fed into the CID hash.
type envelope struct {
	Payload  string `json:"payload"`
	PrevCID  string `json:"prev_cid"`
	StreamID string `json:"stream_id"`
	Type     string `json:"type"`
}

// Compute derives the CID for an event's fields.
//
// Compute is pure and deterministic: identical inputs always produce the
// same CID, and any single-bit change to stream id, type, payload, or
// previous CID produces a different one.
func Compute(streamID string, eventType event.Type, payload []byte, prevCID string) (string, error) {
	if streamID == "" {
		return "", fmt.Errorf("stream id is required")
	}
	if !eventType.IsValid() {
		return "", fmt.Errorf("event type is required")
	}
	raw, err := json.Marshal(envelope{
		Payload:  base64.StdEncoding.EncodeToString(payload),
		PrevCID:  prevCID,
		StreamID: streamID,
		Type:     string(eventType),
	})
	if err != nil {
		return "", fmt.Errorf("marshal cid envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize cid envelope: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks an event against the running predecessor CID.
//
// prevCID is empty for the first event of a stream. A linkage mismatch
// reports BrokenLinkError; a stored CID that no longer matches the event's
// own fields reports BrokenChainError.
func Verify(evt event.Event, prevCID string) error {
	if evt.PrevCID != prevCID {
		return &BrokenLinkError{StreamID: evt.StreamID, Seq: evt.Seq}
	}
	computed, err := Compute(evt.StreamID, evt.Type, evt.Payload, evt.PrevCID)
	if err != nil {
		return err
	}
	if computed != evt.CID {
		return &BrokenChainError{StreamID: evt.StreamID, Seq: evt.Seq}
	}
	return nil
}

// VerifyLink checks an event against its immediate predecessor.
//
// previous is nil for the first event of a stream.
func VerifyLink(evt event.Event, previous *event.Event) error {
	prevCID := ""
	if previous != nil {
		prevCID = previous.CID
	}
	return Verify(evt, prevCID)
}
