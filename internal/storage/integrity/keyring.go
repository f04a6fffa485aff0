// Package integrity signs and verifies event CIDs with rotating HMAC keys.
//
// Signing keys are derived per stream via HKDF from a keyring of root keys,
// so a leaked per-stream key never exposes a sibling stream's signatures and
// root keys can rotate by id without rewriting history.
package integrity

import (
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyring stores root HMAC keys and the active key id.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for HMAC signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id is not configured")
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// SignCID signs an event CID with the active key.
func (k *Keyring) SignCID(streamID, cid string) (signature, keyID string, err error) {
	if k == nil {
		return "", "", fmt.Errorf("hmac keyring is not configured")
	}
	keyID = k.activeKeyID
	key, err := k.deriveKey(keyID, streamID)
	if err != nil {
		return "", "", err
	}
	return hmacSHA256Hex(key, cid), keyID, nil
}

// VerifyCID validates a CID signature made with any configured key.
func (k *Keyring) VerifyCID(streamID, cid, signature, keyID string) error {
	if k == nil {
		return fmt.Errorf("hmac keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	rootKey, ok := k.keys[keyID]
	if !ok {
		return fmt.Errorf("signature key id is unknown")
	}
	key, err := deriveStreamKey(rootKey, streamID)
	if err != nil {
		return err
	}
	expected := hmacSHA256Hex(key, cid)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (k *Keyring) deriveKey(keyID, streamID string) ([]byte, error) {
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("hmac key id is unknown")
	}
	return deriveStreamKey(rootKey, streamID)
}

func deriveStreamKey(rootKey []byte, streamID string) ([]byte, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "stream:"+streamID, 32)
	if err != nil {
		return nil, fmt.Errorf("derive stream key: %w", err)
	}
	return key, nil
}

func hmacSHA256Hex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
