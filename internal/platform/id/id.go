// Package id generates compact, URL-safe unique identifiers.
//
// Identifiers are 128-bit UUIDv4 values encoded as lowercase, unpadded
// base32 (26 characters).
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// New returns a fresh identifier, panicking only if the system entropy
// source is unavailable.
func New() string {
	value := uuid.Must(uuid.NewRandom())
	return strings.ToLower(encoding.EncodeToString(value[:]))
}
