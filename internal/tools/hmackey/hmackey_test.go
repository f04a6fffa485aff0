package hmackey

import (
	"bytes"
	"flag"
	"fmt"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("hmackey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 32 {
		t.Fatalf("expected default bytes 32, got %d", cfg.Bytes)
	}
	if cfg.KeyID != "v1" {
		t.Fatalf("expected default key id v1, got %q", cfg.KeyID)
	}
}

func TestParseConfigOverride(t *testing.T) {
	fs := flag.NewFlagSet("hmackey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-bytes", "16", "-key-id", "v2"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 16 {
		t.Fatalf("expected bytes 16, got %d", cfg.Bytes)
	}
	if cfg.KeyID != "v2" {
		t.Fatalf("expected key id v2, got %q", cfg.KeyID)
	}
}

func TestRunRejectsInvalidBytes(t *testing.T) {
	if err := Run(Config{Bytes: 0, KeyID: "v1"}, &bytes.Buffer{}, bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for non-positive bytes")
	}
}

func TestRunRejectsEmptyKeyID(t *testing.T) {
	if err := Run(Config{Bytes: 4, KeyID: " "}, &bytes.Buffer{}, bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for blank key id")
	}
}

func TestRunWritesHex(t *testing.T) {
	buf := &bytes.Buffer{}
	reader := bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04})
	if err := Run(Config{Bytes: 4, KeyID: "v1"}, buf, reader); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "PROVENANCE_EVENT_HMAC_KEYS=v1=01020304\nPROVENANCE_EVENT_HMAC_KEY_ID=v1\n"
	if buf.String() != want {
		t.Fatalf("expected env output %q, got %q", want, buf.String())
	}
}

func TestRunNilOutput(t *testing.T) {
	if err := Run(Config{Bytes: 4, KeyID: "v1"}, nil, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}

func TestRunDefaultReader(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{Bytes: 4, KeyID: "v1"}, buf, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 env lines, got %q", buf.String())
	}
	const prefix = "PROVENANCE_EVENT_HMAC_KEYS=v1="
	if !strings.HasPrefix(lines[0], prefix) {
		t.Fatalf("expected env prefix, got %q", lines[0])
	}
	if len(strings.TrimPrefix(lines[0], prefix)) != 8 {
		t.Fatalf("expected 8 hex chars, got %q", lines[0])
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, fmt.Errorf("read error") }

func TestRunReaderFailure(t *testing.T) {
	if err := Run(Config{Bytes: 4, KeyID: "v1"}, &bytes.Buffer{}, errReader{}); err == nil {
		t.Fatal("expected error from failing reader")
	}
}
