package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/prismhq/prism/internal/protocol"
)

func validMessage() *protocol.RegisterMessage {
	return &protocol.RegisterMessage{
		Version:   "1.0",
		Type:      "registration",
		Timestamp: "2026-08-26T10:00:00Z",
		Hostname:  "host-a.example.com",
	}
}

func TestValidate_AcceptsWellFormedMessage(t *testing.T) {
	v := New(nil)
	if err := v.Validate(validMessage()); err != nil {
		t.Fatalf("well-formed message rejected: %v", err)
	}
}

func TestValidate_WarnsOnReservedHostname(t *testing.T) {
	var buf bytes.Buffer
	v := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	msg := validMessage()
	msg.Hostname = "LOCALHOST."
	if err := v.Validate(msg); err != nil {
		t.Fatalf("reserved hostname should be accepted, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "reserved hostname") {
		t.Fatalf("expected a reserved-hostname warning, log output: %q", out)
	}
	if !strings.Contains(out, `"hostname":"localhost"`) {
		t.Fatalf("warning should carry the canonical hostname, log output: %q", out)
	}
}

func TestValidate_RejectsUnsupportedVersion(t *testing.T) {
	v := New(nil)
	msg := validMessage()
	msg.Version = "2.0"
	err := v.Validate(msg)
	var verr *Error
	if !errors.As(err, &verr) || verr.Field != "version" {
		t.Fatalf("expected version validation error, got %v", err)
	}
}

func TestValidate_RejectsMissingFields(t *testing.T) {
	v := New(nil)
	tests := []struct {
		name   string
		mutate func(*protocol.RegisterMessage)
		field  string
	}{
		{"no version", func(m *protocol.RegisterMessage) { m.Version = "" }, "version"},
		{"no type", func(m *protocol.RegisterMessage) { m.Type = "" }, "type"},
		{"no timestamp", func(m *protocol.RegisterMessage) { m.Timestamp = "" }, "timestamp"},
		{"no hostname", func(m *protocol.RegisterMessage) { m.Hostname = "" }, "hostname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validMessage()
			tt.mutate(msg)
			err := v.Validate(msg)
			var verr *Error
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected %s error, got %v", tt.field, err)
			}
		})
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	v := New(nil)
	raw := json.RawMessage(`{"version":"1.0","type":"registration","timestamp":"2026-08-26T10:00:00Z","hostname":"host-a","extra":"field"}`)
	if _, err := v.Parse(raw); err == nil {
		t.Fatal("message with unknown field accepted")
	}
}

func TestParse_CanonicalizesHostname(t *testing.T) {
	v := New(nil)
	raw := json.RawMessage(`{"version":"1.0","type":"registration","timestamp":"2026-08-26T10:00:00Z","hostname":"Host-A.Example.COM"}`)
	msg, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Hostname != "host-a.example.com" {
		t.Errorf("got canonical hostname %q", msg.Hostname)
	}
}

func TestValidateHostname_Boundaries(t *testing.T) {
	label63 := strings.Repeat("a", 63)
	// Four 63-char labels minus one char: 253 total.
	name253 := label63 + "." + label63 + "." + label63 + "." + strings.Repeat("a", 61)
	if len(name253) != 253 {
		t.Fatalf("test fixture is %d chars", len(name253))
	}

	tests := []struct {
		hostname string
		ok       bool
	}{
		{"host-a", true},
		{"a", true},
		{"host-a.example.com", true},
		{name253, true},
		{name253 + "a", false},
		{label63, true},
		{label63 + "a", false},
		{"-bad-", false},
		{"bad-", false},
		{"ba..d", false},
		{".bad", false},
		{"bad.", false},
		{"ba_d", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateHostname(tt.hostname)
		if tt.ok && err != nil {
			t.Errorf("hostname %q rejected: %v", tt.hostname, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("hostname %q accepted", tt.hostname)
		}
	}
}

func TestValidate_SecurityScan(t *testing.T) {
	v := New(nil)
	hostile := []string{
		"<script>alert(1)</script>",
		"javascript:alert(1)",
		"x onload=evil",
		"../../etc/passwd",
		"host\x00name",
		"<img src=x>",
	}
	for _, h := range hostile {
		msg := validMessage()
		msg.AuthToken = h
		err := v.Validate(msg)
		var serr *SecurityError
		if !errors.As(err, &serr) {
			t.Errorf("hostile token %q passed the scan (err=%v)", h, err)
		}
	}
}

func TestValidate_TimestampForms(t *testing.T) {
	v := New(nil)
	tests := []struct {
		ts string
		ok bool
	}{
		{"2026-08-26T10:00:00Z", true},
		{"2026-08-26T10:00:00+02:00", true},
		{"2026-08-26T10:00:00.123456Z", true},
		{"2026-08-26T10:00:00-0500", true},
		{"2026-08-26", false},
		{"not-a-time", false},
		{"10:00:00", false},
	}
	for _, tt := range tests {
		msg := validMessage()
		msg.Timestamp = tt.ts
		err := v.Validate(msg)
		if tt.ok && err != nil {
			t.Errorf("timestamp %q rejected: %v", tt.ts, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("timestamp %q accepted", tt.ts)
		}
	}
}

// Sanitization output is always either empty or a valid hostname prefix form:
// lowercased, no leading/trailing separators, no doubled dots.
func TestSanitizeHostname_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		input := rapid.StringMatching(`[A-Za-z0-9.\-]{0,40}`).Draw(t, "input")
		s := SanitizeHostname(input)

		if s != strings.ToLower(s) {
			t.Fatalf("sanitized form %q is not lowercased", s)
		}
		if strings.Contains(s, "..") {
			t.Fatalf("sanitized form %q contains doubled dots", s)
		}
		if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") ||
			strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") {
			t.Fatalf("sanitized form %q keeps leading/trailing separators", s)
		}
		// Sanitizing twice changes nothing.
		if SanitizeHostname(s) != s {
			t.Fatalf("sanitization is not idempotent for %q", input)
		}
	})
}
