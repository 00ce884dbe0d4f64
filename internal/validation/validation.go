// Package validation implements the two-stage registration message check:
// a structural stage (required fields, known types, protocol version) and a
// semantic stage (hostname form, timestamp form, security scan).
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/prismhq/prism/internal/protocol"
)

// Hostname limits per RFC 1123.
const (
	MaxHostnameLength = 253
	MaxLabelLength    = 63
)

// Error is a per-message validation failure. The connection survives it.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// SecurityError is raised when a field carries suspicious content.
// It is logged at warning level and treated like a validation failure
// on the wire.
type SecurityError struct {
	Field   string
	Pattern string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security: %s: matched %s", e.Field, e.Pattern)
}

var (
	labelRe        = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
	eventHandlerRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// Hostnames accepted but flagged: registering them is almost always an agent
// misconfiguration.
var reservedHostnames = map[string]bool{
	"localhost":     true,
	"broadcasthost": true,
}

// Validator checks decoded registration messages.
type Validator struct {
	validate   *validator.Validate
	htmlPolicy *bluemonday.Policy
	logger     *slog.Logger
}

// New creates a Validator.
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		validate:   validator.New(),
		htmlPolicy: bluemonday.StrictPolicy(),
		logger:     logger,
	}
}

// Parse decodes a raw frame payload into a RegisterMessage and validates it.
// The returned message has its Hostname replaced with the canonical
// (sanitized) form.
func (v *Validator) Parse(raw json.RawMessage) (*protocol.RegisterMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var msg protocol.RegisterMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, &Error{Field: "message", Reason: "unexpected or malformed fields"}
	}
	if err := v.Validate(&msg); err != nil {
		return nil, err
	}
	msg.Hostname = SanitizeHostname(msg.Hostname)
	return &msg, nil
}

// Validate runs both validation stages on a decoded message.
func (v *Validator) Validate(msg *protocol.RegisterMessage) error {
	// Structural stage: cheap checks first.
	if err := v.validate.Var(msg.Version, "required"); err != nil {
		return &Error{Field: "version", Reason: "missing"}
	}
	if msg.Version != protocol.Version {
		return &Error{Field: "version", Reason: fmt.Sprintf("unsupported version %q", msg.Version)}
	}
	if err := v.validate.Var(msg.Type, "required"); err != nil {
		return &Error{Field: "type", Reason: "missing"}
	}
	if msg.Type != protocol.TypeRegistration {
		return &Error{Field: "type", Reason: fmt.Sprintf("unsupported type %q", msg.Type)}
	}
	if err := v.validate.Var(msg.Timestamp, "required"); err != nil {
		return &Error{Field: "timestamp", Reason: "missing"}
	}
	if err := v.validate.Var(msg.Hostname, "required"); err != nil {
		return &Error{Field: "hostname", Reason: "missing"}
	}

	// Security scan runs before the semantic stage so that hostile content
	// is reported as such rather than as a shape mismatch.
	fields := map[string]string{
		"version":    msg.Version,
		"type":       msg.Type,
		"timestamp":  msg.Timestamp,
		"hostname":   msg.Hostname,
		"auth_token": msg.AuthToken,
	}
	for name, value := range fields {
		if err := v.scanField(name, value); err != nil {
			v.logger.Warn("suspicious content in registration message",
				slog.String("field", name),
				slog.String("error", err.Error()))
			return err
		}
	}

	// Semantic stage. The hostname is validated as received; sanitization
	// only decides the canonical stored form for names that pass.
	if err := ValidateHostname(strings.TrimSpace(msg.Hostname)); err != nil {
		return err
	}
	if err := validateTimestamp(msg.Timestamp); err != nil {
		return err
	}

	if canonical := SanitizeHostname(msg.Hostname); reservedHostnames[canonical] {
		v.logger.Warn("registration for reserved hostname accepted",
			slog.String("hostname", canonical))
	}
	return nil
}

// scanField rejects script fragments, URL schemes used for injection,
// HTML event handlers, control characters and path traversal.
func (v *Validator) scanField(name, value string) error {
	if value == "" {
		return nil
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "<script") {
		return &SecurityError{Field: name, Pattern: "script tag"}
	}
	if strings.Contains(lower, "javascript:") {
		return &SecurityError{Field: name, Pattern: "javascript url"}
	}
	if eventHandlerRe.MatchString(value) {
		return &SecurityError{Field: name, Pattern: "html event handler"}
	}
	if strings.Contains(value, "../") {
		return &SecurityError{Field: name, Pattern: "path traversal"}
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' {
			return &SecurityError{Field: name, Pattern: "control character"}
		}
		if r == 0x7f {
			return &SecurityError{Field: name, Pattern: "control character"}
		}
	}
	// Any markup that the strict HTML policy would strip is hostile here:
	// no field of a registration message legitimately contains tags.
	if strings.ContainsRune(value, '<') && v.htmlPolicy.Sanitize(value) != value {
		return &SecurityError{Field: name, Pattern: "html content"}
	}
	return nil
}

// ValidateHostname checks RFC 1123 form: length caps, label shape,
// no leading or trailing dots or hyphens, no empty labels.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return &Error{Field: "hostname", Reason: "empty after sanitization"}
	}
	if len(hostname) > MaxHostnameLength {
		return &Error{Field: "hostname", Reason: fmt.Sprintf("%d characters exceeds limit of %d", len(hostname), MaxHostnameLength)}
	}
	if strings.HasPrefix(hostname, ".") || strings.HasSuffix(hostname, ".") {
		return &Error{Field: "hostname", Reason: "leading or trailing dot"}
	}
	if strings.Contains(hostname, "..") {
		return &Error{Field: "hostname", Reason: "consecutive dots"}
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 {
			return &Error{Field: "hostname", Reason: "empty label"}
		}
		if len(label) > MaxLabelLength {
			return &Error{Field: "hostname", Reason: fmt.Sprintf("label %q exceeds %d characters", label, MaxLabelLength)}
		}
		if !labelRe.MatchString(label) {
			return &Error{Field: "hostname", Reason: fmt.Sprintf("label %q is not a valid RFC 1123 label", label)}
		}
	}
	return nil
}

// SanitizeHostname produces the canonical stored form: lowercased, trimmed,
// doubled dots collapsed, leading and trailing separators stripped.
func SanitizeHostname(hostname string) string {
	s := strings.ToLower(strings.TrimSpace(hostname))
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, ".-")
	return s
}

// validateTimestamp accepts ISO-8601 with an explicit time component,
// terminated with Z or a numeric offset.
func validateTimestamp(ts string) error {
	layouts := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05.999999999-0700",
	}
	for _, layout := range layouts {
		if _, err := time.Parse(layout, ts); err == nil {
			return nil
		}
	}
	return &Error{Field: "timestamp", Reason: "not an ISO-8601 instant with a time component"}
}
