// Package protocol implements the prism wire protocol: length-prefixed JSON
// frames carrying registration and response messages.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol version accepted by the server.
const Version = "1.0"

// Message types on the wire.
const (
	TypeRegistration = "registration"
	TypeResponse     = "response"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RegisterMessage is the client → server registration frame.
// Timestamp is ISO-8601 with an explicit time component.
type RegisterMessage struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Hostname  string `json:"hostname"`
	AuthToken string `json:"auth_token,omitempty"`
}

// Response is the server → client reply frame.
type Response struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewRegisterMessage builds a registration message for the given hostname,
// stamped with the current UTC time.
func NewRegisterMessage(hostname, authToken string) *RegisterMessage {
	return &RegisterMessage{
		Version:   Version,
		Type:      TypeRegistration,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostname,
		AuthToken: authToken,
	}
}

// NewResponse builds a response message with the current UTC timestamp.
func NewResponse(status, message string) *Response {
	return &Response{
		Version:   Version,
		Type:      TypeResponse,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// SuccessResponse builds a success response.
func SuccessResponse(message string) *Response {
	return NewResponse(StatusSuccess, message)
}

// ErrorResponse builds an error response.
func ErrorResponse(message string) *Response {
	return NewResponse(StatusError, message)
}

// ParseResponse decodes a response frame payload.
func ParseResponse(raw json.RawMessage) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("protocol: invalid response payload: %w", err)
	}
	return &resp, nil
}
