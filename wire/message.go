// Package wire defines the JSON control-message protocol spoken over the
// device websocket: the outbound envelope shape, the inbound message types
// the backend pushes, and decoding between them.
package wire

import (
	"encoding/json"
	"time"
)

// Type discriminates control messages on the wire.
type Type string

// Message types exchanged with the backend.
const (
	// Outbound.
	TypeDeviceInfo Type = "device_info"

	// Inbound.
	TypeAlert    Type = "alert"
	TypeMLResult Type = "ml_result"
	TypeAck      Type = "connection_ack"
	TypeError    Type = "error"
)

// Envelope is the frame shape for every control message, in both
// directions. Data carries the type-specific payload and may be absent.
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix milliseconds
	DeviceID  string          `json:"device_id,omitempty"`
}

// NewEnvelope builds an outbound envelope, marshaling data into the Data
// field and stamping the current time. A nil data leaves Data empty.
func NewEnvelope(t Type, deviceID string, data any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		DeviceID:  deviceID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, &ParseError{Field: "data", Err: err}
		}
		env.Data = raw
	}
	return env, nil
}

// DeviceInfoPayload announces the device to the backend right after the
// websocket opens.
type DeviceInfoPayload struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// Alert severities the backend assigns.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// AlertPayload is pushed when the backend's analysis flags an event on the
// device's media, such as cry detection or unusually high motion.
// Description is only set for alert types that carry free-form text, such
// as safety concerns.
type AlertPayload struct {
	AlertType   string          `json:"alert_type"`
	Severity    string          `json:"severity"`
	Confidence  float64         `json:"confidence"`
	DeviceID    string          `json:"device_id"`
	SessionID   string          `json:"session_id"`
	Timestamp   string          `json:"timestamp"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// MLResultPayload carries a raw per-chunk inference result. Result is left
// undecoded; its shape depends on the model that produced it.
type MLResultPayload struct {
	SessionID string          `json:"session_id"`
	ModelType string          `json:"model_type"`
	Result    json.RawMessage `json:"result"`
	Timestamp string          `json:"timestamp"`
}

// AckPayload confirms the websocket registration for a device.
type AckPayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}

// ErrorPayload reports a backend-side protocol or processing error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound is a decoded backend message. Exactly one of the payload fields
// is set for a known Type; unknown types keep only Type and Raw so callers
// can tolerate protocol additions.
type Inbound struct {
	Type Type
	Raw  json.RawMessage

	Alert    *AlertPayload
	MLResult *MLResultPayload
	Ack      *AckPayload
	Err      *ErrorPayload
}

// Known reports whether the message type is one this client understands.
func (in Inbound) Known() bool {
	switch in.Type {
	case TypeAlert, TypeMLResult, TypeAck, TypeError:
		return true
	}
	return false
}

// Decode parses one inbound websocket frame. A frame that is not valid JSON
// or whose payload does not match its declared type yields a *ParseError.
// Frames of unknown type decode successfully with only Type and Raw set.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Inbound{}, &ParseError{Field: "envelope", Err: err}
	}

	in := Inbound{Type: env.Type, Raw: env.Data}
	if len(env.Data) == 0 {
		// Known types all require a payload.
		if in.Known() {
			return Inbound{}, &ParseError{Field: string(env.Type), Err: ErrMissingData}
		}
		return in, nil
	}

	switch env.Type {
	case TypeAlert:
		in.Alert = &AlertPayload{}
		if err := json.Unmarshal(env.Data, in.Alert); err != nil {
			return Inbound{}, &ParseError{Field: "alert", Err: err}
		}
	case TypeMLResult:
		in.MLResult = &MLResultPayload{}
		if err := json.Unmarshal(env.Data, in.MLResult); err != nil {
			return Inbound{}, &ParseError{Field: "ml_result", Err: err}
		}
	case TypeAck:
		in.Ack = &AckPayload{}
		if err := json.Unmarshal(env.Data, in.Ack); err != nil {
			return Inbound{}, &ParseError{Field: "connection_ack", Err: err}
		}
	case TypeError:
		in.Err = &ErrorPayload{}
		if err := json.Unmarshal(env.Data, in.Err); err != nil {
			return Inbound{}, &ParseError{Field: "error", Err: err}
		}
	}
	return in, nil
}
