package domain

import "time"

// Envelope is the uniform API response shape. Every REST response and every
// push message body is wrapped in one.
type Envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *EnvelopeError `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EnvelopeError is the serialized form of a taxonomy error.
type EnvelopeError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

// Fail wraps an error in a failure envelope. Non-taxonomy errors are reported
// as InternalError without leaking the underlying message.
func Fail(err error) Envelope {
	env := Envelope{Success: false, Timestamp: time.Now().UTC()}
	if de, ok := err.(*Error); ok {
		env.Error = &EnvelopeError{Code: de.Code, Message: de.Message, Details: de.Details}
		return env
	}
	env.Error = &EnvelopeError{Code: CodeInternal, Message: "internal error"}
	return env
}
