// Package httpapi implements the core HTTP surface (§6): request
// validation, rate limiting, Session/Registry wiring, and translation of
// driver/session errors into the fixed response envelope. Routing uses
// go-chi for its middleware chaining and URL-param extraction.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Metadata is the envelope's non-payload half (§6).
type Metadata struct {
	Timestamp      string  `json:"timestamp"`
	ProcessingTime *string `json:"processingTime,omitempty"`
	Provider       *string `json:"provider,omitempty"`
	Cached         *bool   `json:"cached,omitempty"`
}

// EnvelopeError is the envelope's optional error half.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Envelope is the fixed {data, metadata, error?} shape every JSON response
// uses (§6).
type Envelope struct {
	Data     any            `json:"data"`
	Metadata Metadata       `json:"metadata"`
	Error    *EnvelopeError `json:"error,omitempty"`
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Data: data, Metadata: Metadata{Timestamp: nowISO()}})
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Data:     nil,
		Metadata: Metadata{Timestamp: nowISO()},
		Error:    &EnvelopeError{Code: code, Message: message, Details: details},
	})
}
