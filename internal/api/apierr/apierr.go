// Package apierr writes JSON error bodies in the DetailedError shape.
package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/engramkeep/health-connector/internal/logging"
)

// Error codes shared across handlers.
const (
	CodeBadRequest        = "bad_request"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeUnknownProvider   = "unknown_provider"
	CodeUserNotFound      = "user_not_found"
	CodeMalformedPayload  = "malformed_payload"
	CodeReconnectRequired = "reconnect_required"
	CodePullFailed        = "provider_pull_failed"
	CodeInternal          = "internal_error"
)

type DetailedError struct {
	Status          int    `json:"status"`  // HTTP status code
	ID              string `json:"id"`      // request id, for tracking down issues
	Code            string `json:"code"`    // stable code clients can branch on
	Message         string `json:"message"` // human readable
	InternalMessage string `json:"-"`       // logged, never serialised
}

func New(status int, code, message string) *DetailedError {
	return &DetailedError{Status: status, Code: code, Message: message}
}

// WithInternal attaches the underlying error for logging.
func (d *DetailedError) WithInternal(err error) *DetailedError {
	if err != nil {
		d.InternalMessage = err.Error()
	}
	return d
}

func (d *DetailedError) Error() string {
	if d.InternalMessage != "" {
		return d.Code + ": " + d.InternalMessage
	}
	return d.Code + ": " + d.Message
}

// Write sends d as the response, stamping the request id.
func Write(w http.ResponseWriter, r *http.Request, log *logging.Logger, d *DetailedError) {
	if d == nil {
		d = New(http.StatusInternalServerError, CodeInternal, "Unknown error")
	}
	d.ID = logging.GetRequestID(r.Context())
	if log != nil {
		kv := []interface{}{"status", d.Status, "code", d.Code, "path", r.URL.Path}
		if d.InternalMessage != "" {
			kv = append(kv, "error", d.InternalMessage)
		}
		if d.Status >= http.StatusInternalServerError {
			log.WithContext(r.Context()).Error("request failed", kv...)
		} else {
			log.WithContext(r.Context()).Debug("request rejected", kv...)
		}
	}
	WriteJSON(w, d.Status, d)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
