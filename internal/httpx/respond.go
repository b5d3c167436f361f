package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vx11/vx11/internal/apierr"
)

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 4 << 20

// ErrorBody is the error envelope every service returns.
type ErrorBody struct {
	Status        string `json:"status"`
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	Detail        any    `json:"detail,omitempty"`
	ConfirmToken  string `json:"confirm_token,omitempty"`
	RetryAfterSec int    `json:"retry_after_sec,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// WriteJSON marshals v into a buffer first so encoding failures still
// produce a clean 500.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// OK writes v with status 200.
func OK(w http.ResponseWriter, r *http.Request, v any) {
	WriteJSON(w, r, http.StatusOK, v)
}

// WriteError renders err as the error envelope with the status of its kind.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody{
		Status:    "error",
		Error:     string(apierr.KindOf(err)),
		RequestID: RequestID(r.Context()),
	}
	var e *apierr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Detail = e.Detail
		body.ConfirmToken = e.ConfirmToken
		if e.RetryAfter > 0 {
			body.RetryAfterSec = int(e.RetryAfter.Seconds() + 0.5)
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSec))
		}
	} else {
		body.Message = err.Error()
	}
	status := apierr.StatusOf(err)
	if status >= 500 {
		slog.Warn("request failed", "path", r.URL.Path, "kind", body.Error, "error", err)
	}
	WriteJSON(w, r, status, body)
}

// DecodeJSON decodes the request body into v. An empty body leaves v
// untouched; malformed JSON is a validation error.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apierr.Wrap(apierr.KindValidation, err, "malformed JSON body")
	}
	return nil
}

// QueryInt parses an integer query parameter, falling back to def when it
// is absent, malformed or outside [min, max].
func QueryInt(r *http.Request, key string, def, min, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}
