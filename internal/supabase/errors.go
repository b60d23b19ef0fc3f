package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from PostgREST or GoTrue
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "supabase: HTTP %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Details != "" {
		b.WriteString(": " + e.Details)
	}
	return b.String()
}

// Temporary reports whether the request may succeed if retried
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsNotFound reports whether err is a 404 from the API, which PostgREST
// returns for unknown tables and RPC functions
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	// GoTrue uses msg/error_code, PostgREST uses message/code
	var payload struct {
		Code      json.RawMessage `json:"code"`
		ErrorCode string          `json:"error_code"`
		Message   string          `json:"message"`
		Msg       string          `json:"msg"`
		Error     string          `json:"error"`
		Details   string          `json:"details"`
		Hint      string          `json:"hint"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	apiErr.Code = strings.Trim(string(payload.Code), `"`)
	if payload.ErrorCode != "" {
		apiErr.Code = payload.ErrorCode
	}
	apiErr.Details = payload.Details
	apiErr.Hint = payload.Hint
	switch {
	case payload.Message != "":
		apiErr.Message = payload.Message
	case payload.Msg != "":
		apiErr.Message = payload.Msg
	case payload.Error != "":
		apiErr.Message = payload.Error
	default:
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
