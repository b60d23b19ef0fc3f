package models

import (
	"encoding/json"
	"strings"
	"time"
)

// AuthUser is the subset of a Supabase auth user that can be carried across
// projects through the admin API
type AuthUser struct {
	ID               string          `json:"id"`
	Email            string          `json:"email,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	EmailConfirmedAt *time.Time      `json:"email_confirmed_at,omitempty"`
	PhoneConfirmedAt *time.Time      `json:"phone_confirmed_at,omitempty"`
	UserMetadata     json.RawMessage `json:"user_metadata,omitempty"`
	AppMetadata      json.RawMessage `json:"app_metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NormalizedEmail returns the lower-cased, trimmed email used for matching
func (u AuthUser) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(u.Email))
}

// AuthReconcileReport summarizes an auth-user reconciliation
type AuthReconcileReport struct {
	SourceUsers      int                `json:"sourceUsers"`
	DestinationUsers int                `json:"destinationUsers"`
	Matched          int                `json:"matched"`
	Created          []string           `json:"created"`
	Conflicts        []AuthUserConflict `json:"conflicts"`
	Failed           []AuthUserFailure  `json:"failed"`
	DryRun           bool               `json:"dryRun"`
}

// AuthUserConflict is a user whose email exists on both sides under different ids
type AuthUserConflict struct {
	Email         string `json:"email"`
	SourceID      string `json:"sourceId"`
	DestinationID string `json:"destinationId"`
}

// AuthUserFailure records a user that could not be created
type AuthUserFailure struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Error string `json:"error"`
}
