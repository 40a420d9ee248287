package domain

import "time"

// Identity is a verified caller. IsAdmin is resolved against the configured
// admin allow-set after the token has been verified.
type Identity struct {
	SubjectID string                 `json:"subject_id"`
	Email     string                 `json:"email,omitempty"`
	IsAdmin   bool                   `json:"is_admin"`
	Claims    map[string]interface{} `json:"-"`
	ExpiresAt time.Time              `json:"-"`
}

type WhoAmIResponse struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email,omitempty"`
	IsAdmin   bool   `json:"is_admin"`
}
