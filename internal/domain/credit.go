package domain

import "time"

// CreditAccount is a user's rolling daily quota.
type CreditAccount struct {
	UserID      string
	Credits     int
	LastResetAt *time.Time
}

// GenerationRecord is the durable row written once per successful job.
type GenerationRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	StyleID   string    `json:"style_id"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}
