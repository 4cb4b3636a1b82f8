package entities

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one ledger row: the outcome of a single conversion attempt.
type Record struct {
	ID             string    `json:"id"`
	SourceKey      string    `json:"source_key"`
	DestinationID  *string   `json:"destination_id,omitempty"`
	DestinationRef *string   `json:"destination_ref,omitempty"`
	Size           int64     `json:"size"`
	MimeType       *string   `json:"mime_type,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	Status         Status    `json:"status"`
	Attempt        int       `json:"attempt"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
