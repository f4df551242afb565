// Package leads stores businesses discovered by lead_generation jobs.
package leads

import "time"

// Lead is one discovered business, unique per owner and place
type Lead struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	JobID     string    `json:"job_id,omitempty"`
	PlaceID   string    `json:"place_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Website   string    `json:"website,omitempty"`
	Rating    float64   `json:"rating,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows List
type Filter struct {
	OwnerID string
	JobID   string
	Limit   int
	Offset  int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)
