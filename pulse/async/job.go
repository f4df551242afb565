// Package async runs mailpulse's background jobs: bulk sends over a channel
// (email, SMS, WhatsApp) and lead discovery, with durable progress tracking.
package async

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailpulse/mailpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusProcessing, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobType identifies which channel executes a job
type JobType string

const (
	JobTypeEmailCampaign    JobType = "email_campaign"
	JobTypeSMSCampaign      JobType = "sms_campaign"
	JobTypeWhatsAppCampaign JobType = "whatsapp_campaign"
	JobTypeLeadGeneration   JobType = "lead_generation"
)

// IsValidType returns true if s names a known job type.
// Known is not the same as runnable: the ChannelRegistry decides that.
func IsValidType(s string) bool {
	switch JobType(s) {
	case JobTypeEmailCampaign, JobTypeSMSCampaign, JobTypeWhatsAppCampaign, JobTypeLeadGeneration:
		return true
	default:
		return false
	}
}

// Channel returns the short channel name used in delivery records and logs
func (t JobType) Channel() string {
	switch t {
	case JobTypeEmailCampaign:
		return "email"
	case JobTypeSMSCampaign:
		return "sms"
	case JobTypeWhatsAppCampaign:
		return "whatsapp"
	case JobTypeLeadGeneration:
		return "leads"
	default:
		return string(t)
	}
}

// RecipientField is the item key holding the recipient address for this type
func (t JobType) RecipientField() string {
	switch t {
	case JobTypeEmailCampaign:
		return "email"
	case JobTypeSMSCampaign, JobTypeWhatsAppCampaign:
		return "phone"
	case JobTypeLeadGeneration:
		return "place_id"
	default:
		return "to"
	}
}

const (
	// MaxItemsPerJob bounds the work list accepted at creation
	MaxItemsPerJob = 100000

	// DefaultLeadResults is used when a lead_generation job omits max_results
	DefaultLeadResults = 20

	// MaxLeadResults matches the Places text search ceiling (3 pages of 20)
	MaxLeadResults = 60
)

// Item is one unit of work: a recipient plus personalization fields
type Item map[string]string

// Recipient returns the recipient address for the given job type
func (it Item) Recipient(t JobType) string {
	if v := strings.TrimSpace(it[t.RecipientField()]); v != "" {
		return v
	}
	return strings.TrimSpace(it["to"])
}

// Params holds the job-level send parameters stored alongside the items
type Params struct {
	CredentialID string   `json:"credential_id,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	Body         string   `json:"body,omitempty"`
	SendDelay    float64  `json:"send_delay,omitempty"` // seconds between items
	Query        string   `json:"query,omitempty"`
	Location     string   `json:"location,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Delay returns the inter-item delay
func (p Params) Delay() time.Duration {
	if p.SendDelay <= 0 {
		return 0
	}
	return time.Duration(p.SendDelay * float64(time.Second))
}

// Payload is the immutable job input persisted in the data column
type Payload struct {
	Items  []Item `json:"items"`
	Params Params `json:"params"`
}

// Encode serializes the payload for storage
func (p *Payload) Encode() (json.RawMessage, error) {
	if p.Items == nil {
		p.Items = []Item{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job payload")
	}
	return data, nil
}

// DecodePayload parses a job's data column
func DecodePayload(data json.RawMessage) (*Payload, error) {
	var p Payload
	if len(data) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job payload")
	}
	return &p, nil
}

// Result is the outcome summary stored on completed jobs
type Result struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Total  int      `json:"total"`
	IDs    []string `json:"ids,omitempty"` // created records, e.g. lead IDs
}

// Job is the durable record of one background job
type Job struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           JobType         `json:"type"`
	Status         JobStatus       `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	SuccessCount   int             `json:"success_count"`
	FailedCount    int             `json:"failed_count"`
	Progress       int             `json:"progress"`
	Data           json.RawMessage `json:"data,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob creates a pending job record. It is not persisted until passed to
// Store.CreateJob.
func NewJob(ownerID string, jobType JobType, totalItems int, data json.RawMessage) (*Job, error) {
	if ownerID == "" {
		return nil, errors.NewInvalidRequestError("owner id cannot be empty")
	}
	if !IsValidType(string(jobType)) {
		return nil, errors.NewInvalidRequestError("unknown job type %q", jobType)
	}
	if totalItems < 0 {
		return nil, errors.NewInvalidRequestError("total items cannot be negative")
	}

	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Type:       jobType,
		Status:     JobStatusPending,
		TotalItems: totalItems,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Remaining returns how many items are still to be processed
func (j *Job) Remaining() int {
	if j.TotalItems <= j.ProcessedItems {
		return 0
	}
	return j.TotalItems - j.ProcessedItems
}

// DecodeResult parses the stored result, nil when the job has none
func (j *Job) DecodeResult() (*Result, error) {
	if len(j.Result) == 0 {
		return nil, nil
	}
	var r Result
	if err := json.Unmarshal(j.Result, &r); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal result for job %s", j.ID)
	}
	return &r, nil
}

// ComputeProgress derives the progress percentage from the counters.
// Only completed jobs report 100; everything else is capped at 99.
func ComputeProgress(processed, total int, status JobStatus) int {
	if status == JobStatusCompleted {
		return 100
	}
	if total <= 0 || processed <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p > 99 {
		p = 99
	}
	return p
}

// ShortID returns a log-friendly prefix of the job ID
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
