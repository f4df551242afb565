package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Message is one personalized send handed to a channel session
type Message struct {
	JobID     string
	OwnerID   string
	Index     int
	Recipient string
	Subject   string
	Body      string
	Fields    Item // the raw item, for channels that need more than the recipient
}

// Ack is a successful send
type Ack struct {
	ProviderID string // provider message id, e.g. Twilio SID
	ResultID   string // id of a record created by the send, collected into Result.IDs
}

// Channel delivers one job type.
//
// Open performs setup (credential resolution, transport handshake) once per
// job run; an error from Open fails the job. Send errors count as failed
// items unless marked with Fatal.
type Channel interface {
	Type() JobType
	RetryPolicy() RetryPolicy
	Open(ctx context.Context, job *Job, payload *Payload) (Session, error)
}

// Session is an open transport for one job run.
// The runner calls Close exactly once, on every exit path.
type Session interface {
	Send(ctx context.Context, msg Message) (Ack, error)
	Close() error
}

// ItemSource is implemented by sessions that discover their work list at
// open time instead of receiving it in the payload.
type ItemSource interface {
	Items() []Item
}

// ChannelRegistry maps job types to channels.
// Thread-safe for concurrent registration and lookup.
type ChannelRegistry struct {
	channels map[JobType]Channel
	mu       sync.RWMutex
}

// NewChannelRegistry creates an empty registry
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[JobType]Channel),
	}
}

// Register adds a channel under its type.
// Panics if a channel is already registered for that type.
func (r *ChannelRegistry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := ch.Type()
	if _, exists := r.channels[t]; exists {
		panic(fmt.Sprintf("channel already registered for job type: %s", t))
	}
	r.channels[t] = ch
}

// Get returns the channel for a job type, or nil
func (r *ChannelRegistry) Get(t JobType) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[t]
}

// Has checks if a channel is registered for a job type
func (r *ChannelRegistry) Has(t JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.channels[t]
	return exists
}

// Types returns the registered job types, sorted
func (r *ChannelRegistry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.channels))
	for t := range r.channels {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
