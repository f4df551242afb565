package async

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	mptest "github.com/mailpulse/mailpulse/internal/testing"
)

const testOwner = "owner-1"

// fakeChannel is a scriptable Channel for runner and pool tests
type fakeChannel struct {
	jobType JobType
	policy  RetryPolicy
	openErr error
	items   []Item // when set, sessions implement ItemSource
	send    func(ctx context.Context, msg Message) (Ack, error)

	mu     sync.Mutex
	sent   []Message
	opens  int
	closes atomic.Int32
}

func newFakeChannel(t JobType) *fakeChannel {
	return &fakeChannel{jobType: t, policy: SingleAttempt()}
}

func (c *fakeChannel) Type() JobType            { return c.jobType }
func (c *fakeChannel) RetryPolicy() RetryPolicy { return c.policy }

func (c *fakeChannel) Open(ctx context.Context, job *Job, payload *Payload) (Session, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	if c.items != nil {
		return &fakeSourceSession{fakeSession{ch: c}}, nil
	}
	return &fakeSession{ch: c}, nil
}

func (c *fakeChannel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

func (c *fakeChannel) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

type fakeSession struct {
	ch *fakeChannel
}

func (s *fakeSession) Send(ctx context.Context, msg Message) (Ack, error) {
	s.ch.mu.Lock()
	s.ch.sent = append(s.ch.sent, msg)
	send := s.ch.send
	s.ch.mu.Unlock()
	if send != nil {
		return send(ctx, msg)
	}
	return Ack{ProviderID: "msg-" + msg.Recipient}, nil
}

func (s *fakeSession) Close() error {
	s.ch.closes.Add(1)
	return nil
}

type fakeSourceSession struct {
	fakeSession
}

func (s *fakeSourceSession) Items() []Item {
	return s.ch.items
}

// outcomeRecorder wraps a Queue and timestamps every RecordItemOutcome
type outcomeRecorder struct {
	*Queue
	mu    sync.Mutex
	times []time.Time
	hook  func(outcome ItemOutcome)
}

func (r *outcomeRecorder) RecordItemOutcome(ctx context.Context, id string, outcome ItemOutcome) error {
	err := r.Queue.RecordItemOutcome(ctx, id, outcome)
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(outcome)
	}
	return err
}

func (r *outcomeRecorder) Times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(mptest.CreateTestDB(t))
}

func newTestRunner(t *testing.T, store JobRecordStore, channels ...Channel) *Runner {
	t.Helper()
	registry := NewChannelRegistry()
	for _, ch := range channels {
		registry.Register(ch)
	}
	return NewRunner(store, registry, nil, RunnerConfig{SendTimeout: 5 * time.Second}, zaptest.NewLogger(t).Sugar())
}

func emailItems(addrs ...string) []Item {
	items := make([]Item, len(addrs))
	for i, a := range addrs {
		items[i] = Item{"email": a, "name": "Recipient " + a}
	}
	return items
}

// enqueueJob stores a pending job directly, bypassing Supervisor validation
func enqueueJob(t *testing.T, q *Queue, jobType JobType, items []Item, params Params) *Job {
	t.Helper()
	payload := &Payload{Items: items, Params: params}
	data, err := payload.Encode()
	require.NoError(t, err)

	total := len(items)
	if jobType == JobTypeLeadGeneration {
		total = params.MaxResults
	}
	job, err := NewJob(testOwner, jobType, total, data)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job
}

func getJob(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	job, err := q.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func decodeResult(t *testing.T, job *Job) Result {
	t.Helper()
	require.NotEmpty(t, job.Result, "job %s has no result", job.ID)
	var r Result
	require.NoError(t, json.Unmarshal(job.Result, &r))
	return r
}

func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		current, err := q.GetJobByID(context.Background(), id)
		if err != nil {
			return false
		}
		job = current
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}
