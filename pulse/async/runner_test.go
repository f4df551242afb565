package async

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mailpulse/mailpulse/delivery"
	"github.com/mailpulse/mailpulse/errors"
)

func emailPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Backoff:      ExponentialBackoff(time.Millisecond, 5*time.Millisecond),
		NonRetryable: MessageDenylist("recipient address rejected", "535"),
	}
}

func TestRunnerCompletesAllItems(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	updates := q.Subscribe()
	ch := newFakeChannel(JobTypeEmailCampaign)
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeEmailCampaign,
		emailItems("a@example.com", "b@example.com", "c@example.com"),
		Params{Subject: "Hi {{ name }}", Body: "Hello {{NAME}}, {{unknown}}"})

	require.NoError(t, runner.Run(ctx, job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 3, got.ProcessedItems)
	assert.Equal(t, 3, got.SuccessCount)
	assert.Zero(t, got.FailedCount)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)

	result := decodeResult(t, got)
	assert.Equal(t, Result{Sent: 3, Failed: 0, Total: 3}, result)

	sent := ch.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "a@example.com", sent[0].Recipient)
	assert.Equal(t, "Hi Recipient a@example.com", sent[0].Subject)
	assert.Equal(t, "Hello Recipient a@example.com, {{unknown}}", sent[0].Body)
	assert.Equal(t, 2, sent[2].Index)
	assert.EqualValues(t, 1, ch.closes.Load(), "session closed exactly once")

	var statuses []JobStatus
	for len(updates) > 0 {
		statuses = append(statuses, (<-updates).Status)
	}
	assert.Contains(t, statuses, JobStatusProcessing)
	assert.Equal(t, JobStatusCompleted, statuses[len(statuses)-1])
}

func TestRunnerNonRetryableItemFailureDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	ch.policy = emailPolicy()

	var attemptsForB atomic.Int32
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		if msg.Recipient == "b@example.com" {
			attemptsForB.Add(1)
			return Ack{}, errors.New("550 5.1.1 Recipient address rejected: user unknown")
		}
		return Ack{ProviderID: "ok"}, nil
	}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeEmailCampaign, emailItems("a@example.com", "b@example.com", "c@example.com"), Params{Subject: "s", Body: "b"})
	require.NoError(t, runner.Run(ctx, job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedItems)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.EqualValues(t, 1, attemptsForB.Load(), "denylisted errors are not retried")
	assert.Equal(t, Result{Sent: 2, Failed: 1, Total: 3}, decodeResult(t, got))

	records, err := delivery.NewStore(q.Store().DB()).ListByJob(ctx, job.ID, testOwner, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, delivery.StatusFailed, records[1].Status)
	assert.Contains(t, records[1].Error, "Recipient address rejected")
	assert.Equal(t, 1, records[1].Attempts)
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	ch.policy = emailPolicy()

	var calls atomic.Int32
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		if calls.Add(1) < 3 {
			return Ack{}, errors.New("421 4.7.0 try again later")
		}
		return Ack{ProviderID: "third-time"}, nil
	}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeEmailCampaign, emailItems("a@example.com"), Params{Subject: "s", Body: "b"})
	require.NoError(t, runner.Run(ctx, job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, 1, got.SuccessCount)

	records, err := delivery.NewStore(q.Store().DB()).ListByJob(ctx, job.ID, testOwner, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, "third-time", records[0].ProviderID)
}

func TestRunnerCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	registry := NewChannelRegistry()
	registry.Register(ch)
	supervisor := NewSupervisor(q, registry, nil, zaptest.NewLogger(t).Sugar())
	runner := NewRunner(q, registry, nil, RunnerConfig{}, zaptest.NewLogger(t).Sugar())

	id, err := supervisor.Start(ctx, testOwner, JobTypeEmailCampaign, emailItems("a@example.com", "b@example.com"), Params{Subject: "s", Body: "b"})
	require.NoError(t, err)

	cancelled, err := supervisor.Cancel(ctx, id, testOwner)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, cancelled.Status)

	err = runner.Run(ctx, id)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "a cancelled job must not start: %v", err)

	got := getJob(t, q, id)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Zero(t, got.ProcessedItems)
	assert.Contains(t, strings.ToLower(got.Error), "cancelled")
	assert.Zero(t, ch.Opens())
}

func TestRunnerSetupFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	ch.openErr = SetupError(errors.New("credential not found"))
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeEmailCampaign, emailItems("a@example.com", "b@example.com"), Params{CredentialID: "nope", Subject: "s", Body: "b"})
	require.NoError(t, runner.Run(ctx, job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Zero(t, got.ProcessedItems)
	assert.Contains(t, got.Error, "credential not found")
	assert.Less(t, got.Progress, 100)
	assert.Empty(t, ch.Sent())
	assert.Zero(t, ch.closes.Load(), "no session was opened")

	records, err := delivery.NewStore(q.Store().DB()).ListByJob(ctx, job.ID, testOwner, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunnerHonorsInterItemDelay(t *testing.T) {
	tests := []struct {
		name  string
		delay float64
		slow  bool
	}{
		{name: "two seconds", delay: 2, slow: true},
		{name: "fractional", delay: 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.slow && testing.Short() {
				t.Skip("Skipping slow delay test in -short mode")
			}
			q := newTestQueue(t)
			recorder := &outcomeRecorder{Queue: q}
			runner := newTestRunner(t, recorder, newFakeChannel(JobTypeSMSCampaign))

			job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "+1"}, {"phone": "+2"}}, Params{Body: "b", SendDelay: tt.delay})
			require.NoError(t, runner.Run(context.Background(), job.ID))

			times := recorder.Times()
			require.Len(t, times, 2)
			want := time.Duration(tt.delay * float64(time.Second))
			assert.GreaterOrEqual(t, times[1].Sub(times[0]), want)
			assert.Equal(t, JobStatusCompleted, getJob(t, q, job.ID).Status)
		})
	}
}

func TestRunnerEmptyWorkList(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	ch.openErr = errors.New("must not be opened")
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeEmailCampaign, nil, Params{Subject: "s", Body: "b"})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Zero(t, got.SuccessCount)
	assert.Zero(t, got.FailedCount)
	assert.Equal(t, Result{}, decodeResult(t, got))
	assert.Zero(t, ch.Opens())
}

func TestRunnerAllItemsFail(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeSMSCampaign)
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		return Ack{}, errors.New("21211: invalid 'To' phone number")
	}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}, {"phone": "3"}}, Params{Body: "b"})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.FailedCount)
	assert.Zero(t, got.SuccessCount)
	assert.Len(t, ch.Sent(), 3, "single attempt per item")
}

func TestRunnerMissingRecipient(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeEmailCampaign, []Item{{"name": "no address"}, {"email": "b@example.com"}}, Params{Subject: "s", Body: "b"})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Len(t, ch.Sent(), 1)
}

func TestRunnerFatalErrorFailsJob(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeSMSCampaign)
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		if msg.Index == 1 {
			return Ack{}, Fatal(errors.New("20003: authenticate"))
		}
		return Ack{ProviderID: "SM1"}, nil
	}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}, {"phone": "3"}}, Params{Body: "b"})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.ProcessedItems, "partial counts are kept")
	assert.Contains(t, got.Error, "authenticate")
	assert.EqualValues(t, 1, ch.closes.Load())
}

func TestRunnerRecoversPanics(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeSMSCampaign)
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		panic("nil map write")
	}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}}, Params{Body: "b"})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "nil map write")
	assert.EqualValues(t, 1, ch.closes.Load(), "session released on panic")
}

func TestRunnerPauseAndResume(t *testing.T) {
	q := newTestQueue(t)
	recorder := &outcomeRecorder{Queue: q}
	ch := newFakeChannel(JobTypeSMSCampaign)
	runner := newTestRunner(t, recorder, ch)
	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}, {"phone": "3"}}, Params{Body: "b"})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	recorder.hook = func(outcome ItemOutcome) {
		if outcome.Index == 0 {
			require.NoError(t, q.PauseJob(context.Background(), job.ID, testOwner))
			cancel(ErrJobPaused)
		}
	}

	require.NoError(t, runner.Run(ctx, job.ID))
	paused := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusPaused, paused.Status)
	assert.Equal(t, 1, paused.ProcessedItems)
	assert.Nil(t, paused.CompletedAt)
	assert.EqualValues(t, 1, ch.closes.Load())

	recorder.hook = nil
	require.NoError(t, q.ResumeJob(context.Background(), job.ID, testOwner))
	require.NoError(t, runner.Run(context.Background(), job.ID))

	done := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, 3, done.SuccessCount)
	assert.True(t, paused.StartedAt.Equal(*done.StartedAt), "startedAt is written once")

	sent := ch.Sent()
	require.Len(t, sent, 3, "resumed run starts at the checkpoint")
	assert.Equal(t, []int{0, 1, 2}, []int{sent[0].Index, sent[1].Index, sent[2].Index})
}

func TestRunnerObservesCancelFromAnotherProcess(t *testing.T) {
	q := newTestQueue(t)
	recorder := &outcomeRecorder{Queue: q}
	ch := newFakeChannel(JobTypeSMSCampaign)
	runner := newTestRunner(t, recorder, ch)
	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}, {"phone": "3"}}, Params{Body: "b"})

	recorder.hook = func(outcome ItemOutcome) {
		if outcome.Index == 0 {
			// Only the store changes; the run context stays live
			require.NoError(t, q.Store().CancelJob(context.Background(), job.ID, testOwner, ""))
		}
	}

	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, CancelledMessage, got.Error)
	assert.Equal(t, 1, got.ProcessedItems)
	assert.Len(t, ch.Sent(), 1)
}

func TestRunnerCancelInterruptsDelay(t *testing.T) {
	q := newTestQueue(t)
	recorder := &outcomeRecorder{Queue: q}
	runner := newTestRunner(t, recorder, newFakeChannel(JobTypeSMSCampaign))
	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}}, Params{Body: "b", SendDelay: 30})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	recorder.hook = func(outcome ItemOutcome) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = q.CancelJob(context.Background(), job.ID, testOwner, "")
			cancel(ErrJobCancelled)
		}()
	}

	start := time.Now()
	require.NoError(t, runner.Run(ctx, job.ID))
	assert.Less(t, time.Since(start), 5*time.Second, "cancel must not wait out the delay")

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.ProcessedItems)
}

func TestRunnerSendSurvivesJobCancel(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeSMSCampaign)
	runner := newTestRunner(t, q, ch)
	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}}, Params{Body: "b"})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	var sendErr error
	ch.send = func(sendCtx context.Context, msg Message) (Ack, error) {
		require.NoError(t, q.CancelJob(context.Background(), job.ID, testOwner, ""))
		cancel(ErrJobCancelled)
		time.Sleep(20 * time.Millisecond)
		sendErr = sendCtx.Err()
		return Ack{ProviderID: "delivered"}, nil
	}

	require.NoError(t, runner.Run(ctx, job.ID))
	assert.NoError(t, sendErr, "the in-flight send is not interrupted")
	assert.Len(t, ch.Sent(), 1)

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, CancelledMessage, got.Error)
	assert.Zero(t, got.ProcessedItems, "counters are frozen once the job is cancelled")
}

func TestRunnerShutdownRequeuesWithCheckpoint(t *testing.T) {
	q := newTestQueue(t)
	recorder := &outcomeRecorder{Queue: q}
	runner := newTestRunner(t, recorder, newFakeChannel(JobTypeSMSCampaign))
	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}, {"phone": "2"}}, Params{Body: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recorder.hook = func(outcome ItemOutcome) { cancel() }

	require.NoError(t, runner.Run(ctx, job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, 1, got.ProcessedItems)
	assert.NotNil(t, got.StartedAt)
}

func TestRunnerSendTimeout(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeSMSCampaign)
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		<-ctx.Done()
		return Ack{}, ctx.Err()
	}
	registry := NewChannelRegistry()
	registry.Register(ch)
	runner := NewRunner(q, registry, nil, RunnerConfig{SendTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t).Sugar())

	job := enqueueJob(t, q, JobTypeSMSCampaign, []Item{{"phone": "1"}}, Params{Body: "b"})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.FailedCount)
}

func TestRunnerDiscoveredItems(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeLeadGeneration)
	ch.items = []Item{{"place_id": "p1"}, {"place_id": "p2"}}
	ch.send = func(ctx context.Context, msg Message) (Ack, error) {
		return Ack{ResultID: "lead-" + msg.Recipient}, nil
	}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeLeadGeneration, nil, Params{Query: "dentists", MaxResults: 20})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.TotalItems)
	assert.Equal(t, Result{Sent: 2, Total: 2, IDs: []string{"lead-p1", "lead-p2"}}, decodeResult(t, got))
}

func TestRunnerResumesSavedWorkList(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeLeadGeneration)
	ch.items = []Item{{"place_id": "p1"}, {"place_id": "p2"}}
	runner := newTestRunner(t, q, ch)
	job := enqueueJob(t, q, JobTypeLeadGeneration, nil, Params{Query: "dentists", MaxResults: 20})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ch.send = func(_ context.Context, msg Message) (Ack, error) {
		if msg.Index == 0 {
			require.NoError(t, q.PauseJob(context.Background(), job.ID, testOwner))
			cancel(ErrJobPaused)
		}
		return Ack{ResultID: "lead-" + msg.Recipient}, nil
	}
	require.NoError(t, runner.Run(ctx, job.ID))

	paused := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusPaused, paused.Status)
	assert.Equal(t, 1, paused.ProcessedItems)

	// a fresh search would now return a different list
	ch.items = []Item{{"place_id": "p9"}, {"place_id": "p1"}, {"place_id": "p2"}}
	require.NoError(t, q.ResumeJob(context.Background(), job.ID, testOwner))
	require.NoError(t, runner.Run(context.Background(), job.ID))

	done := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status, done.Error)
	assert.Equal(t, 2, done.TotalItems)

	var recipients []string
	for _, msg := range ch.Sent() {
		recipients = append(recipients, msg.Recipient)
	}
	assert.Equal(t, []string{"p1", "p2"}, recipients)
}

func TestRunnerNothingDiscovered(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeLeadGeneration)
	ch.items = []Item{}
	runner := newTestRunner(t, q, ch)

	job := enqueueJob(t, q, JobTypeLeadGeneration, nil, Params{Query: "nothing here", MaxResults: 10})
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Zero(t, got.TotalItems)
	assert.Equal(t, 100, got.Progress)
}

func TestRunnerUnknownJob(t *testing.T) {
	q := newTestQueue(t)
	runner := newTestRunner(t, q)
	err := runner.Run(context.Background(), "does-not-exist")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRunnerNoChannelRegistered(t *testing.T) {
	q := newTestQueue(t)
	runner := newTestRunner(t, q)
	job := enqueueJob(t, q, JobTypeWhatsAppCampaign, []Item{{"phone": "1"}}, Params{Body: "b"})

	require.NoError(t, runner.Run(context.Background(), job.ID))
	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no channel registered")
}

func TestRunnerPauseResumeWhileItemInFlight(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	runner := newTestRunner(t, q, ch)
	job := enqueueJob(t, q, JobTypeEmailCampaign, emailItems("a@example.com", "b@example.com"), Params{Subject: "s", Body: "b"})

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ch.send = func(sendCtx context.Context, msg Message) (Ack, error) {
		if msg.Index == 0 {
			require.NoError(t, q.PauseJob(context.Background(), job.ID, testOwner))
			cancel(ErrJobPaused)
			require.NoError(t, q.ResumeJob(context.Background(), job.ID, testOwner))
		}
		return Ack{ProviderID: "msg-" + msg.Recipient}, nil
	}

	require.NoError(t, runner.Run(ctx, job.ID))

	requeued := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.ProcessedItems, "the in-flight item is counted")
	assert.Equal(t, 1, requeued.SuccessCount)

	require.NoError(t, runner.Run(context.Background(), job.ID))

	done := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status, done.Error)
	assert.Equal(t, 2, done.ProcessedItems)
	assert.Equal(t, done.ProcessedItems, done.SuccessCount+done.FailedCount)

	sent := ch.Sent()
	require.Len(t, sent, 2, "each recipient is sent to once")
	assert.Equal(t, "a@example.com", sent[0].Recipient)
	assert.Equal(t, "b@example.com", sent[1].Recipient)

	records, err := delivery.NewStore(q.Store().DB()).ListByJob(context.Background(), job.ID, testOwner, 0, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRunnerShutdownDuringBackoffRetriesItemLater(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	ch.policy = RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Minute },
	}
	runner := newTestRunner(t, q, ch)
	job := enqueueJob(t, q, JobTypeEmailCampaign, emailItems("a@example.com"), Params{Subject: "s", Body: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.send = func(context.Context, Message) (Ack, error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		return Ack{}, errors.New("421 4.7.0 try again later")
	}

	start := time.Now()
	require.NoError(t, runner.Run(ctx, job.ID))
	assert.Less(t, time.Since(start), 10*time.Second, "shutdown must not wait out the backoff")

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Zero(t, got.ProcessedItems, "an interrupted retry is not a failure")
	assert.Zero(t, got.FailedCount)

	ch.send = nil
	require.NoError(t, runner.Run(context.Background(), job.ID))

	done := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, 1, done.SuccessCount)
	assert.Len(t, ch.Sent(), 2)
}

func TestRunnerHoldsItemUnderBackpressure(t *testing.T) {
	q := newTestQueue(t)
	ch := newFakeChannel(JobTypeEmailCampaign)
	runner := newTestRunner(t, q, ch)
	job := enqueueJob(t, q, JobTypeEmailCampaign, emailItems("a@example.com", "b@example.com"), Params{Subject: "s", Body: "b"})

	var held atomic.Int32
	ch.send = func(context.Context, Message) (Ack, error) {
		if held.Add(1) <= 3 {
			return Ack{}, Backpressure(errors.New("circuit open"), time.Millisecond)
		}
		return Ack{ProviderID: "m"}, nil
	}

	require.NoError(t, runner.Run(context.Background(), job.ID))

	got := getJob(t, q, job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.SuccessCount, "held items do not use up their single attempt")
	assert.Zero(t, got.FailedCount)
}

func TestBackpressureWait(t *testing.T) {
	wait, ok := backpressureWait(Backpressure(errors.New("open"), time.Second))
	assert.True(t, ok)
	assert.Equal(t, time.Second, wait)

	wait, ok = backpressureWait(errors.Wrap(Backpressure(errors.New("open"), 0), "send"))
	assert.True(t, ok)
	assert.Equal(t, minBackpressureWait, wait)

	_, ok = backpressureWait(errors.New("550 mailbox unavailable"))
	assert.False(t, ok)
}
