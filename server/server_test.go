package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/delivery"
	mptest "github.com/mailpulse/mailpulse/internal/testing"
	"github.com/mailpulse/mailpulse/leads"
	"github.com/mailpulse/mailpulse/pulse/async"
	"github.com/mailpulse/mailpulse/pulse/budget"
	"github.com/mailpulse/mailpulse/tracking"
)

const testOwner = "owner-1"

// idleChannel accepts jobs; no worker pool runs them in these tests
type idleChannel struct{ t async.JobType }

func (c idleChannel) Type() async.JobType            { return c.t }
func (c idleChannel) RetryPolicy() async.RetryPolicy { return async.SingleAttempt() }
func (c idleChannel) Open(context.Context, *async.Job, *async.Payload) (async.Session, error) {
	return nil, nil
}

type fixture struct {
	db     *sql.DB
	server *Server
	http   *httptest.Server
	links  tracking.Links
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := mptest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	registry := async.NewChannelRegistry()
	registry.Register(idleChannel{async.JobTypeEmailCampaign})
	registry.Register(idleChannel{async.JobTypeSMSCampaign})

	links := tracking.Links{BaseURL: "https://mail.example.com", Secret: "test-secret"}
	deps := Deps{
		Supervisor:   async.NewSupervisor(async.NewQueue(db), registry, nil, log),
		Deliveries:   delivery.NewStore(db),
		Credentials:  credential.NewStore(db, "credential-secret"),
		Leads:        leads.NewStore(db),
		Suppressions: tracking.NewSuppressionStore(db),
		Links:        links,
		Quotas:       budget.NewTracker(db, budget.QuotaConfig{DailySends: 100}),
		Limiter:      budget.NewLimiter(60, budget.NewMemoryStore()),
	}
	srv := New(deps, am.ServerConfig{AllowedOrigins: []string{"http://localhost"}}, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return &fixture{db: db, server: srv, http: ts, links: links}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(OwnerHeader, testOwner)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func emailJob() map[string]interface{} {
	return map[string]interface{}{
		"type": "email_campaign",
		"items": []map[string]interface{}{
			{"email": "a@example.com", "name": "Ann", "visits": 3},
			{"email": "b@example.com", "name": "Bob", "visits": 1},
		},
		"params": map[string]interface{}{"subject": "Hi {{name}}", "body": "You visited {{visits}} times"},
	}
}

func (f *fixture) createJob(t *testing.T) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/jobs", emailJob())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created createJobResponse
	decode(t, resp, &created)
	require.NotEmpty(t, created.JobID)
	return created.JobID
}

func TestCreateAndGetJob(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)

	resp := f.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job async.Job
	decode(t, resp, &job)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, async.JobStatusPending, job.Status)
	assert.Equal(t, 2, job.TotalItems)
	assert.Equal(t, 0, job.Progress)

	payload, err := async.DecodePayload(job.Data)
	require.NoError(t, err)
	assert.Equal(t, "3", payload.Items[0]["visits"])
}

func TestCreateJobCamelCaseAliases(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"type":          "sms_campaign",
		"workItems":     []map[string]interface{}{{"phone": "+15550001111"}},
		"channelParams": map[string]interface{}{"body": "hello"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown type", map[string]interface{}{"type": "fax_campaign"}, http.StatusBadRequest},
		{"unregistered channel", map[string]interface{}{"type": "whatsapp_campaign", "params": map[string]string{"body": "x"}}, http.StatusBadRequest},
		{"missing subject", map[string]interface{}{"type": "email_campaign", "params": map[string]string{"body": "x"}}, http.StatusBadRequest},
		{"missing placeholder field", map[string]interface{}{
			"type":   "email_campaign",
			"items":  []map[string]string{{"email": "a@example.com"}},
			"params": map[string]string{"subject": "Hi {{name}}", "body": "x"},
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/jobs", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			var body map[string]string
			decode(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/jobs", strings.NewReader("{"))
		req.Header.Set(OwnerHeader, testOwner)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateJobQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.server.deps.Quotas.UpdateQuotas(budget.QuotaConfig{DailySends: 1})
	f.server.deps.Supervisor.SetQuota(f.server.deps.Quotas)

	resp := f.do(t, http.MethodPost, "/api/jobs", emailJob())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestOwnerRequired(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/api/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobsAreScopedToOwner(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/jobs/"+id, nil)
	req.Header.Set(OwnerHeader, "someone-else")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	f.createJob(t)
	f.createJob(t)

	resp := f.do(t, http.MethodGet, "/api/jobs?type=email_campaign&status=pending&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Jobs  []*async.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 1, body.Count)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/jobs?status=bogus", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/jobs?type=bogus", nil).StatusCode)
}

func TestDeleteCancelsThenDeletes(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)

	resp := f.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job async.Job
	decode(t, resp, &job)
	assert.Equal(t, async.JobStatusFailed, job.Status)
	assert.Equal(t, async.CancelledMessage, job.Error)

	resp = f.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)

	resp := f.do(t, http.MethodPost, "/api/jobs/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job async.Job
	decode(t, resp, &job)
	assert.Equal(t, async.JobStatusPaused, job.Status)

	resp = f.do(t, http.MethodPost, "/api/jobs/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &job)
	assert.Equal(t, async.JobStatusPending, job.Status)

	// Resuming a job that is not paused conflicts
	resp = f.do(t, http.MethodPost, "/api/jobs/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobDeliveries(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)

	rec := &delivery.Record{
		JobID: id, OwnerID: testOwner, Channel: "email", ItemIndex: 0,
		Recipient: "a@example.com", Status: delivery.StatusSent, ProviderID: "p-1", Attempts: 1,
	}
	require.NoError(t, delivery.Insert(context.Background(), f.db, rec))

	resp := f.do(t, http.MethodGet, "/api/jobs/"+id+"/deliveries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Deliveries []*delivery.Record `json:"deliveries"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Deliveries, 1)
	assert.Equal(t, "a@example.com", body.Deliveries[0].Recipient)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/jobs/nope/deliveries", nil).StatusCode)
}

func TestJobStream(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/jobs/stream?owner_id=" + url.QueryEscape(testOwner)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	var snap streamMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, id, snap.Jobs[0].ID)

	f.do(t, http.MethodPost, "/api/jobs/"+id+"/pause", nil)

	var update streamMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "job", update.Type)
	require.NotNil(t, update.Job)
	assert.Equal(t, async.JobStatusPaused, update.Job.Status)
	assert.Nil(t, update.Job.Data)

	assert.Eventually(t, func() bool { return f.server.clients.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodOptions, f.http.URL+"/api/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodOptions, f.http.URL+"/api/jobs", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "workers")
}
