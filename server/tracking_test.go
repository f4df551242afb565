package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpulse/mailpulse/delivery"
)

// local points a public tracking link at the test server
func (f *fixture) local(link string) string {
	return f.http.URL + strings.TrimPrefix(link, f.links.BaseURL)
}

func TestTrackOpen(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t)
	ctx := context.Background()

	require.NoError(t, delivery.Insert(ctx, f.db, &delivery.Record{
		JobID: id, OwnerID: testOwner, Channel: "email", ItemIndex: 1,
		Recipient: "b@example.com", Status: delivery.StatusSent, Attempts: 1,
	}))

	// Tampered signatures still get the image but record nothing
	resp, err := http.Get(f.http.URL + "/t/open?i=" + id + ".1&s=deadbeef")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	records, err := f.server.deps.Deliveries.ListByJob(ctx, id, testOwner, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].OpenedAt)

	resp, err = http.Get(f.local(f.links.OpenPixelURL(id, 1)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, openPixel, body)

	records, err = f.server.deps.Deliveries.ListByJob(ctx, id, testOwner, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, records[0].OpenedAt)
}

func TestUnsubscribeLink(t *testing.T) {
	f := newFixture(t)
	link := f.links.UnsubscribeURL(testOwner, "Reader@Example.com")

	resp, err := http.Get(f.local(link))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), "reader@example.com will no longer receive")

	suppressed, err := f.server.deps.Suppressions.IsSuppressed(context.Background(), testOwner, "reader@example.com")
	require.NoError(t, err)
	assert.True(t, suppressed)

	bad, err := http.Get(f.http.URL + "/t/unsubscribe?o=" + testOwner + "&e=x@example.com&s=00")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSuppressionEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/suppressions", map[string]string{"email": " Spam@Example.com "})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/suppressions", nil)
	var list struct {
		Suppressions []struct {
			Email  string `json:"email"`
			Reason string `json:"reason"`
		} `json:"suppressions"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Suppressions, 1)
	assert.Equal(t, "spam@example.com", list.Suppressions[0].Email)
	assert.Equal(t, "manual", list.Suppressions[0].Reason)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/suppressions/spam@example.com", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/suppressions/spam@example.com", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/suppressions", map[string]string{}).StatusCode)
}
