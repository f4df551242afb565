// Package places runs lead_generation jobs: it searches Google Places for
// businesses matching the job's query and stores each one as a lead.
package places

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/leads"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/pulse/async"
)

// A next_page_token becomes valid shortly after it is issued
const defaultPageTokenDelay = 2 * time.Second

// LeadSink stores discovered leads
type LeadSink interface {
	Upsert(ctx context.Context, lead *leads.Lead) error
}

// Channel is the lead-source Channel Sender
type Channel struct {
	creds          credential.Resolver
	leads          LeadSink
	baseURL        string
	delay          time.Duration
	pageTokenDelay time.Duration
	http           *http.Client
	log            *zap.SugaredLogger
}

// New creates the lead_generation channel
func New(creds credential.Resolver, sink LeadSink, cfg am.PlacesConfig, log *zap.SugaredLogger) *Channel {
	return &Channel{
		creds:          creds,
		leads:          sink,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		delay:          time.Duration(cfg.DelayMS) * time.Millisecond,
		pageTokenDelay: defaultPageTokenDelay,
		http:           &http.Client{Timeout: 30 * time.Second},
		log:            log.With(logger.FieldChannel, "places"),
	}
}

func (c *Channel) Type() async.JobType { return async.JobTypeLeadGeneration }

func (c *Channel) RetryPolicy() async.RetryPolicy { return async.SingleAttempt() }

// Open resolves the api key and runs the text search. The places found
// become the job's work list.
func (c *Channel) Open(ctx context.Context, job *async.Job, payload *async.Payload) (async.Session, error) {
	cfg, err := c.creds.Resolve(ctx, job.OwnerID, payload.Params.CredentialID, credential.ChannelPlaces)
	if err != nil {
		return nil, async.SetupError(err)
	}
	if cfg.APIKey == "" {
		return nil, async.SetupError(errors.New("places credential has no api key"))
	}

	params := payload.Params
	limit := params.MaxResults
	if limit <= 0 {
		limit = async.DefaultLeadResults
	}

	cl := &client{http: c.http, baseURL: c.baseURL, apiKey: cfg.APIKey}
	found := payload.Items
	if len(found) == 0 {
		found, err = c.search(ctx, cl, searchQuery(params), limit)
		if err != nil {
			return nil, async.SetupError(err)
		}
		c.log.Infow("Places discovered",
			logger.FieldJobID, job.ID,
			logger.FieldCount, len(found))
	}

	return &session{
		ch:     c,
		client: cl,
		job:    job,
		items:  found,
		tags:   leadTags(params),
	}, nil
}

func (c *Channel) search(ctx context.Context, cl *client, query string, limit int) ([]async.Item, error) {
	var (
		items []async.Item
		token string
		seen  = make(map[string]bool)
	)
	for {
		res, err := cl.textSearch(ctx, query, token)
		if err != nil {
			return nil, err
		}
		for _, p := range res.Results {
			if p.PlaceID == "" || seen[p.PlaceID] {
				continue
			}
			seen[p.PlaceID] = true
			item := async.Item{"place_id": p.PlaceID, "name": p.Name, "address": p.FormattedAddress}
			if p.Rating > 0 {
				item["rating"] = ratingString(p.Rating)
			}
			if len(p.Types) > 0 {
				item["category"] = p.Types[0]
			}
			items = append(items, item)
			if len(items) == limit {
				return items, nil
			}
		}
		if res.NextPageToken == "" {
			return items, nil
		}
		token = res.NextPageToken
		if err := wait(ctx, c.pageTokenDelay); err != nil {
			return nil, err
		}
	}
}

// searchQuery combines the query with the optional location
func searchQuery(p async.Params) string {
	q := strings.TrimSpace(p.Query)
	if loc := strings.TrimSpace(p.Location); loc != "" {
		q += " in " + loc
	}
	return q
}

// leadTags are the job's tags plus the query's first word
func leadTags(p async.Params) []string {
	tags := append([]string{}, p.Tags...)
	if fields := strings.Fields(p.Query); len(fields) > 0 {
		tags = append(tags, strings.ToLower(fields[0]))
	}
	return tags
}

type session struct {
	ch     *Channel
	client *client
	job    *async.Job
	items  []async.Item
	tags   []string

	mu       sync.Mutex
	lastCall time.Time
}

func (s *session) Items() []async.Item { return s.items }

// Send fetches the place's details and stores it as a lead
func (s *session) Send(ctx context.Context, msg async.Message) (async.Ack, error) {
	if err := s.pace(ctx); err != nil {
		return async.Ack{}, err
	}

	details, err := s.client.details(ctx, msg.Recipient)
	if err != nil {
		return async.Ack{}, err
	}

	lead := &leads.Lead{
		OwnerID: s.job.OwnerID,
		JobID:   s.job.ID,
		PlaceID: msg.Recipient,
		Name:    details.Name,
		Address: details.FormattedAddress,
		Phone:   details.Phone,
		Website: details.Website,
		Rating:  details.Rating,
		Tags:    s.tags,
	}
	if lead.Name == "" {
		lead.Name = msg.Fields["name"]
	}
	if err := s.ch.leads.Upsert(ctx, lead); err != nil {
		return async.Ack{}, errors.Wrap(err, "failed to store lead")
	}
	return async.Ack{ProviderID: msg.Recipient, ResultID: lead.ID}, nil
}

func (s *session) Close() error { return nil }

// pace spaces detail requests by the channel delay
func (s *session) pace(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastCall.IsZero() {
		if err := wait(ctx, s.ch.delay-time.Since(s.lastCall)); err != nil {
			return err
		}
	}
	s.lastCall = time.Now()
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func ratingString(r float64) string {
	return strconv.FormatFloat(r, 'f', 1, 64)
}
