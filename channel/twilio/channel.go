// Package twilio delivers sms_campaign and whatsapp_campaign jobs through the
// Twilio Messages API.
package twilio

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/pulse/async"
)

const whatsAppPrefix = "whatsapp:"

// breakerPoll is how often a held item checks whether the breaker let go
const breakerPoll = time.Second

// Channel is the SMS or WhatsApp Channel Sender. Throughput and the circuit
// breaker are shared by every job on the channel.
type Channel struct {
	jobType async.JobType
	channel string // credential channel
	creds   credential.Resolver
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	hold    time.Duration
	log     *zap.SugaredLogger
}

// NewSMS creates the sms_campaign channel
func NewSMS(creds credential.Resolver, cfg am.TwilioConfig, log *zap.SugaredLogger) *Channel {
	return newChannel(async.JobTypeSMSCampaign, credential.ChannelSMS, creds, cfg, log)
}

// NewWhatsApp creates the whatsapp_campaign channel
func NewWhatsApp(creds credential.Resolver, cfg am.TwilioConfig, log *zap.SugaredLogger) *Channel {
	return newChannel(async.JobTypeWhatsAppCampaign, credential.ChannelWhatsApp, creds, cfg, log)
}

func newChannel(jobType async.JobType, channel string, creds credential.Resolver, cfg am.TwilioConfig, log *zap.SugaredLogger) *Channel {
	log = log.With(logger.FieldChannel, channel)
	c := &Channel{
		jobType: jobType,
		channel: channel,
		creds:   creds,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limitOf(cfg.RatePerSecond), max(cfg.Burst, 1)),
		hold:    breakerPoll,
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twilio-" + channel,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections of a single recipient say nothing about Twilio's health
		IsSuccessful: func(err error) bool {
			var apiErr *apiError
			return err == nil || (errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func limitOf(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// SetRate changes the provider throughput, e.g. after a config reload
func (c *Channel) SetRate(perSecond float64, burst int) {
	c.limiter.SetLimit(limitOf(perSecond))
	c.limiter.SetBurst(max(burst, 1))
}

func (c *Channel) Type() async.JobType { return c.jobType }

func (c *Channel) RetryPolicy() async.RetryPolicy { return async.SingleAttempt() }

// Open resolves the credential and verifies it by fetching the account
func (c *Channel) Open(ctx context.Context, job *async.Job, payload *async.Payload) (async.Session, error) {
	cfg, err := c.creds.Resolve(ctx, job.OwnerID, payload.Params.CredentialID, c.channel)
	if err != nil {
		return nil, async.SetupError(err)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, async.SetupError(errors.Newf("%s credential requires account sid, auth token and from number", c.channel))
	}

	cl := &client{http: c.http, baseURL: c.baseURL, accountSID: cfg.AccountSID, authToken: cfg.AuthToken}
	acct, err := cl.fetchAccount(ctx)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Code == codeAuthenticationFailed) {
			return nil, async.SetupError(errors.Wrap(err, "twilio authentication failed"))
		}
		return nil, async.SetupError(errors.Wrap(err, "twilio account check failed"))
	}
	if acct.Status != "" && acct.Status != "active" {
		return nil, async.SetupError(errors.Newf("twilio account %s is %s", acct.SID, acct.Status))
	}

	c.log.Debugw("Twilio account verified",
		logger.FieldJobID, job.ID,
		"account", acct.FriendlyName)

	return &session{ch: c, client: cl, from: c.address(cfg.FromNumber)}, nil
}

// address formats a number for this channel
func (c *Channel) address(number string) string {
	number = strings.TrimSpace(number)
	if c.jobType == async.JobTypeWhatsAppCampaign && !strings.HasPrefix(number, whatsAppPrefix) {
		return whatsAppPrefix + number
	}
	return number
}

type session struct {
	ch     *Channel
	client *client
	from   string
}

func (s *session) Send(ctx context.Context, msg async.Message) (async.Ack, error) {
	if err := s.ch.limiter.Wait(ctx); err != nil {
		return async.Ack{}, errors.Wrap(err, "twilio throughput wait interrupted")
	}

	res, err := s.ch.breaker.Execute(func() (interface{}, error) {
		return s.client.createMessage(ctx, s.from, s.ch.address(msg.Recipient), msg.Body)
	})
	if err != nil {
		// Twilio was not contacted; hold the item instead of failing it
		if errors.IsAny(err, gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests) {
			return async.Ack{}, async.Backpressure(errors.Wrap(err, "twilio circuit breaker"), s.ch.hold)
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Status == http.StatusUnauthorized || apiErr.Code == codeAuthenticationFailed:
				return async.Ack{}, async.Fatal(errors.Wrap(err, "twilio credentials rejected"))
			case apiErr.Code == codeUnsubscribed:
				return async.Ack{}, errors.Wrap(err, "recipient unsubscribed")
			}
		}
		return async.Ack{}, err
	}

	created := res.(*messageResource)
	if created.ErrorCode != nil {
		return async.Ack{}, errors.Newf("twilio error %d: %s", *created.ErrorCode, created.ErrorMessage)
	}
	return async.Ack{ProviderID: created.SID}, nil
}

func (s *session) Close() error { return nil }
