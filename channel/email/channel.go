// Package email delivers email_campaign jobs over SMTP, SendGrid or Mailgun,
// chosen by the job's credential.
package email

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/pulse/async"
	"github.com/mailpulse/mailpulse/tracking"
)

// ErrUnsubscribed is the per-item failure for suppressed recipients
var ErrUnsubscribed = errors.New("recipient unsubscribed")

// Errors that another attempt will not fix
var nonRetryable = []string{
	"invalid login",
	"authentication",
	"535",
	"recipient address rejected",
	"550",
	"user unknown",
	"mailbox unavailable",
	"unsubscribed",
}

// Suppressions reports addresses an owner may no longer email
type Suppressions interface {
	IsSuppressed(ctx context.Context, ownerID, email string) (bool, error)
}

// Options points transports at non-default endpoints
type Options struct {
	SendGridHost   string // default https://api.sendgrid.com
	MailgunAPIBase string // default mailgun.APIBase
}

// Channel is the email Channel Sender
type Channel struct {
	creds        credential.Resolver
	suppressions Suppressions
	links        tracking.Links
	cfg          am.EmailConfig
	opts         Options
	log          *zap.SugaredLogger
}

// New creates the email channel. suppressions may be nil; a zero links value
// disables tracking.
func New(creds credential.Resolver, suppressions Suppressions, links tracking.Links, cfg am.EmailConfig, opts Options, log *zap.SugaredLogger) *Channel {
	return &Channel{
		creds:        creds,
		suppressions: suppressions,
		links:        links,
		cfg:          cfg,
		opts:         opts,
		log:          log.With(logger.FieldChannel, "email"),
	}
}

func (c *Channel) Type() async.JobType { return async.JobTypeEmailCampaign }

func (c *Channel) RetryPolicy() async.RetryPolicy {
	attempts := c.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := time.Duration(c.cfg.BackoffBaseMS) * time.Millisecond
	return async.RetryPolicy{
		MaxAttempts:  attempts,
		Backoff:      async.ExponentialBackoff(base, 4*base),
		NonRetryable: async.MessageDenylist(nonRetryable...),
	}
}

// Open resolves the job's credential and connects its transport
func (c *Channel) Open(ctx context.Context, job *async.Job, payload *async.Payload) (async.Session, error) {
	cfg, err := c.creds.Resolve(ctx, job.OwnerID, payload.Params.CredentialID, credential.ChannelEmail)
	if err != nil {
		return nil, async.SetupError(err)
	}

	transport, err := c.dial(ctx, cfg)
	if err != nil {
		return nil, async.SetupError(errors.Wrapf(err, "%s transport setup failed", cfg.Provider))
	}

	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	if from == "" {
		transport.Close()
		return nil, async.SetupError(errors.Newf("%s credential has no sender address", cfg.Provider))
	}
	fromName := cfg.FromName
	if fromName == "" {
		fromName = c.cfg.DefaultFromName
	}

	c.log.Debugw("Email transport ready",
		logger.FieldJobID, job.ID,
		logger.FieldProvider, cfg.Provider)

	return &session{
		ch:        c,
		transport: transport,
		from:      from,
		fromName:  fromName,
	}, nil
}

func (c *Channel) dial(ctx context.Context, cfg *credential.Config) (transport, error) {
	timeout := time.Duration(c.cfg.DialTimeoutSeconds) * time.Second
	switch cfg.Provider {
	case "smtp":
		return dialSMTP(ctx, smtpSettings{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Secure:   cfg.Secure,
			User:     cfg.User,
			Password: cfg.Password,
		}, timeout)
	case "gmail":
		return dialSMTP(ctx, smtpSettings{
			Host:     gmailHost,
			Port:     gmailPort,
			User:     cfg.User,
			Password: cfg.Password,
		}, timeout)
	case "sendgrid":
		return newSendGrid(cfg.APIKey, c.opts.SendGridHost)
	case "mailgun":
		return newMailgun(cfg.Domain, cfg.APIKey, c.opts.MailgunAPIBase)
	default:
		return nil, errors.Newf("unsupported email provider %q", cfg.Provider)
	}
}

type session struct {
	ch        *Channel
	transport transport
	from      string
	fromName  string
}

func (s *session) Send(ctx context.Context, msg async.Message) (async.Ack, error) {
	if s.ch.suppressions != nil {
		suppressed, err := s.ch.suppressions.IsSuppressed(ctx, msg.OwnerID, msg.Recipient)
		if err != nil {
			return async.Ack{}, err
		}
		if suppressed {
			return async.Ack{}, ErrUnsubscribed
		}
	}

	body := s.ch.decorate(msg)
	id, err := s.transport.Send(ctx, envelope{
		From:     s.from,
		FromName: s.fromName,
		To:       msg.Recipient,
		Subject:  msg.Subject,
		HTML:     body,
		Text:     plainText(body),
	})
	if err != nil {
		return async.Ack{}, err
	}
	return async.Ack{ProviderID: id}, nil
}

func (s *session) Close() error {
	return s.transport.Close()
}

// decorate appends the open pixel and unsubscribe footer when tracking is on
func (c *Channel) decorate(msg async.Message) string {
	if !c.links.Enabled() {
		return msg.Body
	}
	var b strings.Builder
	b.WriteString(msg.Body)
	fmt.Fprintf(&b, `<img src="%s" width="1" height="1" alt="" />`,
		html.EscapeString(c.links.OpenPixelURL(msg.JobID, msg.Index)))
	fmt.Fprintf(&b, `<br/><br/><p style="font-size: 12px; color: #666;"><a href="%s">Unsubscribe</a></p>`,
		html.EscapeString(c.links.UnsubscribeURL(msg.OwnerID, msg.Recipient)))
	return b.String()
}

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	blankPattern = regexp.MustCompile(`[ \t]*\n[\s]*`)
)

// plainText is the text/plain alternative of an HTML body
func plainText(body string) string {
	text := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(body)
	text = html.UnescapeString(tagPattern.ReplaceAllString(text, ""))
	return strings.TrimSpace(blankPattern.ReplaceAllString(text, "\n"))
}
