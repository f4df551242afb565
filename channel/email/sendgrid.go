package email

import (
	"context"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/pulse/async"
)

type sendGridTransport struct {
	client *sendgrid.Client
}

func newSendGrid(apiKey, host string) (*sendGridTransport, error) {
	if apiKey == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	request := sendgrid.GetRequest(apiKey, "/v3/mail/send", host)
	request.Method = http.MethodPost
	return &sendGridTransport{client: &sendgrid.Client{Request: request}}, nil
}

func (t *sendGridTransport) Send(ctx context.Context, env envelope) (string, error) {
	from := mail.NewEmail(env.FromName, env.From)
	to := mail.NewEmail("", env.To)
	message := mail.NewSingleEmail(from, env.Subject, to, env.Text, env.HTML)

	response, err := t.client.SendWithContext(ctx, message)
	if err != nil {
		return "", errors.Wrap(err, "sendgrid request failed")
	}

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		// The key was revoked or lacks mail.send; every remaining item would fail the same way
		return "", async.Fatal(errors.Newf("sendgrid authentication failed (status %d): %s",
			response.StatusCode, response.Body))
	case response.StatusCode >= 300:
		return "", errors.Newf("sendgrid rejected message (status %d): %s", response.StatusCode, response.Body)
	}

	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

func (t *sendGridTransport) Close() error { return nil }
