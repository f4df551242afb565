package email

import (
	"context"
	"net/http"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/pulse/async"
)

type mailgunTransport struct {
	mg *mailgun.MailgunImpl
}

func newMailgun(domain, apiKey, apiBase string) (*mailgunTransport, error) {
	if domain == "" || apiKey == "" {
		return nil, errors.New("mailgun domain and api key are required")
	}
	mg := mailgun.NewMailgun(domain, apiKey)
	if apiBase != "" {
		mg.SetAPIBase(apiBase)
	}
	return &mailgunTransport{mg: mg}, nil
}

func (t *mailgunTransport) Send(ctx context.Context, env envelope) (string, error) {
	message := t.mg.NewMessage(env.fromHeader(), env.Subject, env.Text, env.To)
	message.SetHtml(env.HTML)

	_, id, err := t.mg.Send(ctx, message)
	if err != nil {
		var unexpected *mailgun.UnexpectedResponseError
		if errors.As(err, &unexpected) && unexpected.Actual == http.StatusUnauthorized {
			return "", async.Fatal(errors.Wrap(err, "mailgun authentication failed"))
		}
		return "", errors.Wrap(err, "mailgun send failed")
	}
	return id, nil
}

func (t *mailgunTransport) Close() error { return nil }
