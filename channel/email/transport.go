package email

import (
	"context"
	"net/mail"
)

// envelope is one rendered email
type envelope struct {
	From     string
	FromName string
	To       string
	Subject  string
	HTML     string
	Text     string
}

func (e envelope) fromHeader() string {
	return (&mail.Address{Name: e.FromName, Address: e.From}).String()
}

// transport is a provider connection held for one job run
type transport interface {
	// Send delivers one envelope and returns the provider message id
	Send(ctx context.Context, env envelope) (string, error)
	Close() error
}
