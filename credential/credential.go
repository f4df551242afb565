// Package credential stores channel provider credentials encrypted at rest
// and resolves them for a job's owner at channel setup.
package credential

import (
	"encoding/json"
	"time"
)

// Channels a credential can belong to
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelPlaces   = "places"
)

// Providers per channel
var providers = map[string][]string{
	ChannelEmail:    {"smtp", "gmail", "sendgrid", "mailgun"},
	ChannelSMS:      {"twilio"},
	ChannelWhatsApp: {"twilio"},
	ChannelPlaces:   {"google"},
}

// Credential is the stored, non-secret part of a credential
type Credential struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Channel   string    `json:"channel"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Config is the decrypted secret part. Which fields matter depends on the
// provider: smtp uses Host/Port/Secure/User/Password, gmail User/Password,
// sendgrid APIKey, mailgun APIKey/Domain, twilio AccountSID/AuthToken,
// google APIKey.
type Config struct {
	Provider string `json:"provider"`

	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`

	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Domain string `json:"domain,omitempty"`

	AccountSID string `json:"accountSid,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
	FromNumber string `json:"fromNumber,omitempty"`
}

// ProvidersFor lists the providers accepted for channel
func ProvidersFor(channel string) []string {
	return providers[channel]
}

func validProvider(channel, provider string) bool {
	for _, p := range providers[channel] {
		if p == provider {
			return true
		}
	}
	return false
}

func (c *Config) encode() (string, error) {
	data, err := json.Marshal(c)
	return string(data), err
}
