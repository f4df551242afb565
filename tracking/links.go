// Package tracking builds and verifies the open-pixel and unsubscribe links
// appended to campaign emails, and keeps the per-owner suppression list
// those unsubscribe links feed.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mailpulse/mailpulse/errors"
)

// Paths served by the HTTP API
const (
	OpenPath        = "/t/open"
	UnsubscribePath = "/t/unsubscribe"
)

// Links signs tracking URLs. A zero BaseURL disables tracking.
type Links struct {
	BaseURL string
	Secret  string
}

// Enabled reports whether emails should carry tracking links
func (l Links) Enabled() bool {
	return l.BaseURL != ""
}

// OpenPixelURL returns the pixel URL for one item of a job
func (l Links) OpenPixelURL(jobID string, index int) string {
	item := jobID + "." + strconv.Itoa(index)
	q := url.Values{"i": {item}, "s": {l.sign("open", item)}}
	return strings.TrimRight(l.BaseURL, "/") + OpenPath + "?" + q.Encode()
}

// UnsubscribeURL returns the link that suppresses email for ownerID
func (l Links) UnsubscribeURL(ownerID, email string) string {
	email = NormalizeEmail(email)
	q := url.Values{"o": {ownerID}, "e": {email}, "s": {l.sign("unsub", ownerID, email)}}
	return strings.TrimRight(l.BaseURL, "/") + UnsubscribePath + "?" + q.Encode()
}

// VerifyOpen checks a pixel request and returns the job and item it names
func (l Links) VerifyOpen(q url.Values) (jobID string, index int, err error) {
	item := q.Get("i")
	if !l.valid(q.Get("s"), "open", item) {
		return "", 0, errors.NewInvalidRequestError("invalid tracking signature")
	}
	dot := strings.LastIndex(item, ".")
	if dot <= 0 {
		return "", 0, errors.NewInvalidRequestError("invalid tracking item %q", item)
	}
	index, err = strconv.Atoi(item[dot+1:])
	if err != nil {
		return "", 0, errors.NewInvalidRequestError("invalid tracking item %q", item)
	}
	return item[:dot], index, nil
}

// VerifyUnsubscribe checks an unsubscribe request and returns who unsubscribed from whom
func (l Links) VerifyUnsubscribe(q url.Values) (ownerID, email string, err error) {
	ownerID, email = q.Get("o"), q.Get("e")
	if ownerID == "" || email == "" || !l.valid(q.Get("s"), "unsub", ownerID, email) {
		return "", "", errors.NewInvalidRequestError("invalid unsubscribe link")
	}
	return ownerID, email, nil
}

func (l Links) sign(kind string, parts ...string) string {
	mac := hmac.New(sha256.New, []byte(l.Secret))
	fmt.Fprintf(mac, "%s\x00%s", kind, strings.Join(parts, "\x00"))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func (l Links) valid(sig, kind string, parts ...string) bool {
	return sig != "" && hmac.Equal([]byte(sig), []byte(l.sign(kind, parts...)))
}

// NormalizeEmail lowercases and trims an address for suppression lookups
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
