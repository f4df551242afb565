package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/version"
)

const apiVersion = "2010-04-01"

// Twilio error codes handled specially
const (
	codeAuthenticationFailed = 20003
	codeUnsubscribed         = 21610
)

// apiError is the JSON body of a failed Twilio request
type apiError struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("twilio error %d (status %d): %s", e.Code, e.Status, e.Message)
}

type account struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

type messageResource struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// client talks to the Twilio REST API for one account
type client struct {
	http       *http.Client
	baseURL    string
	accountSID string
	authToken  string
}

func (c *client) fetchAccount(ctx context.Context) (*account, error) {
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s.json", c.baseURL, apiVersion, url.PathEscape(c.accountSID))
	var acct account
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *client) createMessage(ctx context.Context, from, to, body string) (*messageResource, error) {
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Messages.json", c.baseURL, apiVersion, url.PathEscape(c.accountSID))
	form := url.Values{"From": {from}, "To": {to}, "Body": {body}}
	var msg messageResource
	if err := c.do(ctx, http.MethodPost, endpoint, form, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(err, "failed to build twilio request")
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "twilio request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read twilio response")
	}

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "failed to decode twilio response")
	}
	return nil
}
