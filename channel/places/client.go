package places

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/version"
)

// Places API response statuses
const (
	statusOK          = "OK"
	statusZeroResults = "ZERO_RESULTS"
)

const detailFields = "name,formatted_address,formatted_phone_number,website,rating,user_ratings_total,url"

type place struct {
	PlaceID          string   `json:"place_id"`
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	Phone            string   `json:"formatted_phone_number"`
	Website          string   `json:"website"`
	Rating           float64  `json:"rating"`
	RatingsTotal     int      `json:"user_ratings_total"`
	URL              string   `json:"url"`
	Types            []string `json:"types"`
}

type searchResponse struct {
	Status        string  `json:"status"`
	ErrorMessage  string  `json:"error_message"`
	Results       []place `json:"results"`
	NextPageToken string  `json:"next_page_token"`
}

type detailsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Result       place  `json:"result"`
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func (c *client) textSearch(ctx context.Context, query, pageToken string) (*searchResponse, error) {
	params := url.Values{"key": {c.apiKey}}
	if pageToken != "" {
		params.Set("pagetoken", pageToken)
	} else {
		params.Set("query", query)
	}
	var res searchResponse
	if err := c.get(ctx, "/maps/api/place/textsearch/json", params, &res); err != nil {
		return nil, err
	}
	if res.Status != statusOK && res.Status != statusZeroResults {
		return nil, statusError("text search", res.Status, res.ErrorMessage)
	}
	return &res, nil
}

func (c *client) details(ctx context.Context, placeID string) (*place, error) {
	params := url.Values{"key": {c.apiKey}, "place_id": {placeID}, "fields": {detailFields}}
	var res detailsResponse
	if err := c.get(ctx, "/maps/api/place/details/json", params, &res); err != nil {
		return nil, err
	}
	if res.Status != statusOK {
		return nil, statusError("place details", res.Status, res.ErrorMessage)
	}
	res.Result.PlaceID = placeID
	return &res.Result, nil
}

func (c *client) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build places request")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the api key
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return errors.Wrap(err, "places request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("places request failed with status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode places response")
	}
	return nil
}

func statusError(op, status, message string) error {
	if message != "" {
		return errors.Newf("places %s returned %s: %s", op, status, message)
	}
	return errors.Newf("places %s returned %s", op, status)
}
