// Package calendar wraps the Google Calendar events API for the
// orchestrator's scheduling tools.
package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrNotConnected = errors.New("calendar: account not connected")

const eventsEndpoint = "https://www.googleapis.com/calendar/v3/calendars/primary/events"

type Client struct {
	token      string
	httpClient *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Initialized() bool {
	return c != nil && c.token != ""
}

// CreateEvent inserts an event on the primary calendar and returns the
// provider event id.
func (c *Client) CreateEvent(ctx context.Context, title, description string, start, end time.Time, attendees []string) (string, error) {
	if !c.Initialized() {
		return "", ErrNotConnected
	}

	payload := "{}"
	var err error
	for _, set := range []struct {
		path  string
		value interface{}
	}{
		{"summary", title},
		{"description", description},
		{"start.dateTime", start.Format(time.RFC3339)},
		{"end.dateTime", end.Format(time.RFC3339)},
	} {
		if payload, err = sjson.Set(payload, set.path, set.value); err != nil {
			return "", err
		}
	}
	for i, email := range attendees {
		if payload, err = sjson.Set(payload, fmt.Sprintf("attendees.%d.email", i), email); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, eventsEndpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create event: calendar returned %d: %s", resp.StatusCode, string(data))
	}
	return gjson.GetBytes(data, "id").String(), nil
}
