// Package hubspot wraps the HubSpot CRM v3 API for contact and note tools.
package hubspot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrNotConnected = errors.New("hubspot: account not connected")

const (
	contactsEndpoint = "https://api.hubapi.com/crm/v3/objects/contacts"
	notesEndpoint    = "https://api.hubapi.com/crm/v3/objects/notes"
)

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

// CreateContact creates a CRM contact and returns its id.
func (c *Client) CreateContact(ctx context.Context, email, firstName, lastName string) (string, error) {
	if !c.Initialized() {
		return "", ErrNotConnected
	}
	payload := "{}"
	var err error
	for _, set := range []struct{ path, value string }{
		{"properties.email", email},
		{"properties.firstname", firstName},
		{"properties.lastname", lastName},
	} {
		if set.value == "" {
			continue
		}
		if payload, err = sjson.Set(payload, set.path, set.value); err != nil {
			return "", err
		}
	}
	data, err := c.post(ctx, contactsEndpoint, payload)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "id").String(), nil
}

// AddNote attaches a timestamped note to a contact.
func (c *Client) AddNote(ctx context.Context, contactID, body string) (string, error) {
	if !c.Initialized() {
		return "", ErrNotConnected
	}
	payload := "{}"
	var err error
	if payload, err = sjson.Set(payload, "properties.hs_note_body", body); err != nil {
		return "", err
	}
	if payload, err = sjson.Set(payload, "properties.hs_timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return "", err
	}
	if payload, err = sjson.Set(payload, "associations.0.to.id", contactID); err != nil {
		return "", err
	}
	if payload, err = sjson.Set(payload, "associations.0.types.0.associationCategory", "HUBSPOT_DEFINED"); err != nil {
		return "", err
	}
	if payload, err = sjson.Set(payload, "associations.0.types.0.associationTypeId", 202); err != nil {
		return "", err
	}
	data, err := c.post(ctx, notesEndpoint, payload)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "id").String(), nil
}

func (c *Client) post(ctx context.Context, endpoint, payload string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hubspot request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("hubspot returned %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
