// Package gmail is a thin outbound client for the Gmail REST API. Only the
// calls the orchestrator's tools need are wrapped.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrNotConnected = errors.New("gmail: account not connected")

const sendEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

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

// Initialized reports whether the client holds a usable token.
func (c *Client) Initialized() bool {
	return c != nil && c.token != ""
}

// Send delivers one plain-text email through the connected account and
// returns the provider message id.
func (c *Client) Send(ctx context.Context, to, subject, body string) (string, error) {
	if !c.Initialized() {
		return "", ErrNotConnected
	}
	raw := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s", to, subject, body)
	payload, err := sjson.Set("{}", "raw", base64.URLEncoding.EncodeToString([]byte(raw)))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendEndpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("send email: gmail returned %d: %s", resp.StatusCode, string(data))
	}
	return gjson.GetBytes(data, "id").String(), nil
}
