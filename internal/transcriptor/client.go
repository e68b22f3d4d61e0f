// Package transcriptor sends signed work requests to the external
// transcription service. The service answers accept or reject only; results
// arrive later through the callback endpoint.
package transcriptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request carries everything the external service needs to fetch the audio
// and report back.
type Request struct {
	AudioID     string `json:"audio_id"`
	UserID      string `json:"user_id"`
	FileKey     string `json:"file_key"`
	FileURL     string `json:"file_url"`
	Filename    string `json:"filename"`
	CallbackURL string `json:"callback_url"`
	Secret      string `json:"callback_secret"`
}

// Client posts transcription requests over HTTP with a bounded timeout.
type Client struct {
	Endpoint    string
	CallbackURL string
	Secret      string
	HTTP        *http.Client
}

// New builds a client with the given request timeout.
func New(endpoint, callbackURL, secret string, timeout time.Duration) *Client {
	return &Client{
		Endpoint:    endpoint,
		CallbackURL: callbackURL,
		Secret:      secret,
		HTTP:        &http.Client{Timeout: timeout},
	}
}

type rejection struct {
	Message string `json:"message"`
}

// Request submits the job. A nil return means the service accepted it and
// will report the outcome asynchronously. Any non-2xx response or transport
// failure is a rejection.
func (c *Client) Request(ctx context.Context, req Request) error {
	req.CallbackURL = c.CallbackURL
	req.Secret = c.Secret

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.Secret)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transcription request %s: %w", req.AudioID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var rej rejection
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &rej) == nil && rej.Message != "" {
		return fmt.Errorf("transcription rejected %s: %s (status %d)", req.AudioID, rej.Message, resp.StatusCode)
	}
	return fmt.Errorf("transcription rejected %s: status %d", req.AudioID, resp.StatusCode)
}
