// Package remote holds the clients Mimic uses to talk to its remote backend:
// the blob store for media uploads, the metadata API, and the speech token source.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hbomb79/Mimic/pkg/logger"
)

var log = logger.Get("Remote")

type (
	APIConfig struct {
		BaseURL     string        `yaml:"base_url" env:"REMOTE_API_BASE_URL"`
		AccessToken string        `yaml:"access_token" env:"REMOTE_API_ACCESS_TOKEN"`
		Timeout     time.Duration `yaml:"timeout" env:"REMOTE_API_TIMEOUT" env-default:"30s"`
	}

	SpeechToken struct {
		Token  string `json:"token"`
		Region string `json:"region"`
	}

	// APIError is returned when the backend responds with a non-2xx status.
	APIError struct {
		Method string
		Path   string
		Status int
		Body   string
	}

	Client struct {
		baseURL     string
		accessToken string
		http        *http.Client
	}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: backend responded %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func NewClient(config APIConfig) *Client {
	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		accessToken: config.AccessToken,
		http:        &http.Client{Timeout: config.Timeout},
	}
}

// SyncMetadata pushes the JSON representation of a record to the backend.
// The backend upserts by the ID contained in the payload.
func (client *Client) SyncMetadata(ctx context.Context, resource string, payload any) error {
	return client.do(ctx, http.MethodPost, "/api/"+resource, payload, nil)
}

func (client *Client) RequestSpeechToken(ctx context.Context) (*SpeechToken, error) {
	var token SpeechToken
	if err := client.do(ctx, http.MethodPost, "/api/speech/tokens", nil, &token); err != nil {
		return nil, err
	}

	return &token, nil
}

func (client *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body for %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if client.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+client.accessToken)
	}

	log.Verbosef("%s %s\n", method, path)
	resp, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}

	return nil
}
