// Package ttm renders an instrumental music bed from a composition prompt
// via a text-to-music HTTP provider.
package ttm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adforge/adforge/internal/tts"
)

const (
	apiURL = "https://api.elevenlabs.io/v1/music"

	// The provider bills per request; keep prompts inside its cap.
	maxPromptLen = 2000
)

// Composer renders audio from a composition prompt.
type Composer interface {
	Compose(ctx context.Context, prompt string, durationSeconds float64) ([]byte, error)
}

type composeRequest struct {
	Prompt        string `json:"prompt"`
	MusicLengthMS int    `json:"music_length_ms"`
}

// Client is the HTTP text-to-music provider.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// NewClient creates the composer with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 180 * time.Second},
	}
}

func (c *Client) Compose(ctx context.Context, prompt string, durationSeconds float64) ([]byte, error) {
	if len(prompt) > maxPromptLen {
		prompt = prompt[:maxPromptLen]
	}
	body, err := json.Marshal(composeRequest{
		Prompt:        prompt,
		MusicLengthMS: int(durationSeconds * 1000),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		errBody, _ := io.ReadAll(res.Body)
		return nil, &tts.AuthError{StatusCode: res.StatusCode, Body: string(errBody)}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError:
		errBody, _ := io.ReadAll(res.Body)
		return nil, &tts.RetryableError{StatusCode: res.StatusCode, Body: string(errBody)}
	case res.StatusCode != http.StatusOK:
		errBody, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("TTM API error (status %d): %s", res.StatusCode, string(errBody))
	}

	audio, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("TTM returned empty audio")
	}
	return audio, nil
}
