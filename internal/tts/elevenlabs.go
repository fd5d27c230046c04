package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/adforge/adforge/internal/align"
)

const (
	apiBaseURL   = "https://api.elevenlabs.io/v1/text-to-speech"
	modelID      = "eleven_multilingual_v2"
	outputFormat = "mp3_44100_128"

	// DefaultVoice is a neutral narration voice used when the brief does
	// not pick one.
	DefaultVoice = "JBFqnCBsd6RMkjVDRZzb"
)

type ttsRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Speed           float64 `json:"speed"`
}

// timestampResponse is the with-timestamps endpoint's payload.
type timestampResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Alignment   struct {
		Characters          []string  `json:"characters"`
		CharacterStartTimes []float64 `json:"character_start_times_seconds"`
		CharacterEndTimes   []float64 `json:"character_end_times_seconds"`
	} `json:"alignment"`
}

// ElevenLabs synthesizes speech via the ElevenLabs HTTP API.
type ElevenLabs struct {
	apiKey     string
	httpClient *http.Client
}

// NewElevenLabs creates the provider with the given API key.
func NewElevenLabs(apiKey string) *ElevenLabs {
	return &ElevenLabs{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *ElevenLabs) Synthesize(ctx context.Context, req Request) (*Result, error) {
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = DefaultVoice
	}

	settings := &voiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		UseSpeakerBoost: true,
		Speed:           1.0,
	}
	if req.Speed > 0 {
		settings.Speed = req.Speed
	}
	if req.Stability > 0 {
		settings.Stability = req.Stability
	}

	body, err := json.Marshal(ttsRequest{
		Text:          req.Text,
		ModelID:       modelID,
		VoiceSettings: settings,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s?output_format=%s", apiBaseURL, voiceID, outputFormat)
	if req.WithTimestamps {
		endpoint = fmt.Sprintf("%s/%s/with-timestamps?output_format=%s", apiBaseURL, voiceID, outputFormat)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		errBody, _ := io.ReadAll(res.Body)
		return nil, &AuthError{StatusCode: res.StatusCode, Body: string(errBody)}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError:
		errBody, _ := io.ReadAll(res.Body)
		return nil, &RetryableError{
			StatusCode: res.StatusCode,
			Body:       string(errBody),
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	case res.StatusCode != http.StatusOK:
		errBody, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("TTS API error (status %d): %s", res.StatusCode, string(errBody))
	}

	if !req.WithTimestamps {
		audio, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		return &Result{Audio: audio}, nil
	}

	var payload timestampResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode timestamp response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}

	alignment, err := charTimings(payload)
	if err != nil {
		return nil, err
	}
	return &Result{Audio: audio, Alignment: alignment}, nil
}

func charTimings(payload timestampResponse) ([]align.CharTiming, error) {
	a := payload.Alignment
	if len(a.Characters) != len(a.CharacterStartTimes) || len(a.Characters) != len(a.CharacterEndTimes) {
		return nil, fmt.Errorf("alignment arrays disagree: %d chars, %d starts, %d ends",
			len(a.Characters), len(a.CharacterStartTimes), len(a.CharacterEndTimes))
	}
	out := make([]align.CharTiming, len(a.Characters))
	for i := range a.Characters {
		out[i] = align.CharTiming{
			Char:  a.Characters[i],
			Start: a.CharacterStartTimes[i],
			End:   a.CharacterEndTimes[i],
		}
	}
	return out, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
