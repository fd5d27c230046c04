package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel = "claude-haiku-4-5-20251001"
	temperature  = 0.7
	maxTokens    = 4096

	maxRetries     = 3
	initialBackoff = 1 * time.Second
	backoffMult    = 2
)

// Claude generates blueprints via the Anthropic API.
type Claude struct {
	model  string
	apiKey string
}

// NewClaude creates a generator. An empty model selects the default; an
// empty apiKey falls back to the SDK's environment lookup.
func NewClaude(model, apiKey string) *Claude {
	if model == "" {
		model = defaultModel
	}
	return &Claude{model: model, apiKey: apiKey}
}

const systemPrompt = `You are an audio advertising producer. Given a brief, write the voice-over script and a complete production plan for a music bed.

Respond with a single JSON object, no prose, matching:
{
  "script": "the full voice-over text",
  "context": {"durationSeconds": <number>, "adCategory": "<category>"},
  "music": {
    "targetBPM": <number 60-180>,
    "genre": "<genre>",
    "mood": "<mood>",
    "arc": [{"label": "<label>", "startSecond": <n>, "endSecond": <n>, "energy": <1-10>, "prompt": "<texture>"}],
    "buttonEnding": <bool>,
    "musicalStructure": {"introType": "<type>", "introBars": <n>, "bodyFeel": "<feel>", "peakMoment": "<where>", "endingType": "button|sustain|stinger|decay", "outroBars": <n>, "key": "<key or empty>", "phraseLength": <2|3|4>},
    "instrumentation": ["<instrument>", ...],
    "composerDirection": "<one line for the composer>"
  },
  "sentenceCues": [{"musicVolumeMultiplier": <0.1-3.0>, "musicalFunction": "hook|build|peak|resolve|transition|pause"}],
  "fades": {"in": <0.02-0.15>, "out": <0.5-3.0>, "curve": "linear|exp|qsin|log"},
  "volume": {"voice": <0-2>, "music": <0-1>}
}

The script must read aloud in the requested duration at a natural pace (about 2.4 words per second). One sentenceCue per script sentence, in order.`

func (c *Claude) Generate(ctx context.Context, brief Brief) (*AdBlueprint, error) {
	var client anthropic.Client
	if c.apiKey != "" {
		client = anthropic.NewClient(option.WithAPIKey(c.apiKey))
	} else {
		client = anthropic.NewClient()
	}

	userPrompt := fmt.Sprintf("Brief: %s\nTarget duration: %.0f seconds.\nTone: %s.",
		brief.Prompt, brief.DurationSeconds, brief.Tone)

	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(c.model),
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(temperature),
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			// Auth and quota errors never heal on retry; surface them for
			// the fallback decision.
			var apierr *anthropic.Error
			if errors.As(err, &apierr) {
				switch apierr.StatusCode {
				case 401, 403:
					return nil, fmt.Errorf("llm auth: %w", err)
				case 429:
					return nil, fmt.Errorf("llm quota: %w", err)
				}
			}
			lastErr = fmt.Errorf("llm request (attempt %d/%d): %w", attempt, maxRetries, err)
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= time.Duration(backoffMult)
			}
			continue
		}

		text := extractText(message)
		bp, err := ParseBlueprint(text)
		if err != nil {
			lastErr = fmt.Errorf("parse blueprint (attempt %d/%d): %w", attempt, maxRetries, err)
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= time.Duration(backoffMult)
			}
			continue
		}
		return bp, nil
	}

	return nil, lastErr
}

func extractText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "")
}

// ParseBlueprint extracts and validates the JSON blueprint from raw model
// output.
func ParseBlueprint(text string) (*AdBlueprint, error) {
	text = stripMarkdownFences(text)
	text = extractJSON(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("no JSON content in response")
	}

	var bp AdBlueprint
	if err := json.Unmarshal([]byte(text), &bp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if strings.TrimSpace(bp.Script) == "" {
		return nil, fmt.Errorf("blueprint has no script")
	}
	if bp.Music.TargetBPM < 40 || bp.Music.TargetBPM > 220 {
		return nil, fmt.Errorf("blueprint BPM %v out of range", bp.Music.TargetBPM)
	}
	return &bp, nil
}

func stripMarkdownFences(text string) string {
	re := regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")
	if matches := re.FindStringSubmatch(text); len(matches) > 1 {
		return matches[1]
	}
	return text
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
