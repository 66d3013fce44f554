// Package llm is the outbound model client. A logical model maps to one or
// more upstream channels; the client walks channels in order, rotates keys
// within a channel, and retries each (channel, key) pair before moving on.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/joestump/prose-arena/internal/config"
)

const (
	maxAttemptsPerKey = 2
	retryDelay        = time.Second
)

// Message is one chat turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallError reports that every channel and key for a model was exhausted.
// Unwrap exposes the last underlying error so callers can classify the cause.
type CallError struct {
	ModelID string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("model call %s: all channels exhausted: %v", e.ModelID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// channel is one concrete upstream endpoint with its key ring.
type channel struct {
	modelID string
	apiURL  string
	apiKeys []string
}

// Client calls model provider APIs. The zero value is not usable; use New.
type Client struct {
	httpClient *http.Client

	// sleep is replaced in tests to avoid real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a model client. Per-call deadlines come from the generation
// timeout, so the underlying http.Client carries none of its own.
func New() *Client {
	return &Client{
		httpClient: &http.Client{},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// channels flattens a model descriptor into its try-order endpoint list.
// A descriptor with neither internal channels nor its own api_url falls back
// to the default endpoint from the environment.
func channels(m config.Model) []channel {
	if len(m.InternalModels) > 0 {
		chans := make([]channel, 0, len(m.InternalModels))
		for _, ic := range m.InternalModels {
			chans = append(chans, channel{modelID: ic.InternalID, apiURL: ic.APIURL, apiKeys: ic.APIKeys})
		}
		return chans
	}
	url, keys := m.APIURL, m.APIKeys
	if url == "" {
		def := config.CurrentDefaultEndpoint()
		url = def.APIURL
		if len(keys) == 0 {
			keys = []string{def.APIKey}
		}
	}
	if len(keys) == 0 {
		keys = []string{""}
	}
	return []channel{{modelID: m.ID, apiURL: url, apiKeys: keys}}
}

// Generate sends the conversation to the model and returns its text response.
// All channels and keys are tried before giving up; the returned error is a
// *CallError wrapping the last underlying failure.
func (c *Client) Generate(ctx context.Context, m config.Model, messages []Message) (string, error) {
	var lastErr error
	for _, ch := range channels(m) {
		if ch.apiURL == "" {
			lastErr = fmt.Errorf("channel %s: no api url configured", ch.modelID)
			continue
		}
		for _, key := range ch.apiKeys {
			for attempt := 0; attempt < maxAttemptsPerKey; attempt++ {
				if attempt > 0 {
					if err := c.sleep(ctx, retryDelay); err != nil {
						return "", &CallError{ModelID: m.ID, Err: err}
					}
				}
				text, err := c.callOnce(ctx, m, ch, key, messages)
				if err == nil {
					return stripThink(text), nil
				}
				lastErr = err
			}
		}
	}
	return "", &CallError{ModelID: m.ID, Err: lastErr}
}

// callOnce makes one attempt against one (channel, key) pair with the
// generation timeout applied.
func (c *Client) callOnce(ctx context.Context, m config.Model, ch channel, key string, messages []Message) (string, error) {
	if timeout := config.GenerationTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if m.APIFormat == "anthropic" {
		return c.callAnthropic(ctx, m, ch, key, messages)
	}
	return c.callOpenAI(ctx, m, ch, key, messages)
}

// openAIRequest is the OpenAI-shaped chat completion request body.
type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	Thinking    *thinking `json:"thinking,omitempty"`
}

type thinking struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) callOpenAI(ctx context.Context, m config.Model, ch channel, key string, messages []Message) (string, error) {
	reqBody := openAIRequest{
		Model:       ch.modelID,
		Messages:    messages,
		Temperature: 1.0,
		Stream:      false,
	}
	if m.EnableThinking {
		reqBody.Thinking = &thinking{Type: "enabled"}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", ch.apiURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model api status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

var thinkRe = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

// stripThink removes a leading <think>…</think> block from a model response.
func stripThink(s string) string {
	return thinkRe.ReplaceAllString(s, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
