package extern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/llm"
)

const optionSystemPrompt = "You suggest what the user could say next in a roleplay conversation. Reply with exactly three short alternatives, one per line, no numbering."

// OptionClient generates reply options through the configured option LLM,
// speaking the OpenAI chat-completion shape.
type OptionClient struct {
	httpClient *http.Client
}

// NewOptionClient returns an option generator over the OPTION_LLM endpoint.
func NewOptionClient() *OptionClient {
	return &OptionClient{httpClient: &http.Client{}}
}

// GenerateOptions asks the option LLM for reply suggestions. The endpoint is
// read per call so it hot-updates with the environment.
func (c *OptionClient) GenerateOptions(ctx context.Context, conversation []llm.Message) ([]string, error) {
	endpoint := config.CurrentOptionLLM()
	if endpoint.APIURL == "" {
		return nil, fmt.Errorf("option llm not configured")
	}

	messages := append([]llm.Message{{Role: "system", Content: optionSystemPrompt}}, conversation...)
	payload, err := json.Marshal(map[string]any{
		"model":       endpoint.Model,
		"messages":    messages,
		"temperature": 1.0,
		"stream":      false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post option llm: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("option llm status %d", resp.StatusCode)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	return splitOptions(parsed.Choices[0].Message.Content), nil
}

// splitOptions turns the model's line-per-option reply into a clean list.
func splitOptions(content string) []string {
	var options []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			options = append(options, line)
		}
	}
	return options
}
