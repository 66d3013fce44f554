package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joestump/prose-arena/internal/config"
)

const anthropicMaxTokens = 8192

// callAnthropic sends the conversation through the Anthropic Messages API.
// System turns are concatenated into the system prompt; the Messages API
// requires the conversation to open with a user turn, so any run of non-user
// turns at the head is merged into the first user turn with role tags.
func (c *Client) callAnthropic(ctx context.Context, m config.Model, ch channel, key string, messages []Message) (string, error) {
	system, turns := splitSystem(messages)
	turns = mergeLeadingNonUser(turns)
	if len(turns) == 0 {
		return "", fmt.Errorf("no conversation turns to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(ch.modelID),
		MaxTokens: anthropicMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range turns {
		if t.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}

	client := anthropic.NewClient(
		option.WithBaseURL(ch.apiURL),
		option.WithAPIKey(key),
		option.WithHTTPClient(c.httpClient),
	)
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}

// splitSystem concatenates system turns and returns the remaining turns.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

// mergeLeadingNonUser folds any non-user turns at the head of the
// conversation into the first user turn, tagging each with its role.
func mergeLeadingNonUser(turns []Message) []Message {
	i := 0
	for i < len(turns) && turns[i].Role != "user" {
		i++
	}
	if i == 0 {
		return turns
	}
	if i == len(turns) {
		// No user turn at all: collapse everything into one.
		var parts []string
		for _, t := range turns {
			parts = append(parts, fmt.Sprintf("[%s]: %s", t.Role, t.Content))
		}
		return []Message{{Role: "user", Content: strings.Join(parts, "\n\n")}}
	}

	var parts []string
	for _, t := range turns[:i] {
		parts = append(parts, fmt.Sprintf("[%s]: %s", t.Role, t.Content))
	}
	parts = append(parts, turns[i].Content)
	merged := []Message{{Role: "user", Content: strings.Join(parts, "\n\n")}}
	return append(merged, turns[i+1:]...)
}
