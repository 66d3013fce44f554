// Package extern holds the interfaces to the arena's external collaborators:
// the prompt-composition engine and the option generator. The arena only
// consumes from them; their internals live outside this process.
package extern

import (
	"context"
	"sort"

	"github.com/joestump/prose-arena/internal/config"
	"github.com/joestump/prose-arena/internal/llm"
)

// CharacterMessage is one candidate opening message with its reply options.
type CharacterMessage struct {
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

// PromptEngine composes role-tagged session openings for the multi-turn flow.
type PromptEngine interface {
	BuildSessionMessages(ctx context.Context, configID string) ([]CharacterMessage, error)
}

// OptionGenerator produces short reply options for the current conversation.
type OptionGenerator interface {
	GenerateOptions(ctx context.Context, conversation []llm.Message) ([]string, error)
}

// StaticPromptEngine serves the fixed prompts as plain openings with no
// options. It keeps /character_selection working when no companion engine is
// configured.
type StaticPromptEngine struct {
	cfg *config.Registry
}

// NewStaticPromptEngine returns the fallback engine over the registry.
func NewStaticPromptEngine(cfg *config.Registry) *StaticPromptEngine {
	return &StaticPromptEngine{cfg: cfg}
}

// BuildSessionMessages returns one opening per fixed prompt, ordered by
// prompt id so an index picked against one response resolves to the same
// message on a later call.
func (e *StaticPromptEngine) BuildSessionMessages(ctx context.Context, configID string) ([]CharacterMessage, error) {
	prompts, err := e.cfg.FixedPrompts()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(prompts))
	for id := range prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	messages := make([]CharacterMessage, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, CharacterMessage{Text: prompts[id]})
	}
	return messages, nil
}
