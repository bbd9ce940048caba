package llm

import (
	"context"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// LLMClient is the contract every model backend satisfies. Generate is the
// single-prompt form; Chat carries full conversation history. Both return
// the complete response text: callers accumulate before emitting, so there
// is no token-streaming variant.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}
