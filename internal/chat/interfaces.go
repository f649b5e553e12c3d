package chat

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

// CompletionClient abstracts the OpenAI chat client for testing.
// Production code passes *openai.Client; tests pass a mock.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Verify that openai.Client implements CompletionClient at compile time.
var _ CompletionClient = (*openai.Client)(nil)
