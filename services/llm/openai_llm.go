package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// The base URL is configurable so the same client covers OpenAI itself,
// Azure-hosted deployments, and local gateways exposing the /v1 surface.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	embedModel string
}

// NewOpenAIClient builds a client against the given endpoint. The API key is
// read from CHAT_MODEL_API_KEY with a Podman/Docker secrets fallback. The
// chat and embedding model names come from CHAT_MODEL_NAME and
// EMBEDDING_MODEL_NAME with sensible defaults.
func NewOpenAIClient(endpoint string) (*OpenAIClient, error) {
	apiKey := os.Getenv("CHAT_MODEL_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/chat_model_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the chat model API key from container secrets")
		} else {
			slog.Error("CHAT_MODEL_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("CHAT_MODEL_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("CHAT_MODEL_NAME")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("CHAT_MODEL_NAME not set, defaulting to gpt-4o-mini")
	}
	embedModel := os.Getenv("EMBEDDING_MODEL_NAME")
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
		slog.Warn("EMBEDDING_MODEL_NAME not set, defaulting to text-embedding-3-small")
	}

	config := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		config.BaseURL = strings.TrimSuffix(endpoint, "/")
	}

	slog.Info("Initializing OpenAI-compatible client",
		"endpoint", config.BaseURL, "model", model, "embedModel", embedModel)
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, params)
}

// Chat implements the LLMClient interface
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	slog.Debug("Generating chat completion", "model", o.model, "messages", len(messages))

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: chatMessages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("Chat completion call failed", "error", err)
		return "", fmt.Errorf("chat completion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("Chat model returned no choices")
		return "", fmt.Errorf("chat model returned no choices")
	}
	slog.Debug("Received chat completion", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Embed returns one vector per input text via the embeddings endpoint.
func (o *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.embedModel),
	})
	if err != nil {
		slog.Error("Embedding call failed", "error", err, "texts", len(texts))
		return nil, fmt.Errorf("embedding call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors",
			len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
