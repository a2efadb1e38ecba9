package agent

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ignite/envelope/internal/config"
)

const (
	chatTimeout  = 60 * time.Second
	embedTimeout = 30 * time.Second

	chatTemperature = 0.3
	chatMaxTokens   = 2048

	maxEmbedInput = 8000
)

// ChatClient is the LLM surface the agent depends on. Tests provide
// scripted implementations.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMClient talks to an OpenAI-compatible completions endpoint (OpenRouter
// by default). It also implements embeddings.Embedder.
type LLMClient struct {
	client     *openai.Client
	model      string
	embedModel string
}

// NewLLMClient builds a client from the LLM config section.
func NewLLMClient(cfg config.LLM) *LLMClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &LLMClient{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		embedModel: cfg.EmbeddingModel,
	}
}

// Complete runs one system+user exchange and returns the raw assistant
// text.
func (c *LLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: chatTemperature,
		MaxTokens:   chatMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("agent: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("agent: chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the vector for a text, truncated to the model input cap.
func (c *LLMClient) Embed(ctx context.Context, input string) ([]float32, error) {
	input = truncateChars(input, maxEmbedInput)
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: []string{input},
	})
	if err != nil {
		return nil, fmt.Errorf("agent: embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("agent: embeddings returned no data")
	}
	return resp.Data[0].Embedding, nil
}
