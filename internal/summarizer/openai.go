package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAISummarizer implements Summarizer via the OpenAI chat completion API.
type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAISummarizer(apiKey, baseURL, model string, maxTokens int, temperature float64, logger *zap.Logger) *OpenAISummarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAISummarizer{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (s *OpenAISummarizer) Model() string { return s.model }

func (s *OpenAISummarizer) Summarize(ctx context.Context, systemPrompt, userContent string) (string, Usage, error) {
	s.logger.Info("LLM request",
		zap.String("model", s.model),
		zap.Int("max_tokens", s.maxTokens),
		zap.Int("prompt_len", len(systemPrompt)),
		zap.Int("user_len", len(userContent)))

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: s.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: userContent,
				},
			},
			MaxTokens:   s.maxTokens,
			Temperature: float32(s.temperature),
		},
	)
	if err != nil {
		s.logger.Error("LLM request failed",
			zap.Error(err),
			zap.String("model", s.model),
			zap.Duration("duration", time.Since(start)))
		return "", Usage{}, fmt.Errorf("summarization failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("summarization returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	usage := Usage{
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}

	s.logger.Info("LLM response",
		zap.Int("tokens_in", usage.TokensIn),
		zap.Int("tokens_out", usage.TokensOut),
		zap.Int("response_len", len(text)),
		zap.Duration("duration", time.Since(start)))

	return text, usage, nil
}
