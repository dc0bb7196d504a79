package summarizer

import (
	"context"
	"errors"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Usage is the token accounting of one summarization call.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// Summarizer is the text-generation collaborator.
type Summarizer interface {
	// Summarize invokes the model exactly once and returns the generated
	// text with token usage.
	Summarize(ctx context.Context, systemPrompt, userContent string) (string, Usage, error)
	// Model names the underlying model for digest bookkeeping.
	Model() string
}

// IsTransient reports whether a summarization error is retryable on the next
// cycle (rate limits, server errors, timeouts) as opposed to a permanent
// request problem.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}

	return false
}
