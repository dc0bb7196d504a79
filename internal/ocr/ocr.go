package ocr

import "context"

// Result is the output of one extraction attempt.
type Result struct {
	Text       string
	Confidence *float64
}

// Extractor turns image bytes into text. Cloud and local backends are named
// variants of this one interface with one calling convention.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, imageBytes []byte, languageHints []string) (*Result, error)
}
