package ocr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExtractor struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) Name() string { return f.name }

func (f *fakeExtractor) Extract(_ context.Context, _ []byte, _ []string) (*Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Text: f.text}, nil
}

type fakeLookup struct {
	texts map[string]string
}

func (f *fakeLookup) ExtractedTextByHash(_ context.Context, hash string) (string, bool, error) {
	text, ok := f.texts[hash]
	return text, ok, nil
}

func TestExtractTextPrimaryWins(t *testing.T) {
	primary := &fakeExtractor{name: "ocrspace", text: "from primary"}
	fallback := &fakeExtractor{name: "tesseract", text: "from fallback"}
	svc := NewService(&fakeLookup{texts: map[string]string{}}, primary, fallback, nil, zap.NewNop())

	text, producer, _, err := svc.ExtractText(context.Background(), "h1", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "from primary", text)
	assert.Equal(t, "ocrspace", producer)
	assert.Zero(t, fallback.calls)
}

func TestExtractTextFallsBack(t *testing.T) {
	primary := &fakeExtractor{name: "ocrspace", err: errors.New("quota exceeded")}
	fallback := &fakeExtractor{name: "tesseract", text: "from fallback"}
	svc := NewService(&fakeLookup{texts: map[string]string{}}, primary, fallback, nil, zap.NewNop())

	text, producer, _, err := svc.ExtractText(context.Background(), "h1", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "from fallback", text)
	assert.Equal(t, "tesseract", producer)
}

func TestExtractTextAllBackendsFail(t *testing.T) {
	primary := &fakeExtractor{name: "ocrspace", err: errors.New("down")}
	fallback := &fakeExtractor{name: "tesseract", err: errors.New("also down")}
	svc := NewService(&fakeLookup{texts: map[string]string{}}, primary, fallback, nil, zap.NewNop())

	_, _, _, err := svc.ExtractText(context.Background(), "h1", []byte("img"))
	require.ErrorIs(t, err, ErrNoBackend)
}

func TestExtractTextDurableCacheHit(t *testing.T) {
	primary := &fakeExtractor{name: "ocrspace", text: "fresh"}
	lookup := &fakeLookup{texts: map[string]string{"h1": "cached text"}}
	svc := NewService(lookup, primary, nil, nil, zap.NewNop())

	text, producer, _, err := svc.ExtractText(context.Background(), "h1", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "cached text", text)
	assert.Equal(t, "cache", producer)
	assert.Zero(t, primary.calls)
}

func TestExtractTextSameBatchDedup(t *testing.T) {
	// Two identical images in one batch: the backend runs once, the second
	// extraction is served from the in-process layer.
	primary := &fakeExtractor{name: "ocrspace", text: "shared screenshot"}
	svc := NewService(&fakeLookup{texts: map[string]string{}}, primary, nil, nil, zap.NewNop())

	ctx := context.Background()
	text1, producer1, _, err := svc.ExtractText(ctx, "same", []byte("img"))
	require.NoError(t, err)
	text2, producer2, _, err := svc.ExtractText(ctx, "same", []byte("img"))
	require.NoError(t, err)

	assert.Equal(t, text1, text2)
	assert.Equal(t, "ocrspace", producer1)
	assert.Equal(t, "cache", producer2)
	assert.Equal(t, 1, primary.calls)
}
