package ocr

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoBackend is returned when every configured backend failed for an image.
// The asset stays pending and is retried on the next OCR run.
var ErrNoBackend = errors.New("no OCR backend produced a result")

// HashLookup is the durable side of the dedup cache: extracted text keyed by
// content hash, independent of tenant and source.
type HashLookup interface {
	ExtractedTextByHash(ctx context.Context, contentHash string) (string, bool, error)
}

// Service runs extraction with dedup: cache, then the primary backend, then
// the fallback. Backend failures are swallowed; only the all-failed case
// surfaces as an error.
type Service struct {
	store     HashLookup
	primary   Extractor
	fallback  Extractor
	languages []string
	logger    *zap.Logger

	mu  sync.Mutex
	mem map[string]string
}

func NewService(store HashLookup, primary, fallback Extractor, languages []string, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		primary:   primary,
		fallback:  fallback,
		languages: languages,
		logger:    logger,
		mem:       make(map[string]string),
	}
}

// Lookup consults the dedup cache only: the in-process layer first, then the
// durable store.
func (s *Service) Lookup(ctx context.Context, contentHash string) (string, bool, error) {
	s.mu.Lock()
	if text, ok := s.mem[contentHash]; ok {
		s.mu.Unlock()
		return text, true, nil
	}
	s.mu.Unlock()

	text, found, err := s.store.ExtractedTextByHash(ctx, contentHash)
	if err != nil {
		return "", false, err
	}
	if found {
		s.Store(contentHash, text)
	}
	return text, found, nil
}

// Store records an extraction result keyed purely by content hash, so that
// identical images in the same batch never trigger a second backend call.
func (s *Service) Store(contentHash, text string) {
	s.mu.Lock()
	s.mem[contentHash] = text
	s.mu.Unlock()
}

// ExtractText resolves text for an image: cache, then primary, then fallback.
// Returns the text and the name of the producer ("cache" on a cache hit).
func (s *Service) ExtractText(ctx context.Context, contentHash string, imageBytes []byte) (string, string, *float64, error) {
	if text, found, err := s.Lookup(ctx, contentHash); err == nil && found {
		s.logger.Debug("OCR cache hit", zap.String("content_hash", contentHash))
		return text, "cache", nil, nil
	} else if err != nil {
		// Cache trouble is not a reason to skip extraction.
		s.logger.Warn("OCR cache lookup failed", zap.Error(err))
	}

	for _, backend := range []Extractor{s.primary, s.fallback} {
		if backend == nil {
			continue
		}
		result, err := backend.Extract(ctx, imageBytes, s.languages)
		if err != nil {
			s.logger.Warn("OCR backend failed",
				zap.String("backend", backend.Name()),
				zap.Error(err))
			continue
		}
		if result.Text != "" {
			s.Store(contentHash, result.Text)
		}
		return result.Text, backend.Name(), result.Confidence, nil
	}

	return "", "", nil, ErrNoBackend
}
