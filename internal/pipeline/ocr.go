package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/ocr"
)

// runOCR drains up to the configured batch limit of pending photo assets.
// The queue is defined by absence: any photo asset without an extracted_text
// row is pending. A backend-exhausted asset stays pending for the next run;
// every other asset gets a row even when the image yielded no text.
func (p *Pipeline) runOCR(ctx context.Context) (int, error) {
	assets, err := p.store.MediaPendingOCR(ctx, p.cfg.OCRBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending OCR assets: %w", err)
	}
	if len(assets) == 0 {
		return 0, nil
	}

	p.logger.Info("OCR batch", zap.Int("pending", len(assets)))

	processed := 0
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		data, err := os.ReadFile(asset.LocalPath)
		if err != nil {
			p.logger.Warn("Media file unreadable, skipping",
				zap.Int64("media_id", asset.ID),
				zap.String("path", asset.LocalPath),
				zap.Error(err))
			continue
		}

		text, producer, confidence, err := p.ocr.ExtractText(ctx, asset.ContentHash, data)
		if err != nil {
			if errors.Is(err, ocr.ErrNoBackend) {
				p.logger.Warn("All OCR backends failed, asset stays pending",
					zap.Int64("media_id", asset.ID))
				continue
			}
			return processed, fmt.Errorf("OCR for media %d: %w", asset.ID, err)
		}

		rec := &models.ExtractedText{
			MediaID:    asset.ID,
			TenantID:   asset.TenantID,
			SourceKind: asset.SourceKind,
			SourceID:   asset.SourceID,
			UnitID:     asset.UnitID,
			Text:       text,
			Extractor:  producer,
			Confidence: confidence,
		}
		if err := p.store.SaveExtractedText(ctx, rec); err != nil {
			return processed, fmt.Errorf("failed to save extracted text for media %d: %w", asset.ID, err)
		}
		processed++
	}

	return processed, nil
}
