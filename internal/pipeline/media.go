package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/fsx"
	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/source"
)

// stagedAttachment couples a fetched attachment reference with the unit and
// source it belongs to, queued between the fetch and media phases of a cycle.
type stagedAttachment struct {
	tenant models.Tenant
	src    models.Source
	unitID int64
	ref    source.AttachmentRef
}

// downloadAttachment pulls one attachment, stores its bytes under the media
// directory (temp write, then rename) and upserts the asset row. A unit that
// is permanently gone upstream is skipped, not failed.
func (p *Pipeline) downloadAttachment(ctx context.Context, client source.Client, a stagedAttachment) (bool, error) {
	dl, err := client.DownloadMedia(ctx, a.src, a.ref)
	if err != nil {
		if errors.Is(err, source.ErrUnitGone) {
			p.logger.Warn("Attachment gone upstream, skipping",
				zap.Int64("source_id", a.src.ID),
				zap.Int64("unit_id", a.unitID),
				zap.String("file", a.ref.FileName))
			return false, nil
		}
		return false, fmt.Errorf("failed to download attachment for unit %d: %w", a.unitID, err)
	}

	sum := sha256.Sum256(dl.Data)
	contentHash := hex.EncodeToString(sum[:])

	localPath := filepath.Join(
		p.cfg.MediaDir,
		fmt.Sprintf("%s_%d", a.src.Kind, a.src.ID),
		dl.FileName,
	)
	if err := fsx.WriteFileAtomic(localPath, dl.Data); err != nil {
		return false, fmt.Errorf("failed to store attachment for unit %d: %w", a.unitID, err)
	}

	asset := &models.MediaAsset{
		TenantID:    a.src.TenantID,
		SourceKind:  a.src.Kind,
		SourceID:    a.src.ID,
		UnitID:      a.unitID,
		Type:        a.ref.Type,
		FileName:    dl.FileName,
		MimeType:    dl.MimeType,
		SizeBytes:   dl.Size,
		ContentHash: contentHash,
		LocalPath:   localPath,
	}
	if _, err := p.store.UpsertMedia(ctx, asset); err != nil {
		return false, fmt.Errorf("failed to persist attachment for unit %d: %w", a.unitID, err)
	}

	p.logger.Debug("Attachment stored",
		zap.Int64("source_id", a.src.ID),
		zap.Int64("unit_id", a.unitID),
		zap.String("file", dl.FileName),
		zap.Int64("size", dl.Size),
		zap.String("content_hash", contentHash))
	return true, nil
}
