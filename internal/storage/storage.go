package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/tg-digest/internal/models"
)

var (
	// ErrNotFound is returned by lookups for which absence is exceptional.
	// Optional lookups return (zero, false, nil) instead.
	ErrNotFound = errors.New("not found")

	// ErrCursorRegression is returned when an advance would move a cursor
	// backwards. Cursors only move forward.
	ErrCursorRegression = errors.New("cursor regression")

	// ErrIntervalOverlap is returned when a digest interval would overlap a
	// previously recorded interval for the same source.
	ErrIntervalOverlap = errors.New("digest interval overlap")
)

// Storage owns all durability and uniqueness guarantees of the pipeline.
type Storage interface {
	UnitStorage
	MediaStorage
	CursorStorage
	DigestStorage
	DocStorage
	Close() error
}

type UnitStorage interface {
	// UpsertUnit persists a unit idempotently: re-ingesting the same
	// (tenant, source, unit id) updates the existing row in place.
	UpsertUnit(ctx context.Context, u *models.Unit) error
	// UnitsInWindow returns units with from < unit_id <= to, ordered by
	// sent_at then unit_id.
	UnitsInWindow(ctx context.Context, key models.SourceKey, from, to int64) ([]*models.Unit, error)
	// UnitsByDate returns units with start <= sent_at < end.
	UnitsByDate(ctx context.Context, key models.SourceKey, start, end time.Time) ([]*models.Unit, error)
	// RecentUnits returns the last limit units by unit id, oldest first.
	RecentUnits(ctx context.Context, key models.SourceKey, limit int) ([]*models.Unit, error)
	// MaxUnitID returns the highest persisted unit id, or 0 if none.
	MaxUnitID(ctx context.Context, key models.SourceKey) (int64, error)
}

type MediaStorage interface {
	UpsertMedia(ctx context.Context, m *models.MediaAsset) (int64, error)
	HasMediaForUnit(ctx context.Context, key models.SourceKey, unitID int64) (bool, error)
	// MediaPendingOCR returns photo assets that have no extracted text yet.
	// Absence of an ExtractedText row is the sole processing-queue signal.
	MediaPendingOCR(ctx context.Context, limit int) ([]*models.MediaAsset, error)
	SaveExtractedText(ctx context.Context, t *models.ExtractedText) error
	// ExtractedTextByHash is the dedup cache lookup, keyed purely by content
	// hash, independent of tenant and source.
	ExtractedTextByHash(ctx context.Context, contentHash string) (string, bool, error)
	ExtractedInWindow(ctx context.Context, key models.SourceKey, from, to int64) ([]*models.ExtractedText, error)
	ExtractedByDate(ctx context.Context, key models.SourceKey, start, end time.Time) ([]*models.ExtractedText, error)
	RecentExtracted(ctx context.Context, key models.SourceKey, limit int) ([]*models.ExtractedText, error)
}

type CursorStorage interface {
	// ReadCursor returns the last fully-processed unit id, or 0 when the
	// source has no prior progress (meaning: ingest full history).
	ReadCursor(ctx context.Context, key models.SourceKey) (int64, error)
	// AdvanceCursor moves the cursor forward. Returns ErrCursorRegression
	// if newCursor is lower than the stored value; equal values are a no-op.
	AdvanceCursor(ctx context.Context, key models.SourceKey, newCursor int64) error
}

type DigestStorage interface {
	// SaveDigest appends one digest row and advances the source cursor to
	// UnitIDTo in the same transaction: once a digest is durable its window
	// is consumed, even if the process dies immediately after. Returns
	// ErrIntervalOverlap if the half-open interval intersects an already
	// recorded one for the source.
	SaveDigest(ctx context.Context, d *models.Digest) (int64, error)
	SaveDelivery(ctx context.Context, r *models.DeliveryRecord) error
}

type DocStorage interface {
	UpsertConsolidatedDoc(ctx context.Context, doc *models.ConsolidatedDoc) error
	// ConsolidatedDoc returns (nil, false, nil) when no document exists yet;
	// "not found" is a normal outcome here, not an error.
	ConsolidatedDoc(ctx context.Context, key models.SourceKey) (*models.ConsolidatedDoc, bool, error)
}
