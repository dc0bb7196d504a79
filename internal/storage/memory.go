package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/tg-digest/internal/models"
)

// MemoryStorage is an in-memory Storage implementation used in tests and
// local development. It mirrors the Postgres semantics, including the
// monotonic cursor check and the digest interval overlap check.
type MemoryStorage struct {
	mu          sync.RWMutex
	units       map[models.SourceKey]map[int64]*models.Unit
	media       map[int64]*models.MediaAsset
	mediaByKey  map[string]int64
	extracted   map[int64]*models.ExtractedText
	cursors     map[models.SourceKey]*models.Cursor
	digests     []*models.Digest
	deliveries  []*models.DeliveryRecord
	docs        map[models.SourceKey]*models.ConsolidatedDoc
	nextMediaID int64
	nextDigest  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		units:       make(map[models.SourceKey]map[int64]*models.Unit),
		media:       make(map[int64]*models.MediaAsset),
		mediaByKey:  make(map[string]int64),
		extracted:   make(map[int64]*models.ExtractedText),
		cursors:     make(map[models.SourceKey]*models.Cursor),
		docs:        make(map[models.SourceKey]*models.ConsolidatedDoc),
		nextMediaID: 1,
		nextDigest:  1,
	}
}

func (s *MemoryStorage) Close() error { return nil }

func unitKey(u *models.Unit) models.SourceKey {
	return models.SourceKey{TenantID: u.TenantID, Kind: u.SourceKind, SourceID: u.SourceID}
}

func mediaStorageKey(m *models.MediaAsset) string {
	return fmt.Sprintf("%d/%s/%d/%d/%s", m.TenantID, m.SourceKind, m.SourceID, m.UnitID, m.FileName)
}

// -----------------------------------------------------------------------------
// Units
// -----------------------------------------------------------------------------

func (s *MemoryStorage) UpsertUnit(_ context.Context, u *models.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := unitKey(u)
	if s.units[key] == nil {
		s.units[key] = make(map[int64]*models.Unit)
	}
	cp := *u
	s.units[key][u.UnitID] = &cp
	return nil
}

func (s *MemoryStorage) UnitsInWindow(_ context.Context, key models.SourceKey, from, to int64) ([]*models.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Unit
	for id, u := range s.units[key] {
		if id > from && id <= to {
			out = append(out, u)
		}
	}
	sortUnits(out)
	return out, nil
}

func (s *MemoryStorage) UnitsByDate(_ context.Context, key models.SourceKey, start, end time.Time) ([]*models.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Unit
	for _, u := range s.units[key] {
		if !u.SentAt.Before(start) && u.SentAt.Before(end) {
			out = append(out, u)
		}
	}
	sortUnits(out)
	return out, nil
}

func (s *MemoryStorage) RecentUnits(_ context.Context, key models.SourceKey, limit int) ([]*models.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Unit
	for _, u := range s.units[key] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStorage) MaxUnitID(_ context.Context, key models.SourceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for id := range s.units[key] {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func sortUnits(units []*models.Unit) {
	sort.Slice(units, func(i, j int) bool {
		if !units[i].SentAt.Equal(units[j].SentAt) {
			return units[i].SentAt.Before(units[j].SentAt)
		}
		return units[i].UnitID < units[j].UnitID
	})
}

// -----------------------------------------------------------------------------
// Media and extracted text
// -----------------------------------------------------------------------------

func (s *MemoryStorage) UpsertMedia(_ context.Context, m *models.MediaAsset) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := mediaStorageKey(m)
	if id, ok := s.mediaByKey[sk]; ok {
		existing := s.media[id]
		existing.MimeType = m.MimeType
		existing.SizeBytes = m.SizeBytes
		existing.ContentHash = m.ContentHash
		existing.LocalPath = m.LocalPath
		m.ID = id
		return id, nil
	}

	m.ID = s.nextMediaID
	s.nextMediaID++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.media[m.ID] = &cp
	s.mediaByKey[sk] = m.ID
	return m.ID, nil
}

func (s *MemoryStorage) HasMediaForUnit(_ context.Context, key models.SourceKey, unitID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.media {
		if m.TenantID == key.TenantID && m.SourceKind == key.Kind &&
			m.SourceID == key.SourceID && m.UnitID == unitID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) MediaPendingOCR(_ context.Context, limit int) ([]*models.MediaAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MediaAsset
	for id, m := range s.media {
		if m.Type != models.MediaPhoto || m.LocalPath == "" {
			continue
		}
		if _, done := s.extracted[id]; done {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) SaveExtractedText(_ context.Context, t *models.ExtractedText) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	s.extracted[t.MediaID] = &cp
	return nil
}

func (s *MemoryStorage) ExtractedTextByHash(_ context.Context, contentHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, m := range s.media {
		if m.ContentHash != contentHash {
			continue
		}
		if t, ok := s.extracted[id]; ok && t.Text != "" {
			return t.Text, true, nil
		}
	}
	return "", false, nil
}

func (s *MemoryStorage) ExtractedInWindow(_ context.Context, key models.SourceKey, from, to int64) ([]*models.ExtractedText, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ExtractedText
	for _, t := range s.extracted {
		if t.TenantID == key.TenantID && t.SourceKind == key.Kind && t.SourceID == key.SourceID &&
			t.UnitID > from && t.UnitID <= to && t.Text != "" {
			out = append(out, t)
		}
	}
	sortExtracted(out)
	return out, nil
}

func (s *MemoryStorage) ExtractedByDate(ctx context.Context, key models.SourceKey, start, end time.Time) ([]*models.ExtractedText, error) {
	units, err := s.UnitsByDate(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	inRange := make(map[int64]bool, len(units))
	for _, u := range units {
		inRange[u.UnitID] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ExtractedText
	for _, t := range s.extracted {
		if t.TenantID == key.TenantID && t.SourceKind == key.Kind && t.SourceID == key.SourceID &&
			inRange[t.UnitID] && t.Text != "" {
			out = append(out, t)
		}
	}
	sortExtracted(out)
	return out, nil
}

func (s *MemoryStorage) RecentExtracted(_ context.Context, key models.SourceKey, limit int) ([]*models.ExtractedText, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ExtractedText
	for _, t := range s.extracted {
		if t.TenantID == key.TenantID && t.SourceKind == key.Kind && t.SourceID == key.SourceID && t.Text != "" {
			out = append(out, t)
		}
	}
	sortExtracted(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func sortExtracted(texts []*models.ExtractedText) {
	sort.Slice(texts, func(i, j int) bool { return texts[i].UnitID < texts[j].UnitID })
}

// -----------------------------------------------------------------------------
// Cursors
// -----------------------------------------------------------------------------

func (s *MemoryStorage) ReadCursor(_ context.Context, key models.SourceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.cursors[key]; ok {
		return c.LastUnitID, nil
	}
	return 0, nil
}

func (s *MemoryStorage) AdvanceCursor(_ context.Context, key models.SourceKey, newCursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cursors[key]; ok {
		if newCursor < c.LastUnitID {
			return fmt.Errorf("advance to %d for tenant=%d source=%d: %w",
				newCursor, key.TenantID, key.SourceID, ErrCursorRegression)
		}
		c.LastUnitID = newCursor
		c.LastPollAt = time.Now()
		return nil
	}

	s.cursors[key] = &models.Cursor{
		TenantID:   key.TenantID,
		SourceKind: key.Kind,
		SourceID:   key.SourceID,
		LastUnitID: newCursor,
		LastPollAt: time.Now(),
	}
	return nil
}

// -----------------------------------------------------------------------------
// Digests and deliveries
// -----------------------------------------------------------------------------

func (s *MemoryStorage) SaveDigest(_ context.Context, d *models.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.digests {
		if existing.TenantID == d.TenantID && existing.SourceKind == d.SourceKind &&
			existing.SourceID == d.SourceID &&
			existing.UnitIDFrom < d.UnitIDTo && existing.UnitIDTo > d.UnitIDFrom {
			return 0, fmt.Errorf("interval (%d, %d] for tenant=%d source=%d: %w",
				d.UnitIDFrom, d.UnitIDTo, d.TenantID, d.SourceID, ErrIntervalOverlap)
		}
	}

	d.ID = s.nextDigest
	s.nextDigest++
	d.CreatedAt = time.Now()
	cp := *d
	s.digests = append(s.digests, &cp)

	// The cursor moves with the digest row, mirroring the Postgres
	// transaction: a durable digest means a consumed window.
	key := models.SourceKey{TenantID: d.TenantID, Kind: d.SourceKind, SourceID: d.SourceID}
	if c, ok := s.cursors[key]; ok {
		if d.UnitIDTo > c.LastUnitID {
			c.LastUnitID = d.UnitIDTo
			c.LastPollAt = time.Now()
		}
	} else if d.UnitIDTo > 0 {
		s.cursors[key] = &models.Cursor{
			TenantID:   key.TenantID,
			SourceKind: key.Kind,
			SourceID:   key.SourceID,
			LastUnitID: d.UnitIDTo,
			LastPollAt: time.Now(),
		}
	}

	return d.ID, nil
}

func (s *MemoryStorage) SaveDelivery(_ context.Context, r *models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = int64(len(s.deliveries) + 1)
	if r.Status == models.DeliverySent {
		now := time.Now()
		r.SentAt = &now
	}
	cp := *r
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

// Digests returns all recorded digests, oldest first. Test helper.
func (s *MemoryStorage) Digests() []*models.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.Digest(nil), s.digests...)
}

// Deliveries returns all recorded delivery records. Test helper.
func (s *MemoryStorage) Deliveries() []*models.DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.DeliveryRecord(nil), s.deliveries...)
}

// -----------------------------------------------------------------------------
// Consolidated documents
// -----------------------------------------------------------------------------

func (s *MemoryStorage) UpsertConsolidatedDoc(_ context.Context, doc *models.ConsolidatedDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.UpdatedAt = time.Now()
	cp := *doc
	s.docs[models.SourceKey{TenantID: doc.TenantID, Kind: doc.SourceKind, SourceID: doc.SourceID}] = &cp
	return nil
}

func (s *MemoryStorage) ConsolidatedDoc(_ context.Context, key models.SourceKey) (*models.ConsolidatedDoc, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if doc, ok := s.docs[key]; ok {
		cp := *doc
		return &cp, true, nil
	}
	return nil, false, nil
}
