package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("dbname", config.DBName))

	return &PostgresStorage{db: db, logger: logger}, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Units
// -----------------------------------------------------------------------------

func (s *PostgresStorage) UpsertUnit(ctx context.Context, u *models.Unit) error {
	query := `
		INSERT INTO units (tenant_id, source_kind, source_id, unit_id, sent_at, sender_id, sender_name, text, raw_json, has_media)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, source_kind, source_id, unit_id)
		DO UPDATE SET
			sent_at = EXCLUDED.sent_at,
			sender_id = EXCLUDED.sender_id,
			sender_name = EXCLUDED.sender_name,
			text = EXCLUDED.text,
			raw_json = EXCLUDED.raw_json,
			has_media = EXCLUDED.has_media,
			updated_at = now()`

	var raw interface{}
	if len(u.Raw) > 0 {
		raw = u.Raw
	}

	_, err := s.db.ExecContext(ctx, query,
		u.TenantID, u.SourceKind, u.SourceID, u.UnitID,
		u.SentAt, nullableID(u.SenderID), nullableText(u.SenderName), u.Text, raw, u.HasMedia)
	if err != nil {
		return fmt.Errorf("error upserting unit: %w", err)
	}

	return nil
}

func (s *PostgresStorage) UnitsInWindow(ctx context.Context, key models.SourceKey, from, to int64) ([]*models.Unit, error) {
	query := `
		SELECT unit_id, sent_at, COALESCE(sender_id, 0), COALESCE(sender_name, ''), text, has_media
		FROM units
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
		  AND unit_id > $4 AND unit_id <= $5
		ORDER BY sent_at ASC, unit_id ASC`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.Kind, key.SourceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("error querying units in window: %w", err)
	}
	defer rows.Close()

	return s.scanUnits(rows, key)
}

func (s *PostgresStorage) UnitsByDate(ctx context.Context, key models.SourceKey, start, end time.Time) ([]*models.Unit, error) {
	query := `
		SELECT unit_id, sent_at, COALESCE(sender_id, 0), COALESCE(sender_name, ''), text, has_media
		FROM units
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
		  AND sent_at >= $4 AND sent_at < $5
		ORDER BY sent_at ASC, unit_id ASC`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.Kind, key.SourceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("error querying units by date: %w", err)
	}
	defer rows.Close()

	return s.scanUnits(rows, key)
}

func (s *PostgresStorage) RecentUnits(ctx context.Context, key models.SourceKey, limit int) ([]*models.Unit, error) {
	query := `
		SELECT unit_id, sent_at, COALESCE(sender_id, 0), COALESCE(sender_name, ''), text, has_media
		FROM (
			SELECT unit_id, sent_at, sender_id, sender_name, text, has_media
			FROM units
			WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
			ORDER BY unit_id DESC
			LIMIT $4
		) recent
		ORDER BY unit_id ASC`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.Kind, key.SourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying recent units: %w", err)
	}
	defer rows.Close()

	return s.scanUnits(rows, key)
}

func (s *PostgresStorage) MaxUnitID(ctx context.Context, key models.SourceKey) (int64, error) {
	query := `
		SELECT COALESCE(MAX(unit_id), 0)
		FROM units
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3`

	var max int64
	if err := s.db.QueryRowContext(ctx, query, key.TenantID, key.Kind, key.SourceID).Scan(&max); err != nil {
		return 0, fmt.Errorf("error querying max unit id: %w", err)
	}
	return max, nil
}

func (s *PostgresStorage) scanUnits(rows *sql.Rows, key models.SourceKey) ([]*models.Unit, error) {
	var units []*models.Unit
	for rows.Next() {
		u := &models.Unit{
			TenantID:   key.TenantID,
			SourceKind: key.Kind,
			SourceID:   key.SourceID,
		}
		if err := rows.Scan(&u.UnitID, &u.SentAt, &u.SenderID, &u.SenderName, &u.Text, &u.HasMedia); err != nil {
			return nil, fmt.Errorf("error scanning unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit rows: %w", err)
	}
	return units, nil
}

// -----------------------------------------------------------------------------
// Media and extracted text
// -----------------------------------------------------------------------------

func (s *PostgresStorage) UpsertMedia(ctx context.Context, m *models.MediaAsset) (int64, error) {
	query := `
		INSERT INTO media (tenant_id, source_kind, source_id, unit_id, media_type, file_name, mime_type, size_bytes, content_hash, local_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, source_kind, source_id, unit_id, file_name)
		DO UPDATE SET
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			content_hash = EXCLUDED.content_hash,
			local_path = EXCLUDED.local_path
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		m.TenantID, m.SourceKind, m.SourceID, m.UnitID,
		m.Type, m.FileName, nullableText(m.MimeType), m.SizeBytes, m.ContentHash, nullableText(m.LocalPath)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error upserting media: %w", err)
	}

	m.ID = id
	return id, nil
}

func (s *PostgresStorage) HasMediaForUnit(ctx context.Context, key models.SourceKey, unitID int64) (bool, error) {
	query := `
		SELECT 1 FROM media
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3 AND unit_id = $4
		LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, query, key.TenantID, key.Kind, key.SourceID, unitID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking media for unit: %w", err)
	}
	return true, nil
}

func (s *PostgresStorage) MediaPendingOCR(ctx context.Context, limit int) ([]*models.MediaAsset, error) {
	query := `
		SELECT m.id, m.tenant_id, m.source_kind, m.source_id, m.unit_id,
		       m.media_type, m.file_name, COALESCE(m.mime_type, ''), COALESCE(m.size_bytes, 0),
		       m.content_hash, COALESCE(m.local_path, ''), m.created_at
		FROM media m
		LEFT JOIN extracted_text t ON m.id = t.media_id
		WHERE m.media_type = 'photo'
		  AND t.media_id IS NULL
		  AND m.local_path IS NOT NULL
		ORDER BY m.created_at ASC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying media pending OCR: %w", err)
	}
	defer rows.Close()

	var assets []*models.MediaAsset
	for rows.Next() {
		m := &models.MediaAsset{}
		err := rows.Scan(&m.ID, &m.TenantID, &m.SourceKind, &m.SourceID, &m.UnitID,
			&m.Type, &m.FileName, &m.MimeType, &m.SizeBytes,
			&m.ContentHash, &m.LocalPath, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning media: %w", err)
		}
		assets = append(assets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media rows: %w", err)
	}
	return assets, nil
}

func (s *PostgresStorage) SaveExtractedText(ctx context.Context, t *models.ExtractedText) error {
	query := `
		INSERT INTO extracted_text (media_id, tenant_id, source_kind, source_id, unit_id, text, extractor, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (media_id)
		DO UPDATE SET
			text = EXCLUDED.text,
			extractor = EXCLUDED.extractor,
			confidence = EXCLUDED.confidence`

	_, err := s.db.ExecContext(ctx, query,
		t.MediaID, t.TenantID, t.SourceKind, t.SourceID, t.UnitID, t.Text, t.Extractor, t.Confidence)
	if err != nil {
		return fmt.Errorf("error saving extracted text: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ExtractedTextByHash(ctx context.Context, contentHash string) (string, bool, error) {
	query := `
		SELECT t.text
		FROM extracted_text t
		JOIN media m ON t.media_id = m.id
		WHERE m.content_hash = $1 AND t.text <> ''
		LIMIT 1`

	var text string
	err := s.db.QueryRowContext(ctx, query, contentHash).Scan(&text)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error querying extracted text by hash: %w", err)
	}
	return text, true, nil
}

func (s *PostgresStorage) ExtractedInWindow(ctx context.Context, key models.SourceKey, from, to int64) ([]*models.ExtractedText, error) {
	query := `
		SELECT media_id, unit_id, text, extractor, confidence, created_at
		FROM extracted_text
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
		  AND unit_id > $4 AND unit_id <= $5
		  AND text <> ''
		ORDER BY unit_id ASC`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.Kind, key.SourceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("error querying extracted text in window: %w", err)
	}
	defer rows.Close()

	return s.scanExtracted(rows, key)
}

func (s *PostgresStorage) ExtractedByDate(ctx context.Context, key models.SourceKey, start, end time.Time) ([]*models.ExtractedText, error) {
	query := `
		SELECT t.media_id, t.unit_id, t.text, t.extractor, t.confidence, t.created_at
		FROM extracted_text t
		JOIN units u ON t.tenant_id = u.tenant_id
			AND t.source_kind = u.source_kind
			AND t.source_id = u.source_id
			AND t.unit_id = u.unit_id
		WHERE t.tenant_id = $1 AND t.source_kind = $2 AND t.source_id = $3
		  AND u.sent_at >= $4 AND u.sent_at < $5
		  AND t.text <> ''
		ORDER BY t.unit_id ASC`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.Kind, key.SourceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("error querying extracted text by date: %w", err)
	}
	defer rows.Close()

	return s.scanExtracted(rows, key)
}

func (s *PostgresStorage) RecentExtracted(ctx context.Context, key models.SourceKey, limit int) ([]*models.ExtractedText, error) {
	query := `
		SELECT media_id, unit_id, text, extractor, confidence, created_at
		FROM (
			SELECT media_id, unit_id, text, extractor, confidence, created_at
			FROM extracted_text
			WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3 AND text <> ''
			ORDER BY unit_id DESC
			LIMIT $4
		) recent
		ORDER BY unit_id ASC`

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.Kind, key.SourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying recent extracted text: %w", err)
	}
	defer rows.Close()

	return s.scanExtracted(rows, key)
}

func (s *PostgresStorage) scanExtracted(rows *sql.Rows, key models.SourceKey) ([]*models.ExtractedText, error) {
	var texts []*models.ExtractedText
	for rows.Next() {
		t := &models.ExtractedText{
			TenantID:   key.TenantID,
			SourceKind: key.Kind,
			SourceID:   key.SourceID,
		}
		if err := rows.Scan(&t.MediaID, &t.UnitID, &t.Text, &t.Extractor, &t.Confidence, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning extracted text: %w", err)
		}
		texts = append(texts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating extracted text rows: %w", err)
	}
	return texts, nil
}

// -----------------------------------------------------------------------------
// Cursors
// -----------------------------------------------------------------------------

func (s *PostgresStorage) ReadCursor(ctx context.Context, key models.SourceKey) (int64, error) {
	query := `
		SELECT last_unit_id FROM cursors
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3`

	var last int64
	err := s.db.QueryRowContext(ctx, query, key.TenantID, key.Kind, key.SourceID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading cursor: %w", err)
	}
	return last, nil
}

// AdvanceCursor advances the cursor with a monotonic check at write time.
// The conditional upsert never regresses a concurrent writer's value.
func (s *PostgresStorage) AdvanceCursor(ctx context.Context, key models.SourceKey, newCursor int64) error {
	query := `
		INSERT INTO cursors (tenant_id, source_kind, source_id, last_unit_id, last_poll_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (tenant_id, source_kind, source_id)
		DO UPDATE SET
			last_unit_id = EXCLUDED.last_unit_id,
			last_poll_at = now(),
			updated_at = now()
		WHERE cursors.last_unit_id <= EXCLUDED.last_unit_id`

	result, err := s.db.ExecContext(ctx, query, key.TenantID, key.Kind, key.SourceID, newCursor)
	if err != nil {
		return fmt.Errorf("error advancing cursor: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("advance to %d for tenant=%d source=%d: %w",
			newCursor, key.TenantID, key.SourceID, ErrCursorRegression)
	}

	s.logger.Debug("Cursor advanced",
		zap.Int64("tenant_id", key.TenantID),
		zap.Int64("source_id", key.SourceID),
		zap.Int64("cursor", newCursor))
	return nil
}

// -----------------------------------------------------------------------------
// Digests and deliveries
// -----------------------------------------------------------------------------

func (s *PostgresStorage) SaveDigest(ctx context.Context, d *models.Digest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	overlapQuery := `
		SELECT 1 FROM digests
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3
		  AND unit_id_from < $5 AND unit_id_to > $4
		LIMIT 1`

	var one int
	err = tx.QueryRowContext(ctx, overlapQuery,
		d.TenantID, d.SourceKind, d.SourceID, d.UnitIDFrom, d.UnitIDTo).Scan(&one)
	if err == nil {
		return 0, fmt.Errorf("interval (%d, %d] for tenant=%d source=%d: %w",
			d.UnitIDFrom, d.UnitIDTo, d.TenantID, d.SourceID, ErrIntervalOverlap)
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("error checking digest overlap: %w", err)
	}

	insertQuery := `
		INSERT INTO digests (tenant_id, source_kind, source_id, unit_id_from, unit_id_to, raw_text, generated, model, tokens_in, tokens_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	err = tx.QueryRowContext(ctx, insertQuery,
		d.TenantID, d.SourceKind, d.SourceID, d.UnitIDFrom, d.UnitIDTo,
		d.RawText, d.Generated, nullableText(d.Model), d.TokensIn, d.TokensOut).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("error saving digest: %w", err)
	}

	// The cursor moves with the digest row: committing one without the other
	// would let a crash strand the interval and wedge the source on the
	// overlap check forever. An equal or lower target is a no-op.
	cursorQuery := `
		INSERT INTO cursors (tenant_id, source_kind, source_id, last_unit_id, last_poll_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (tenant_id, source_kind, source_id)
		DO UPDATE SET
			last_unit_id = EXCLUDED.last_unit_id,
			last_poll_at = now(),
			updated_at = now()
		WHERE cursors.last_unit_id <= EXCLUDED.last_unit_id`

	if _, err := tx.ExecContext(ctx, cursorQuery,
		d.TenantID, d.SourceKind, d.SourceID, d.UnitIDTo); err != nil {
		return 0, fmt.Errorf("error advancing cursor with digest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing digest: %w", err)
	}
	return d.ID, nil
}

func (s *PostgresStorage) SaveDelivery(ctx context.Context, r *models.DeliveryRecord) error {
	query := `
		INSERT INTO deliveries (tenant_id, digest_id, recipient_id, channel, status, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $5 = 'sent' THEN now() ELSE NULL END)`

	_, err := s.db.ExecContext(ctx, query,
		r.TenantID, r.DigestID, r.RecipientID, r.Channel, r.Status, nullableText(r.Error))
	if err != nil {
		return fmt.Errorf("error saving delivery record: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Consolidated documents
// -----------------------------------------------------------------------------

func (s *PostgresStorage) UpsertConsolidatedDoc(ctx context.Context, doc *models.ConsolidatedDoc) error {
	query := `
		INSERT INTO consolidated_docs (tenant_id, source_kind, source_id, path, content, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant_id, source_kind, source_id)
		DO UPDATE SET
			path = EXCLUDED.path,
			content = EXCLUDED.content,
			updated_at = now()`

	_, err := s.db.ExecContext(ctx, query,
		doc.TenantID, doc.SourceKind, doc.SourceID, doc.Path, doc.Content)
	if err != nil {
		return fmt.Errorf("error upserting consolidated doc: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ConsolidatedDoc(ctx context.Context, key models.SourceKey) (*models.ConsolidatedDoc, bool, error) {
	query := `
		SELECT path, content, updated_at FROM consolidated_docs
		WHERE tenant_id = $1 AND source_kind = $2 AND source_id = $3`

	doc := &models.ConsolidatedDoc{
		TenantID:   key.TenantID,
		SourceKind: key.Kind,
		SourceID:   key.SourceID,
	}
	err := s.db.QueryRowContext(ctx, query, key.TenantID, key.Kind, key.SourceID).
		Scan(&doc.Path, &doc.Content, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error querying consolidated doc: %w", err)
	}
	return doc, true, nil
}

func nullableID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
