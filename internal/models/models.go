package models

import "time"

// Tenant is an account on whose behalf sources are monitored.
type Tenant struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	BotToken string `json:"bot_token,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// SourceKind identifies the upstream peer type of a source.
type SourceKind string

const (
	SourceChannel SourceKind = "channel"
	SourceGroup   SourceKind = "group"
	SourceChat    SourceKind = "chat"
)

// Source is one monitored chat/channel/group, scoped to exactly one tenant.
type Source struct {
	TenantID            int64             `json:"tenant_id"`
	Kind                SourceKind        `json:"kind"`
	ID                  int64             `json:"id"`
	Name                string            `json:"name"`
	Enabled             bool              `json:"enabled"`
	PromptFile          string            `json:"prompt_file,omitempty"`
	ConsolidatedDocPath string            `json:"consolidated_doc_path,omitempty"`
	Recipients          []Recipient       `json:"recipients"`
	Delivery            *DeliverySettings `json:"delivery,omitempty"`
}

// Key returns the composite identity of the source within its tenant.
func (s Source) Key() SourceKey {
	return SourceKey{TenantID: s.TenantID, Kind: s.Kind, SourceID: s.ID}
}

// SourceKey addresses a (tenant, source) pair everywhere cursors, units and
// digests are scoped.
type SourceKey struct {
	TenantID int64
	Kind     SourceKind
	SourceID int64
}

// Unit is one ingested message, addressed by an upstream-assigned
// monotonically increasing id. (tenant, source, unit id) is unique.
type Unit struct {
	TenantID   int64      `json:"tenant_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   int64      `json:"source_id"`
	UnitID     int64      `json:"unit_id"`
	SentAt     time.Time  `json:"sent_at"`
	SenderID   int64      `json:"sender_id,omitempty"`
	SenderName string     `json:"sender_name,omitempty"`
	Text       string     `json:"text"`
	Raw        []byte     `json:"raw,omitempty"`
	HasMedia   bool       `json:"has_media"`
}

// MediaType classifies a downloaded asset.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaVoice    MediaType = "voice"
	MediaSticker  MediaType = "sticker"
	MediaDocument MediaType = "document"
)

// MediaAsset is a downloaded attachment of exactly one unit.
// (tenant, source, unit id, file name) uniquely identifies the storage
// location; ContentHash is the global dedup key.
type MediaAsset struct {
	ID          int64      `json:"id"`
	TenantID    int64      `json:"tenant_id"`
	SourceKind  SourceKind `json:"source_kind"`
	SourceID    int64      `json:"source_id"`
	UnitID      int64      `json:"unit_id"`
	Type        MediaType  `json:"type"`
	FileName    string     `json:"file_name"`
	MimeType    string     `json:"mime_type,omitempty"`
	SizeBytes   int64      `json:"size_bytes"`
	ContentHash string     `json:"content_hash"`
	LocalPath   string     `json:"local_path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ExtractedText is the OCR result for a media asset. Its presence is what
// "has been processed" means; absence drives the OCR queue.
type ExtractedText struct {
	MediaID    int64      `json:"media_id"`
	TenantID   int64      `json:"tenant_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   int64      `json:"source_id"`
	UnitID     int64      `json:"unit_id"`
	Text       string     `json:"text"`
	Extractor  string     `json:"extractor"`
	Confidence *float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Cursor holds the last fully-processed unit id per (tenant, source).
// A zero LastUnitID means "no prior progress": ingest full history.
type Cursor struct {
	TenantID   int64      `json:"tenant_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   int64      `json:"source_id"`
	LastUnitID int64      `json:"last_unit_id"`
	LastPollAt time.Time  `json:"last_poll_at"`
}

// Digest is the immutable record of one generation cycle over the half-open
// window (UnitIDFrom, UnitIDTo].
type Digest struct {
	ID         int64      `json:"id"`
	TenantID   int64      `json:"tenant_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   int64      `json:"source_id"`
	UnitIDFrom int64      `json:"unit_id_from"`
	UnitIDTo   int64      `json:"unit_id_to"`
	RawText    string     `json:"raw_text"`
	Generated  string     `json:"generated"`
	Model      string     `json:"model,omitempty"`
	TokensIn   int        `json:"tokens_in"`
	TokensOut  int        `json:"tokens_out"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ConsolidatedDoc is the single live full-history document per source.
// Every rewrite is a full replacement, never a patch.
type ConsolidatedDoc struct {
	TenantID   int64      `json:"tenant_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   int64      `json:"source_id"`
	Path       string     `json:"path"`
	Content    string     `json:"content"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DeliveryChannel is the channel of one delivery attempt.
type DeliveryChannel string

const (
	DeliveryText DeliveryChannel = "text"
	DeliveryFile DeliveryChannel = "file"
)

// DeliveryStatus is the recorded outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord is an append-only log entry per (digest, recipient, channel).
type DeliveryRecord struct {
	ID          int64           `json:"id"`
	TenantID    int64           `json:"tenant_id"`
	DigestID    int64           `json:"digest_id"`
	RecipientID int64           `json:"recipient_id"`
	Channel     DeliveryChannel `json:"channel"`
	Status      DeliveryStatus  `json:"status"`
	Error       string          `json:"error,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}
