package source

import (
	"context"
	"errors"

	"github.com/xaenox/tg-digest/internal/models"
)

var (
	// ErrSourceGone marks a source that is permanently inaccessible upstream.
	// Callers skip the source instead of retrying.
	ErrSourceGone = errors.New("source gone upstream")

	// ErrUnitGone marks a unit id that existed upstream but was deleted.
	// Distinguishes "permanently gone" from "not yet reached": the cursor
	// advances past it instead of blocking forever.
	ErrUnitGone = errors.New("unit gone upstream")
)

// AttachmentRef points at a downloadable asset of a fetched unit without
// carrying its bytes.
type AttachmentRef struct {
	FileID   string
	FileName string
	MimeType string
	Type     models.MediaType
}

// Fetched is one upstream unit plus references to its attachments.
type Fetched struct {
	Unit        models.Unit
	Attachments []AttachmentRef
}

// Download is the result of pulling one attachment's bytes.
type Download struct {
	Data     []byte
	FileName string
	MimeType string
	Size     int64
}

// Metadata describes an upstream source.
type Metadata struct {
	Kind        models.SourceKind
	DisplayName string
}

// Client is the chat-source collaborator: the only way the pipeline talks to
// the upstream chat system. Implementations return ErrSourceGone /
// ErrUnitGone for permanently missing sources and units.
type Client interface {
	// FetchNewUnits polls the upstream once and returns, per source, all
	// units with id greater than the source's entry in after, each slice in
	// ascending unit-id order. An after value of 0 means full history. One
	// poll serves every source because acknowledging an upstream batch on
	// behalf of one source must not discard another source's units.
	FetchNewUnits(ctx context.Context, sources []models.Source, after map[models.SourceKey]int64) (map[models.SourceKey][]Fetched, error)
	// DownloadMedia pulls the bytes of one attachment.
	DownloadMedia(ctx context.Context, src models.Source, ref AttachmentRef) (*Download, error)
	// ResolveSourceMetadata resolves the kind and display name of a source id.
	ResolveSourceMetadata(ctx context.Context, sourceID int64) (*Metadata, error)
}
