package digest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
)

func TestSplitChangeNote(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantBody string
		wantNote string
	}{
		{
			name:     "marker present",
			in:       "# Doc\n\ncontent here\n\nCHANGE_NOTE: added two tasks",
			wantBody: "# Doc\n\ncontent here",
			wantNote: "added two tasks",
		},
		{
			name:     "marker absent",
			in:       "# Doc\n\ncontent here",
			wantBody: "# Doc\n\ncontent here",
			wantNote: "",
		},
		{
			name:     "trailing text after note line ignored",
			in:       "body\n\nCHANGE_NOTE: fixed risks section\nstray trailing line",
			wantBody: "body",
			wantNote: "fixed risks section",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, note := SplitChangeNote(tt.in)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, tt.wantNote, note)
		})
	}
}

func TestUpdaterReplacesDocument(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()
	repoDir := t.TempDir()

	require.NoError(t, store.UpsertUnit(ctx, &models.Unit{
		TenantID: src.TenantID, SourceKind: src.Kind, SourceID: src.ID,
		UnitID: 1, SentAt: time.Now().UTC(), SenderName: "bob", Text: "we picked postgres",
	}))

	sum := &fakeSummarizer{reply: "# State\n\npostgres chosen\n\nCHANGE_NOTE: recorded database decision"}
	up := NewUpdater(store, sum, repoDir, t.TempDir(), zap.NewNop())

	exists, err := up.Exists(ctx, src)
	require.NoError(t, err)
	assert.False(t, exists)

	relPath, note, err := up.Update(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("group_-100", "consolidated.md"), relPath)
	assert.Equal(t, "recorded database decision", note)

	// The marker never survives into the published file.
	data, err := os.ReadFile(filepath.Join(repoDir, relPath))
	require.NoError(t, err)
	assert.Equal(t, "# State\n\npostgres chosen", string(data))

	doc, found, err := store.ConsolidatedDoc(ctx, src.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "# State\n\npostgres chosen", doc.Content)

	// Second update feeds the previous version back in and replaces it.
	sum.reply = "# State v2\n\nCHANGE_NOTE: rewrote"
	_, _, err = up.Update(ctx, src)
	require.NoError(t, err)
	assert.Contains(t, sum.lastUser, "postgres chosen")

	doc, _, err = store.ConsolidatedDoc(ctx, src.Key())
	require.NoError(t, err)
	assert.Equal(t, "# State v2", doc.Content)
}

func TestUpdaterPromptStaysValidUTF8(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()

	// A Cyrillic message well past the per-unit cap: the capped prompt line
	// must not end in a torn multibyte sequence.
	require.NoError(t, store.UpsertUnit(ctx, &models.Unit{
		TenantID: src.TenantID, SourceKind: src.Kind, SourceID: src.ID,
		UnitID: 1, SentAt: time.Now().UTC(), SenderName: "olga",
		Text: strings.Repeat("решение по базе данных ", 60),
	}))

	sum := &fakeSummarizer{reply: "doc"}
	up := NewUpdater(store, sum, t.TempDir(), t.TempDir(), zap.NewNop())

	_, _, err := up.Update(ctx, src)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(sum.lastUser))
	assert.Contains(t, sum.lastUser, truncationMarker)
}

func TestUpdaterMissingMarkerStillReplaces(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()
	repoDir := t.TempDir()

	sum := &fakeSummarizer{reply: "doc without a marker"}
	up := NewUpdater(store, sum, repoDir, t.TempDir(), zap.NewNop())

	_, note, err := up.Update(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, note)

	doc, found, err := store.ConsolidatedDoc(ctx, src.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "doc without a marker", doc.Content)
}

func TestArtifactWriter(t *testing.T) {
	repoDir := t.TempDir()
	w := NewArtifactWriter(repoDir)
	src := testSource()

	d := &models.Digest{
		UnitIDFrom: 10,
		UnitIDTo:   25,
		Generated:  "## Decisions\n- done",
		Model:      "fake-model",
	}

	relPath, err := w.Write(src, d, "2026-08-30")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("group_-100", "2026-08-30", "10_25.md"), relPath)

	data, err := os.ReadFile(filepath.Join(repoDir, relPath))
	require.NoError(t, err)
	assert.Contains(t, string(data), "(10, 25]")
	assert.Contains(t, string(data), "## Decisions")
	assert.Contains(t, string(data), "fake-model")
}

func TestPublishSetDedupes(t *testing.T) {
	p := NewPublishSet()
	p.Add("a.md")
	p.Add("b.md")
	p.Add("a.md")

	assert.Equal(t, []string{"a.md", "b.md"}, p.Paths())
	assert.Equal(t, 2, p.Len())
}
