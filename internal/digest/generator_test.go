package digest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
	"github.com/xaenox/tg-digest/internal/summarizer"
)

type fakeSummarizer struct {
	reply      string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (f *fakeSummarizer) Summarize(_ context.Context, systemPrompt, userContent string) (string, summarizer.Usage, error) {
	f.calls++
	f.lastSystem = systemPrompt
	f.lastUser = userContent
	if f.err != nil {
		return "", summarizer.Usage{}, f.err
	}
	return f.reply, summarizer.Usage{TokensIn: 100, TokensOut: 50}, nil
}

func (f *fakeSummarizer) Model() string { return "fake-model" }

func testSource() models.Source {
	return models.Source{
		TenantID: 1,
		Kind:     models.SourceGroup,
		ID:       -100,
		Name:     "eng-chat",
		Enabled:  true,
	}
}

func seedUnits(t *testing.T, store storage.Storage, src models.Source, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		err := store.UpsertUnit(context.Background(), &models.Unit{
			TenantID:   src.TenantID,
			SourceKind: src.Kind,
			SourceID:   src.ID,
			UnitID:     id,
			SentAt:     time.Date(2026, 8, 30, 12, 0, int(id), 0, time.UTC),
			SenderName: "bob",
			Text:       "message",
		})
		require.NoError(t, err)
	}
}

func TestGenerateRecordsDigest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()
	seedUnits(t, store, src, 1, 2, 3)

	sum := &fakeSummarizer{reply: "## Decisions/Tasks\n- ship it (unit_id=2)"}
	gen := NewGenerator(store, sum, t.TempDir(), zap.NewNop())

	d, err := gen.Generate(ctx, src, Window{From: 0, To: 3})
	require.NoError(t, err)

	assert.Equal(t, int64(0), d.UnitIDFrom)
	assert.Equal(t, int64(3), d.UnitIDTo)
	assert.Equal(t, "fake-model", d.Model)
	assert.Equal(t, 100, d.TokensIn)
	assert.Contains(t, d.Generated, "ship it")
	assert.Contains(t, d.RawText, "unit_id=2")

	require.Len(t, store.Digests(), 1)
}

func TestGenerateFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()
	seedUnits(t, store, src, 1, 2)

	sum := &fakeSummarizer{err: errors.New("model exploded")}
	gen := NewGenerator(store, sum, t.TempDir(), zap.NewNop())

	_, err := gen.Generate(ctx, src, Window{From: 0, To: 2})
	require.Error(t, err)
	assert.Empty(t, store.Digests())
}

func TestGenerateDailyQuietDay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()

	sum := &fakeSummarizer{reply: "No new messages today."}
	gen := NewGenerator(store, sum, t.TempDir(), zap.NewNop())

	cw := BuildCalendarWindow(time.Date(2026, 8, 31, 20, 5, 0, 0, time.UTC), time.UTC)
	d, err := gen.GenerateDaily(ctx, src, cw)
	require.NoError(t, err)

	// A quiet day still produces a digest, with the no-activity marker fed
	// to the model.
	assert.Contains(t, sum.lastUser, NoActivityLine)
	assert.Equal(t, d.UnitIDFrom, d.UnitIDTo)
	require.Len(t, store.Digests(), 1)
}

func TestGenerateDailyCoexistsWithIncremental(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()
	key := src.Key()
	seedUnits(t, store, src, 1, 2, 3)

	sum := &fakeSummarizer{reply: "digest"}
	gen := NewGenerator(store, sum, t.TempDir(), zap.NewNop())

	_, err := gen.Generate(ctx, src, Window{From: 0, To: 3})
	require.NoError(t, err)

	// Recording the digest consumed its window.
	last, err := store.ReadCursor(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), last)

	// The daily digest covers the same units but records an empty interval
	// pinned at the cursor, so it never collides with the incremental one.
	cw := BuildCalendarWindow(time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC), time.UTC)
	d, err := gen.GenerateDaily(ctx, src, cw)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.UnitIDFrom)
	assert.Equal(t, int64(3), d.UnitIDTo)
	require.Len(t, store.Digests(), 2)
}

func TestBuildUserContentFlagsPendingImages(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()

	require.NoError(t, store.UpsertUnit(ctx, &models.Unit{
		TenantID: src.TenantID, SourceKind: src.Kind, SourceID: src.ID,
		UnitID: 1, SentAt: time.Now().UTC(), Text: "look at this", HasMedia: true,
	}))

	sum := &fakeSummarizer{reply: "digest"}
	gen := NewGenerator(store, sum, t.TempDir(), zap.NewNop())

	_, err := gen.Generate(ctx, src, Window{From: 0, To: 1})
	require.NoError(t, err)
	assert.Contains(t, sum.lastUser, pendingImageMarker)
	assert.Contains(t, sum.lastUser, "unit_id=1")
}

func TestFormatUnitLineCapsLongText(t *testing.T) {
	u := &models.Unit{
		UnitID:     7,
		SentAt:     time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		SenderName: "carol",
		Text:       strings.Repeat("x", unitTextCap+100),
	}

	line := formatUnitLine(u)
	assert.Contains(t, line, truncationMarker)
	assert.Contains(t, line, "unit_id=7")
	assert.Less(t, len(line), unitTextCap+100)
}

func TestFormatUnitLineCapsMultibyteText(t *testing.T) {
	u := &models.Unit{
		UnitID:     8,
		SentAt:     time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		SenderName: "dmitri",
		Text:       strings.Repeat("привет ", 400),
	}

	// The cap counts characters: a cut through a Cyrillic message must not
	// leave a torn multibyte sequence behind.
	line := formatUnitLine(u)
	assert.True(t, utf8.ValidString(line))
	assert.Contains(t, line, truncationMarker)
	assert.LessOrEqual(t, utf8.RuneCountInString(line), unitTextCap+64)
}

func TestCapRunes(t *testing.T) {
	assert.Equal(t, "short", capRunes("short", 10))

	capped := capRunes(strings.Repeat("ж", 20), 5)
	assert.True(t, utf8.ValidString(capped))
	assert.Equal(t, "жжжжж"+truncationMarker, capped)
}

func TestPostprocess(t *testing.T) {
	in := "## Summary\n\n\n\n- unit_id=42:\nreal line\n- unit_id=7: kept because it has content\n"
	out := Postprocess(in)

	assert.NotContains(t, out, "unit_id=42")
	assert.Contains(t, out, "unit_id=7: kept because it has content")
	assert.NotContains(t, out, "\n\n\n")
}

func TestBuildWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	src := testSource()
	key := src.Key()

	w, err := BuildWindow(ctx, store, key)
	require.NoError(t, err)
	assert.True(t, w.Empty())

	seedUnits(t, store, src, 5, 6, 7)

	w, err = BuildWindow(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, Window{From: 0, To: 7}, w)

	require.NoError(t, store.AdvanceCursor(ctx, key, 7))

	w, err = BuildWindow(ctx, store, key)
	require.NoError(t, err)
	assert.True(t, w.Empty())
	assert.Equal(t, int64(7), w.From)
}

func TestBuildCalendarWindow(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)

	now := time.Date(2026, 8, 30, 20, 30, 0, 0, loc)
	cw := BuildCalendarWindow(now, loc)

	assert.Equal(t, "2026-08-30", cw.Day)
	assert.Equal(t, time.Date(2026, 8, 29, 21, 0, 0, 0, time.UTC), cw.Start)
	assert.Equal(t, time.Date(2026, 8, 30, 21, 0, 0, 0, time.UTC), cw.End)
}
