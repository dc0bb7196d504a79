package digest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
	"github.com/xaenox/tg-digest/internal/summarizer"
)

const (
	// Per-unit raw text cap bounding total prompt size.
	unitTextCap = 1500
	// Per-image OCR text cap in the user prompt.
	ocrTextCap = 500

	truncationMarker = "…"

	// NoActivityLine is the explicit body of a digest over an empty day.
	NoActivityLine = "**No new messages in this period.**"

	pendingImageMarker = "[image attached, text extraction pending]"

	fallbackPrompt = `You are a technical analyst. Produce a concise digest of the messages below.

Format:
## Decisions/Tasks
## Risks/Problems
## Next steps

Keep unit_id=XXXX references. Facts only, no filler.`
)

var (
	danglingRefPattern = regexp.MustCompile(`(?m)^(?:-\s*)?unit_id=\d+\s*:?\s*$`)
	blankRunPattern    = regexp.MustCompile(`\n{3,}`)
)

// Generator turns a window of persisted units plus extracted text into one
// recorded digest.
type Generator struct {
	store      storage.Storage
	summarizer summarizer.Summarizer
	promptsDir string
	logger     *zap.Logger
}

func NewGenerator(store storage.Storage, sum summarizer.Summarizer, promptsDir string, logger *zap.Logger) *Generator {
	return &Generator{
		store:      store,
		summarizer: sum,
		promptsDir: promptsDir,
		logger:     logger,
	}
}

// Generate produces and records one digest for a non-empty window. On
// summarization failure no digest row is written; the same window (possibly
// grown) is retried wholesale next cycle.
func (g *Generator) Generate(ctx context.Context, src models.Source, w Window) (*models.Digest, error) {
	key := src.Key()

	units, err := g.store.UnitsInWindow(ctx, key, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load window units: %w", err)
	}

	extracted, err := g.store.ExtractedInWindow(ctx, key, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("failed to load extracted text: %w", err)
	}

	raw := g.formatRaw(src, units, w)
	return g.generate(ctx, src, raw, units, extracted, w)
}

// GenerateDaily produces a digest for a calendar day, firing even when the
// day had no units: the result then states "no activity" explicitly.
func (g *Generator) GenerateDaily(ctx context.Context, src models.Source, cw CalendarWindow) (*models.Digest, error) {
	key := src.Key()

	units, err := g.store.UnitsByDate(ctx, key, cw.Start, cw.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load day units: %w", err)
	}

	extracted, err := g.store.ExtractedByDate(ctx, key, cw.Start, cw.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load day extracted text: %w", err)
	}

	// Daily digests cover units that incremental digests may already span.
	// Pin the recorded interval at the cursor (an empty half-open range) so
	// the no-overlap invariant of the digest ledger holds.
	cursor, err := g.store.ReadCursor(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	w := Window{From: cursor, To: cursor}

	raw := g.formatDailyRaw(src, units, cw)
	return g.generate(ctx, src, raw, units, extracted, w)
}

func (g *Generator) generate(ctx context.Context, src models.Source, raw string, units []*models.Unit, extracted []*models.ExtractedText, w Window) (*models.Digest, error) {
	systemPrompt := g.loadPrompt(src)
	userContent := g.buildUserContent(raw, units, extracted)

	text, usage, err := g.summarizer.Summarize(ctx, systemPrompt, userContent)
	if err != nil {
		return nil, fmt.Errorf("digest generation for source %d: %w", src.ID, err)
	}

	digest := &models.Digest{
		TenantID:   src.TenantID,
		SourceKind: src.Kind,
		SourceID:   src.ID,
		UnitIDFrom: w.From,
		UnitIDTo:   w.To,
		RawText:    raw,
		Generated:  Postprocess(text),
		Model:      g.summarizer.Model(),
		TokensIn:   usage.TokensIn,
		TokensOut:  usage.TokensOut,
	}

	// An empty interval (daily digest over a quiet day) can never overlap
	// anything, so recording it is always safe.
	if _, err := g.store.SaveDigest(ctx, digest); err != nil {
		return nil, fmt.Errorf("failed to record digest: %w", err)
	}

	g.logger.Info("Digest generated",
		zap.Int64("tenant_id", src.TenantID),
		zap.Int64("source_id", src.ID),
		zap.String("window", w.String()),
		zap.Int("units", len(units)),
		zap.Int("tokens_in", usage.TokensIn),
		zap.Int("tokens_out", usage.TokensOut))

	return digest, nil
}

func (g *Generator) formatRaw(src models.Source, units []*models.Unit, w Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Incremental digest\n\n")
	fmt.Fprintf(&b, "Source: %s (ID: %d)\n", src.Name, src.ID)
	fmt.Fprintf(&b, "Window: unit_id %s\n", w.String())
	fmt.Fprintf(&b, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d\n\n", len(units))

	for _, u := range units {
		b.WriteString(formatUnitLine(u))
	}
	return b.String()
}

func (g *Generator) formatDailyRaw(src models.Source, units []*models.Unit, cw CalendarWindow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily digest\n\n")
	fmt.Fprintf(&b, "Source: %s (ID: %d)\n", src.Name, src.ID)
	fmt.Fprintf(&b, "Day: %s\n", cw.Day)
	fmt.Fprintf(&b, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Messages: %d\n\n", len(units))

	if len(units) == 0 {
		b.WriteString(NoActivityLine + "\n")
		return b.String()
	}
	for _, u := range units {
		b.WriteString(formatUnitLine(u))
	}
	return b.String()
}

func formatUnitLine(u *models.Unit) string {
	sender := u.SenderName
	if sender == "" {
		sender = "[NO_SENDER]"
	}
	text := u.Text
	if text == "" {
		text = "[EMPTY]"
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = capRunes(text, unitTextCap)
	return fmt.Sprintf("- **%s** `unit_id=%d` **%s**: %s\n",
		u.SentAt.Format("2006-01-02 15:04:05"), u.UnitID, sender, text)
}

// capRunes bounds text to max characters, appending the truncation marker.
// The cap counts runes, not bytes, so a cut never splits a multibyte
// character and the prompt stays valid UTF-8.
func capRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + truncationMarker
}

func (g *Generator) buildUserContent(raw string, units []*models.Unit, extracted []*models.ExtractedText) string {
	var b strings.Builder
	if strings.Contains(raw, NoActivityLine) {
		b.WriteString("Produce the digest for the day.\n")
		b.WriteString("IMPORTANT: there were no new messages in this period; state that explicitly.\n")
	} else {
		b.WriteString("Produce a digest of the following messages.\n")
	}
	b.WriteString("RAW data:\n\n")
	b.WriteString(raw)

	if len(extracted) > 0 {
		b.WriteString("\n\nText extracted from images:\n")
		for _, t := range extracted {
			text := capRunes(t.Text, ocrTextCap)
			fmt.Fprintf(&b, "- unit_id=%d: %s\n", t.UnitID, strings.ReplaceAll(text, "\n", " "))
		}
	}

	// OCR is best-effort: flag units whose images have no extracted text yet.
	extractedFor := make(map[int64]bool, len(extracted))
	for _, t := range extracted {
		extractedFor[t.UnitID] = true
	}
	var pending []int64
	for _, u := range units {
		if u.HasMedia && !extractedFor[u.UnitID] {
			pending = append(pending, u.UnitID)
		}
	}
	if len(pending) > 0 {
		b.WriteString("\n")
		for _, id := range pending {
			fmt.Fprintf(&b, "- unit_id=%d: %s\n", id, pendingImageMarker)
		}
	}

	return b.String()
}

func (g *Generator) loadPrompt(src models.Source) string {
	if src.PromptFile == "" {
		return fallbackPrompt
	}

	path := src.PromptFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.promptsDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		g.logger.Warn("Prompt file unavailable, using fallback",
			zap.String("path", path),
			zap.Error(err))
		return fallbackPrompt
	}
	return string(data)
}

// Postprocess strips dangling reference lines and collapses redundant blank
// lines in generated text.
func Postprocess(text string) string {
	text = danglingRefPattern.ReplaceAllString(text, "")
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
