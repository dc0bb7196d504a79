package digest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/fsx"
	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
	"github.com/xaenox/tg-digest/internal/summarizer"
)

const (
	// ChangeMarker is the trailing line the model appends to a consolidated
	// document rewrite. Everything after it becomes the change note; the
	// marker itself never survives into the published document.
	ChangeMarker = "CHANGE_NOTE:"

	// Bounded recent slices feeding a rewrite.
	consolidatedUnitLimit = 500
	consolidatedOCRLimit  = 200

	consolidatedUnitCap = 280
	consolidatedOCRCap  = 350
	consolidatedPrevCap = 8000

	fallbackConsolidatedPrompt = `You maintain a consolidated engineering document for a chat.
Structure: 1) Current system state, 2) Software tasks, 3) APIs and integrations,
4) Known problems and technical risks, 5) Next engineering steps.
Rewrite the document in full from the data below. Keep unit_id references for traceability.
At the very end of your answer add one line: ` + ChangeMarker + ` a 1-2 sentence summary of what changed in this update.`
)

// Updater maintains the single full-history document per source: every
// rewrite is a full replacement synthesized from a bounded recent slice of
// history plus the previous version.
type Updater struct {
	store      storage.Storage
	summarizer summarizer.Summarizer
	repoDir    string
	promptsDir string
	logger     *zap.Logger
}

func NewUpdater(store storage.Storage, sum summarizer.Summarizer, repoDir, promptsDir string, logger *zap.Logger) *Updater {
	return &Updater{
		store:      store,
		summarizer: sum,
		repoDir:    repoDir,
		promptsDir: promptsDir,
		logger:     logger,
	}
}

// DocPath returns the artifact path of a source's consolidated document,
// relative to the repository root.
func (u *Updater) DocPath(src models.Source) string {
	if src.ConsolidatedDocPath != "" {
		return src.ConsolidatedDocPath
	}
	return filepath.Join(fmt.Sprintf("%s_%d", src.Kind, src.ID), "consolidated.md")
}

// Exists reports whether the source already has a live document.
func (u *Updater) Exists(ctx context.Context, src models.Source) (bool, error) {
	_, found, err := u.store.ConsolidatedDoc(ctx, src.Key())
	if err != nil {
		return false, fmt.Errorf("failed to look up consolidated doc: %w", err)
	}
	return found, nil
}

// Update re-synthesizes the document and publishes it atomically
// (write-then-rename, then index). Returns the relative artifact path and
// the change note extracted from the generation output; the note is empty
// when the marker is absent, the document is still replaced.
func (u *Updater) Update(ctx context.Context, src models.Source) (string, string, error) {
	key := src.Key()

	units, err := u.store.RecentUnits(ctx, key, consolidatedUnitLimit)
	if err != nil {
		return "", "", fmt.Errorf("failed to load recent units: %w", err)
	}

	extracted, err := u.store.RecentExtracted(ctx, key, consolidatedOCRLimit)
	if err != nil {
		return "", "", fmt.Errorf("failed to load recent extracted text: %w", err)
	}

	previous := ""
	if doc, found, err := u.store.ConsolidatedDoc(ctx, key); err != nil {
		return "", "", fmt.Errorf("failed to read previous doc: %w", err)
	} else if found {
		previous = doc.Content
	}

	systemPrompt := u.loadPrompt(src)
	userContent := u.buildUserContent(src, units, extracted, previous)

	text, usage, err := u.summarizer.Summarize(ctx, systemPrompt, userContent)
	if err != nil {
		return "", "", fmt.Errorf("consolidated doc generation for source %d: %w", src.ID, err)
	}

	content, changeNote := SplitChangeNote(text)
	relPath := u.DocPath(src)
	absPath := filepath.Join(u.repoDir, relPath)

	if err := fsx.WriteFileAtomic(absPath, []byte(content)); err != nil {
		return "", "", fmt.Errorf("failed to publish consolidated doc: %w", err)
	}

	if err := u.store.UpsertConsolidatedDoc(ctx, &models.ConsolidatedDoc{
		TenantID:   src.TenantID,
		SourceKind: src.Kind,
		SourceID:   src.ID,
		Path:       relPath,
		Content:    content,
	}); err != nil {
		return "", "", fmt.Errorf("failed to index consolidated doc: %w", err)
	}

	u.logger.Info("Consolidated document updated",
		zap.Int64("tenant_id", src.TenantID),
		zap.Int64("source_id", src.ID),
		zap.String("path", relPath),
		zap.Int("doc_len", len(content)),
		zap.Int("tokens_in", usage.TokensIn),
		zap.Int("tokens_out", usage.TokensOut))

	return relPath, changeNote, nil
}

// SplitChangeNote separates the document body from the trailing change-note
// marker line. An absent marker yields an empty note.
func SplitChangeNote(text string) (string, string) {
	text = strings.TrimSpace(text)
	idx := strings.Index(text, ChangeMarker)
	if idx < 0 {
		return text, ""
	}

	rest := strings.TrimSpace(text[idx+len(ChangeMarker):])
	note := rest
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		note = strings.TrimSpace(rest[:nl])
	}
	return strings.TrimSpace(text[:idx]), note
}

func (u *Updater) buildUserContent(src models.Source, units []*models.Unit, extracted []*models.ExtractedText, previous string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce the consolidated engineering document for chat %q (source_id=%d).\n", src.Name, src.ID)
	b.WriteString("Rewrite the document in full from the data below. The previous version is at the end; replace it entirely.\n\n")

	b.WriteString("## Recent chat messages\n\n")
	for _, unit := range units {
		text := strings.ReplaceAll(unit.Text, "\n", " ")
		if text == "" {
			text = "[EMPTY]"
		}
		text = capRunes(text, consolidatedUnitCap)
		sender := unit.SenderName
		if sender == "" {
			sender = "[NO_SENDER]"
		}
		fmt.Fprintf(&b, "- **%s** `unit_id=%d` **%s**: %s\n",
			unit.SentAt.Format("2006-01-02 15:04:05"), unit.UnitID, sender, text)
	}
	b.WriteString("\n")

	if len(extracted) > 0 {
		b.WriteString("## Text extracted from images\n\n")
		for _, t := range extracted {
			text := capRunes(strings.ReplaceAll(t.Text, "\n", " "), consolidatedOCRCap)
			fmt.Fprintf(&b, "- unit_id=%d: %s\n", t.UnitID, text)
		}
		b.WriteString("\n")
	}

	if previous != "" {
		b.WriteString("## Current document version (rewrite in full)\n\n")
		if runes := []rune(previous); len(runes) > consolidatedPrevCap {
			previous = string(runes[:consolidatedPrevCap])
		}
		b.WriteString(previous)
		b.WriteString("\n\n---\nAbove is the previous version. Produce the new complete version.")
	}

	fmt.Fprintf(&b, "\n\nAt the very end of your answer add one line: %s a 1-2 sentence summary of what changed in this update.", ChangeMarker)
	return b.String()
}

func (u *Updater) loadPrompt(src models.Source) string {
	path := filepath.Join(u.promptsDir, "consolidated.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return fallbackConsolidatedPrompt
	}
	return string(data)
}
