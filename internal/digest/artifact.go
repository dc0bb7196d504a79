package digest

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xaenox/tg-digest/internal/fsx"
	"github.com/xaenox/tg-digest/internal/models"
)

// ArtifactWriter records digest markdown files under the repository root,
// one file per generated digest, grouped per source and day.
type ArtifactWriter struct {
	repoDir string
}

func NewArtifactWriter(repoDir string) *ArtifactWriter {
	return &ArtifactWriter{repoDir: repoDir}
}

// ArtifactPath returns the digest file path relative to the repository root:
// {source-kind}_{source-id}/{date}/{from}_{to}.md.
func ArtifactPath(src models.Source, d *models.Digest, day string) string {
	return filepath.Join(
		fmt.Sprintf("%s_%d", src.Kind, src.ID),
		day,
		fmt.Sprintf("%d_%d.md", d.UnitIDFrom, d.UnitIDTo),
	)
}

// Write persists the digest artifact atomically and returns its relative path.
func (w *ArtifactWriter) Write(src models.Source, d *models.Digest, day string) (string, error) {
	relPath := ArtifactPath(src, d, day)
	content := renderArtifact(src, d, day)

	if err := fsx.WriteFileAtomic(filepath.Join(w.repoDir, relPath), []byte(content)); err != nil {
		return "", fmt.Errorf("failed to write digest artifact: %w", err)
	}
	return relPath, nil
}

func renderArtifact(src models.Source, d *models.Digest, day string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Digest %s (%d, %d]\n\n", day, d.UnitIDFrom, d.UnitIDTo)
	fmt.Fprintf(&b, "- Source: %s (%s %d)\n", src.Name, src.Kind, src.ID)
	fmt.Fprintf(&b, "- Model: %s\n", d.Model)
	fmt.Fprintf(&b, "- Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Tokens: %d in / %d out\n\n", d.TokensIn, d.TokensOut)
	b.WriteString(d.Generated)
	b.WriteString("\n")
	return b.String()
}

// PublishSet accumulates the relative paths of artifacts written during one
// cycle, for handoff to an external publisher.
type PublishSet struct {
	mu    sync.Mutex
	paths []string
	seen  map[string]bool
}

func NewPublishSet() *PublishSet {
	return &PublishSet{seen: make(map[string]bool)}
}

// Add records a path once; duplicates within a cycle are ignored.
func (p *PublishSet) Add(relPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[relPath] {
		return
	}
	p.seen[relPath] = true
	p.paths = append(p.paths, relPath)
}

// Paths returns the accumulated paths in insertion order.
func (p *PublishSet) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.paths))
	copy(out, p.paths)
	return out
}

func (p *PublishSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.paths)
}
