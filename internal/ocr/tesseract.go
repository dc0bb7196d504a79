package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Tesseract is the local extractor shelling out to the tesseract binary.
// Used as the fallback when the cloud backend is unavailable.
type Tesseract struct {
	binary string
}

func NewTesseract(binary string) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	return &Tesseract{binary: binary}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Extract(ctx context.Context, imageBytes []byte, languageHints []string) (*Result, error) {
	args := []string{"stdin", "stdout"}
	if len(languageHints) > 0 {
		args = append(args, "-l", strings.Join(languageHints, "+"))
	}

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Stdin = bytes.NewReader(imageBytes)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	return &Result{Text: strings.TrimSpace(stdout.String())}, nil
}
