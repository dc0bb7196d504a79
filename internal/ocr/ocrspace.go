package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"
)

const (
	ocrSpaceEndpoint = "https://api.ocr.space/parse/image"
	ocrSpaceTimeout  = 90 * time.Second
)

// OCRSpace is the cloud extractor backed by the OCR.space HTTP API.
type OCRSpace struct {
	apiKey string
	http   *http.Client
}

func NewOCRSpace(apiKey string) *OCRSpace {
	return &OCRSpace{
		apiKey: apiKey,
		http:   &http.Client{Timeout: ocrSpaceTimeout},
	}
}

func (o *OCRSpace) Name() string { return "ocr_space" }

type ocrSpaceResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool     `json:"IsErroredOnProcessing"`
	ErrorMessage          []string `json:"ErrorMessage"`
}

func (o *OCRSpace) Extract(ctx context.Context, imageBytes []byte, languageHints []string) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(imageBytes); err != nil {
		return nil, fmt.Errorf("failed to write image bytes: %w", err)
	}

	lang := "eng"
	if len(languageHints) > 0 {
		lang = languageHints[0]
	}
	_ = writer.WriteField("language", lang)
	_ = writer.WriteField("OCREngine", "2")
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ocrSpaceEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("apikey", o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr.space request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr.space returned status %d", resp.StatusCode)
	}

	var parsed ocrSpaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ocr.space response: %w", err)
	}
	if parsed.IsErroredOnProcessing {
		return nil, fmt.Errorf("ocr.space processing error: %v", parsed.ErrorMessage)
	}

	var text string
	for _, r := range parsed.ParsedResults {
		text += r.ParsedText
	}

	return &Result{Text: text}, nil
}
