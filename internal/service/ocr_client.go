package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/models"
)

// OCRResult is the collaborator's output for one document.
type OCRResult struct {
	Markdown  string
	PageCount int
}

// OCRClient calls the external OCR model over HTTP. The engine itself is a
// collaborator; this adapter only moves bytes and classifies failures.
type OCRClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// NewOCRClient builds the adapter from config.
func NewOCRClient(cfg *config.Config, logger *slog.Logger) *OCRClient {
	return &OCRClient{
		baseURL: cfg.OCRBaseURL,
		apiKey:  cfg.OCRAPIKey,
		model:   cfg.OCRModel,
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  logger.With("component", "ocr"),
	}
}

type ocrRequest struct {
	Model    string `json:"model"`
	MimeType string `json:"mime_type"`
	Document string `json:"document"` // base64
}

type ocrResponse struct {
	Markdown  string `json:"markdown"`
	PageCount int    `json:"page_count"`
	Error     string `json:"error,omitempty"`
}

// ExtractMarkdown runs OCR on the document and returns Markdown plus page
// count. 5xx and transport failures are retryable OCR_FAILED; 4xx means the
// document itself is unprocessable and retrying cannot help.
func (c *OCRClient) ExtractMarkdown(ctx context.Context, mimeType string, document []byte) (*OCRResult, error) {
	body, err := json.Marshal(ocrRequest{
		Model:    c.model,
		MimeType: mimeType,
		Document: base64.StdEncoding.EncodeToString(document),
	})
	if err != nil {
		return nil, models.Unrecoverable(models.ErrCodeOCRFailed, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, models.Unrecoverable(models.ErrCodeOCRFailed, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.Transient(models.ErrCodeTimeout, "ocr call timed out", err)
		}
		return nil, models.Transient(models.ErrCodeOCRFailed, "ocr request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, models.Transient(models.ErrCodeOCRFailed, "reading ocr response", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.Transient(models.ErrCodeOCRFailed,
			fmt.Sprintf("ocr returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, models.Unrecoverable(models.ErrCodeOCRFailed,
			fmt.Sprintf("ocr rejected document: %d: %s", resp.StatusCode, truncate(raw, 200)), nil)
	}

	var out ocrResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, models.Transient(models.ErrCodeOCRFailed, "decoding ocr response", err)
	}
	if out.Error != "" {
		return nil, models.Unrecoverable(models.ErrCodeOCRFailed, out.Error, nil)
	}

	c.logger.Debug("ocr complete", "pages", out.PageCount, "markdown_bytes", len(out.Markdown))
	return &OCRResult{Markdown: out.Markdown, PageCount: out.PageCount}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
