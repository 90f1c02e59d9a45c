// Package extract provides the text-extraction boundary: an HTTP client for
// an external OCR service. Extraction internals are a black box; only the
// text, confidence, and language it reports matter downstream.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/archivegrove/sourcepipe/internal/research"
)

const maxResponseBytes = 16 << 20

// Config controls the extraction client.
type Config struct {
	// BaseURL is the extraction service root; the client POSTs to /v1/extract.
	BaseURL string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client calls the extraction service.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient builds an extraction Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{cfg: cfg, client: client}, nil
}

// Extract submits the file bytes and returns the service's extraction.
func (c *Client) Extract(ctx context.Context, file []byte) (research.Extraction, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.BaseURL+"/v1/extract", bytes.NewReader(file))
	if err != nil {
		return research.Extraction{}, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return research.Extraction{}, fmt.Errorf("extract request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return research.Extraction{}, fmt.Errorf("extraction service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return research.Extraction{}, fmt.Errorf("read extract response: %w", err)
	}
	var payload struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		Language   string  `json:"language"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return research.Extraction{}, fmt.Errorf("decode extract response: %w", err)
	}
	return research.Extraction{
		Text:       payload.Text,
		Confidence: payload.Confidence,
		Language:   payload.Language,
	}, nil
}
