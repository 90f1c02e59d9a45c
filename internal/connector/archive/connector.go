// Package archive implements a Collector over the Internet Archive
// advancedsearch JSON API.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/connector"
	"github.com/archivegrove/sourcepipe/internal/research"
)

const (
	defaultBaseURL  = "https://archive.org"
	defaultPageSize = 50
	connectorID     = "archive-org"

	// maxResponseBytes caps how much of a search response is read.
	maxResponseBytes = 8 << 20
)

// Config controls the archive connector.
type Config struct {
	// BaseURL overrides the archive.org endpoint (tests, mirrors).
	BaseURL string
	// PageSize caps results per search call (default 50).
	PageSize int
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Extractor, when set, recovers text for hits that carry no description
	// by downloading the item's OCR text rendition and extracting it.
	Extractor research.Extractor
}

// Connector searches the Internet Archive for digitized historical material.
type Connector struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds an archive Connector.
func New(cfg Config, logger *zap.Logger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, client: client, logger: logger}
}

// ID implements research.Collector.
func (c *Connector) ID() string { return connectorID }

// SourceType implements research.Collector.
func (c *Connector) SourceType() research.SourceType { return research.SourceArchive }

// Collect queries the advancedsearch API and emits one document per hit.
// Emit errors stop production and are returned unchanged so the caller can
// distinguish its own stop sentinel from connector failures.
func (c *Connector) Collect(
	ctx context.Context,
	query research.ResearchQuery,
	constraints research.Constraints,
	emit func(research.RawDocument) error,
) error {
	rows := c.cfg.PageSize
	if constraints.MaxDocuments > 0 && constraints.MaxDocuments < rows {
		rows = constraints.MaxDocuments
	}

	searchURL := c.buildSearchURL(query, constraints, rows)
	result, err := c.search(ctx, searchURL)
	if err != nil {
		return err
	}

	for _, hit := range result.Response.Docs {
		doc := research.RawDocument{
			SourceURL:   fmt.Sprintf("%s/details/%s", c.cfg.BaseURL, hit.Identifier),
			Title:       hit.Title.first(),
			Text:        hit.Description.join(),
			Language:    normalizeLanguage(hit.Language.first()),
			Author:      hit.Creator.first(),
			Date:        hit.Date.first(),
			ConnectorID: connectorID,
			SourceType:  research.SourceArchive,
		}
		if doc.Text == "" && c.cfg.Extractor != nil {
			c.extractItemText(ctx, hit.Identifier, &doc)
		}
		if doc.Text == "" {
			doc.Text = doc.Title
		}
		if err := emit(doc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) buildSearchURL(query research.ResearchQuery, constraints research.Constraints, rows int) string {
	terms := []string{query.Text}
	if query.Region != "" {
		terms = append(terms, query.Region)
	}
	q := strings.Join(terms, " ")
	if constraints.PeriodStart != "" && constraints.PeriodEnd != "" {
		q = fmt.Sprintf("%s AND date:[%s TO %s]", q, constraints.PeriodStart, constraints.PeriodEnd)
	}

	params := url.Values{}
	params.Set("q", q)
	for _, field := range []string{"identifier", "title", "creator", "date", "language", "description"} {
		params.Add("fl[]", field)
	}
	params.Set("rows", fmt.Sprintf("%d", rows))
	params.Set("page", "1")
	params.Set("output", "json")
	return fmt.Sprintf("%s/advancedsearch.php?%s", c.cfg.BaseURL, params.Encode())
}

func (c *Connector) search(ctx context.Context, searchURL string) (*searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, research.Permanent(connectorID, fmt.Errorf("build search request: %w", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, research.Transient(connectorID, fmt.Errorf("search request: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := connector.ClassifyStatus(connectorID, resp.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, research.Transient(connectorID, fmt.Errorf("read search response: %w", err))
	}
	var result searchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, research.Permanent(connectorID, fmt.Errorf("decode search response: %w", err))
	}
	return &result, nil
}

// extractItemText downloads the item's plain-text rendition and runs it
// through the extraction service. Failures leave the document untouched;
// the title fallback still applies.
func (c *Connector) extractItemText(ctx context.Context, identifier string, doc *research.RawDocument) {
	fileURL := fmt.Sprintf("%s/download/%s/%s_djvu.txt", c.cfg.BaseURL, identifier, identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("item text download failed", zap.String("identifier", identifier), zap.Error(err))
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return
	}

	extraction, err := c.cfg.Extractor.Extract(ctx, raw)
	if err != nil {
		c.logger.Debug("item text extraction failed", zap.String("identifier", identifier), zap.Error(err))
		return
	}
	doc.Text = extraction.Text
	doc.Confidence = &extraction.Confidence
	if doc.Language == "" {
		doc.Language = normalizeLanguage(extraction.Language)
	}
}

type searchResult struct {
	Response struct {
		NumFound int         `json:"numFound"`
		Docs     []searchHit `json:"docs"`
	} `json:"response"`
}

type searchHit struct {
	Identifier  string     `json:"identifier"`
	Title       stringList `json:"title"`
	Creator     stringList `json:"creator"`
	Date        stringList `json:"date"`
	Language    stringList `json:"language"`
	Description stringList `json:"description"`
}

// stringList absorbs the API's habit of returning either a string or an
// array of strings for the same field.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = stringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = stringList(many)
	return nil
}

func (s stringList) first() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func (s stringList) join() string {
	return strings.Join(s, " ")
}

var languageAliases = map[string]string{
	"eng": "english",
	"en":  "english",
	"fre": "french",
	"fra": "french",
	"fr":  "french",
	"ger": "german",
	"deu": "german",
	"de":  "german",
	"spa": "spanish",
	"es":  "spanish",
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if mapped, ok := languageAliases[lang]; ok {
		return mapped
	}
	return lang
}
