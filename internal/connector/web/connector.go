// Package web implements a generic web-scrape Collector: static colly fetches
// with heuristic promotion to a headless browser for script-rendered pages.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/connector"
	"github.com/archivegrove/sourcepipe/internal/connector/fetch"
	"github.com/archivegrove/sourcepipe/internal/research"
)

const queryPlaceholder = "{query}"

// Config controls the web connector.
type Config struct {
	// ID distinguishes multiple web connectors in one pipeline.
	ID string
	// PageURLs are page URL templates; occurrences of {query} are replaced
	// with the escaped query text.
	PageURLs []string
}

// Connector scrapes general web pages for the query.
type Connector struct {
	cfg      Config
	fetcher  fetch.Fetcher
	headless fetch.Fetcher
	detector *fetch.Detector
	logger   *zap.Logger
}

// New builds a web Connector. The headless fetcher is optional; without it
// script-rendered pages are used as fetched.
func New(cfg Config, fetcher fetch.Fetcher, headless fetch.Fetcher, detector *fetch.Detector, logger *zap.Logger) (*Connector, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if len(cfg.PageURLs) == 0 {
		return nil, fmt.Errorf("at least one page url is required")
	}
	if cfg.ID == "" {
		cfg.ID = "web-scrape"
	}
	if detector == nil {
		detector = fetch.NewDetector(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		cfg:      cfg,
		fetcher:  fetcher,
		headless: headless,
		detector: detector,
		logger:   logger,
	}, nil
}

// ID implements research.Collector.
func (c *Connector) ID() string { return c.cfg.ID }

// SourceType implements research.Collector.
func (c *Connector) SourceType() research.SourceType { return research.SourceWeb }

// Collect fetches every configured page and emits one document per page with
// non-empty extracted text. A page that cannot be fetched fails the whole
// connector; the scheduler owns retries.
func (c *Connector) Collect(
	ctx context.Context,
	query research.ResearchQuery,
	constraints research.Constraints,
	emit func(research.RawDocument) error,
) error {
	emitted := 0
	for _, template := range c.cfg.PageURLs {
		if constraints.MaxDocuments > 0 && emitted >= constraints.MaxDocuments {
			return nil
		}
		pageURL := strings.ReplaceAll(template, queryPlaceholder, url.QueryEscape(query.Text))
		doc, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return err
		}
		if doc.Text == "" {
			c.logger.Debug("page yielded no text", zap.String("url", pageURL))
			continue
		}
		if err := emit(doc); err != nil {
			return err
		}
		emitted++
	}
	return nil
}

func (c *Connector) fetchPage(ctx context.Context, pageURL string) (research.RawDocument, error) {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: pageURL})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return research.RawDocument{}, err
		}
		return research.RawDocument{}, research.Transient(c.cfg.ID, fmt.Errorf("fetch page: %w", err))
	}
	if err := connector.ClassifyStatus(c.cfg.ID, resp.StatusCode); err != nil {
		return research.RawDocument{}, err
	}

	if c.headless != nil && c.detector.ShouldPromote(resp) {
		rendered, headlessErr := c.headless.Fetch(ctx, fetch.Request{URL: pageURL})
		if headlessErr != nil {
			c.logger.Warn("headless promotion failed, using static body",
				zap.String("url", pageURL), zap.Error(headlessErr))
		} else {
			resp = rendered
		}
	}

	title, text, err := extractText(resp.Body)
	if err != nil {
		return research.RawDocument{}, research.Permanent(c.cfg.ID, fmt.Errorf("parse page: %w", err))
	}
	return research.RawDocument{
		SourceURL:   resp.URL,
		Title:       title,
		Text:        text,
		ConnectorID: c.cfg.ID,
		SourceType:  research.SourceWeb,
	}, nil
}

// extractText strips scripts and styles and returns the page title plus the
// visible body text.
func extractText(body []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return title, text, nil
}
