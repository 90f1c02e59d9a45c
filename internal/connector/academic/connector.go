// Package academic implements a Collector that scrapes an academic index's
// search result listings.
package academic

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

// Selectors identifies result entries within the index's listing markup.
type Selectors struct {
	Item     string
	Title    string
	Link     string
	Author   string
	Date     string
	Abstract string
}

// DefaultSelectors matches the common listing layout of scholarly indexes.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:     "article.result, li.result-item",
		Title:    "h3 a, h2 a",
		Link:     "h3 a, h2 a",
		Author:   ".authors, .byline",
		Date:     "time, .pub-date",
		Abstract: ".abstract, .snippet",
	}
}

// Config controls the academic connector.
type Config struct {
	// ID distinguishes multiple academic connectors in one pipeline.
	ID string
	// BaseURL is the index root, e.g. https://index.example.edu.
	BaseURL string
	// SearchPath is the listing path; the query is appended as ?q= (default
	// /search).
	SearchPath string
	// Selectors overrides the listing selectors.
	Selectors Selectors
}

// Connector scrapes an academic index.
type Connector struct {
	cfg     Config
	fetcher fetch.Fetcher
	logger  *zap.Logger
}

// New builds an academic Connector.
func New(cfg Config, fetcher fetch.Fetcher, logger *zap.Logger) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.ID == "" {
		cfg.ID = "academic-index"
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = "/search"
	}
	empty := Selectors{}
	if cfg.Selectors == empty {
		cfg.Selectors = DefaultSelectors()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, fetcher: fetcher, logger: logger}, nil
}

// ID implements research.Collector.
func (c *Connector) ID() string { return c.cfg.ID }

// SourceType implements research.Collector.
func (c *Connector) SourceType() research.SourceType { return research.SourceAcademic }

// Collect fetches the result listing for the query and emits one document per
// entry. Emit errors stop production and are returned unchanged.
func (c *Connector) Collect(
	ctx context.Context,
	query research.ResearchQuery,
	constraints research.Constraints,
	emit func(research.RawDocument) error,
) error {
	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: c.searchURL(query)})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return research.Transient(c.cfg.ID, fmt.Errorf("fetch listing: %w", err))
	}
	if err := connector.ClassifyStatus(c.cfg.ID, resp.StatusCode); err != nil {
		return err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return research.Permanent(c.cfg.ID, fmt.Errorf("parse listing: %w", err))
	}

	var emitErr error
	emitted := 0
	doc.Find(c.cfg.Selectors.Item).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if constraints.MaxDocuments > 0 && emitted >= constraints.MaxDocuments {
			return false
		}
		entry := c.parseEntry(sel)
		if entry.Title == "" && entry.Text == "" {
			return true
		}
		if err := emit(entry); err != nil {
			emitErr = err
			return false
		}
		emitted++
		return true
	})
	return emitErr
}

func (c *Connector) searchURL(query research.ResearchQuery) string {
	params := url.Values{}
	params.Set("q", query.Text)
	if query.PeriodStart != "" {
		params.Set("from", query.PeriodStart)
	}
	if query.PeriodEnd != "" {
		params.Set("to", query.PeriodEnd)
	}
	return fmt.Sprintf("%s%s?%s", strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.SearchPath, params.Encode())
}

func (c *Connector) parseEntry(sel *goquery.Selection) research.RawDocument {
	title := strings.TrimSpace(sel.Find(c.cfg.Selectors.Title).First().Text())
	link, _ := sel.Find(c.cfg.Selectors.Link).First().Attr("href")
	abstract := strings.TrimSpace(sel.Find(c.cfg.Selectors.Abstract).First().Text())
	author := strings.TrimSpace(sel.Find(c.cfg.Selectors.Author).First().Text())
	date := strings.TrimSpace(sel.Find(c.cfg.Selectors.Date).First().Text())

	text := abstract
	if text == "" {
		text = title
	}
	return research.RawDocument{
		SourceURL:   c.absoluteURL(link),
		Title:       title,
		Text:        text,
		Author:      author,
		Date:        date,
		ConnectorID: c.cfg.ID,
		SourceType:  research.SourceAcademic,
	}
}

func (c *Connector) absoluteURL(link string) string {
	if link == "" {
		return ""
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	if parsed.IsAbs() {
		return link
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return link
	}
	return base.ResolveReference(parsed).String()
}
