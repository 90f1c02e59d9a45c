// Package fetch provides the HTTP retrieval layer shared by source
// connectors: a colly-based fetcher for static pages and a chromedp-based
// fetcher for script-rendered ones, plus the heuristic that decides when to
// promote a fetch to the headless path.
package fetch

import (
	"context"
	"net/http"
	"time"
)

// Request describes a single page retrieval.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the outcome of a page retrieval.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}
