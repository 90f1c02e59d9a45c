package web

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivegrove/sourcepipe/internal/connector/fetch"
	"github.com/archivegrove/sourcepipe/internal/research"
)

type fakeFetcher struct {
	responses map[string]fetch.Response
	err       error
	requested []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.requested = append(f.requested, req.URL)
	if f.err != nil {
		return fetch.Response{}, f.err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return fetch.Response{StatusCode: http.StatusNotFound}, nil
	}
	return resp, nil
}

func TestCollectExtractsPageText(t *testing.T) {
	t.Parallel()

	pageURL := "https://history.example.com/search?q=silk+road"
	fetcher := &fakeFetcher{responses: map[string]fetch.Response{
		pageURL: {
			URL:        pageURL,
			StatusCode: http.StatusOK,
			Body: []byte(`<html><head><title>Silk Road Records</title>
<script>ignore this</script></head>
<body><p>Caravan manifests from Samarkand.</p></body></html>`),
		},
	}}

	conn, err := New(Config{PageURLs: []string{"https://history.example.com/search?q={query}"}}, fetcher, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "web-scrape", conn.ID())
	require.Equal(t, research.SourceWeb, conn.SourceType())

	var docs []research.RawDocument
	err = conn.Collect(context.Background(), research.ResearchQuery{Text: "silk road"}, research.Constraints{},
		func(doc research.RawDocument) error {
			docs = append(docs, doc)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Silk Road Records", docs[0].Title)
	require.Equal(t, "Caravan manifests from Samarkand.", docs[0].Text)
	require.NotContains(t, docs[0].Text, "ignore this")
}

func TestCollectPromotesToHeadless(t *testing.T) {
	t.Parallel()

	pageURL := "https://spa.example.com/catalog"
	static := &fakeFetcher{responses: map[string]fetch.Response{
		pageURL: {
			URL:        pageURL,
			StatusCode: http.StatusOK,
			Body:       []byte(`<html><body><div id="root"></div></body></html>`),
		},
	}}
	headless := &fakeFetcher{responses: map[string]fetch.Response{
		pageURL: {
			URL:          pageURL,
			StatusCode:   http.StatusOK,
			UsedHeadless: true,
			Body:         []byte(`<html><head><title>Catalog</title></head><body><p>Rendered inventory list.</p></body></html>`),
		},
	}}

	conn, err := New(Config{PageURLs: []string{pageURL}}, static, headless, fetch.NewDetector(0), nil)
	require.NoError(t, err)

	var docs []research.RawDocument
	err = conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
		func(doc research.RawDocument) error {
			docs = append(docs, doc)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Rendered inventory list.", docs[0].Text)
	require.Len(t, headless.requested, 1)
}

func TestCollectRateLimitedIsTransient(t *testing.T) {
	t.Parallel()

	pageURL := "https://history.example.com/a"
	fetcher := &fakeFetcher{responses: map[string]fetch.Response{
		pageURL: {URL: pageURL, StatusCode: http.StatusTooManyRequests},
	}}
	conn, err := New(Config{PageURLs: []string{pageURL}}, fetcher, nil, nil, nil)
	require.NoError(t, err)

	err = conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
		func(research.RawDocument) error { return nil })
	require.True(t, research.IsTransient(err))
}

func TestCollectRespectsMaxDocuments(t *testing.T) {
	t.Parallel()

	page := func(url string) fetch.Response {
		return fetch.Response{
			URL:        url,
			StatusCode: http.StatusOK,
			Body:       []byte(`<html><head><title>T</title></head><body><p>some text</p></body></html>`),
		}
	}
	fetcher := &fakeFetcher{responses: map[string]fetch.Response{
		"https://a.example.com": page("https://a.example.com"),
		"https://b.example.com": page("https://b.example.com"),
	}}
	conn, err := New(Config{PageURLs: []string{"https://a.example.com", "https://b.example.com"}}, fetcher, nil, nil, nil)
	require.NoError(t, err)

	count := 0
	err = conn.Collect(context.Background(), research.ResearchQuery{Text: "x"},
		research.Constraints{MaxDocuments: 1},
		func(research.RawDocument) error {
			count++
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, fetcher.requested, 1)
}
