package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivegrove/sourcepipe/internal/research"
)

const searchPayload = `{
	"response": {
		"numFound": 2,
		"docs": [
			{
				"identifier": "hanseatic-ledger-1402",
				"title": "Ledger of the Bergen Kontor",
				"creator": ["Hanseatic League"],
				"date": "1402",
				"language": "eng",
				"description": ["Trade ledger covering stockfish exports."]
			},
			{
				"identifier": "lubeck-charter",
				"title": ["Charter of Lubeck"],
				"language": ["ger"]
			}
		]
	}
}`

func TestCollectEmitsDocuments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/advancedsearch.php", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("q"), "hanseatic trade")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(searchPayload))
	}))
	defer srv.Close()

	conn := New(Config{BaseURL: srv.URL}, nil)
	require.Equal(t, "archive-org", conn.ID())
	require.Equal(t, research.SourceArchive, conn.SourceType())

	var docs []research.RawDocument
	err := conn.Collect(context.Background(),
		research.ResearchQuery{Text: "hanseatic trade"},
		research.Constraints{MaxDocuments: 10},
		func(doc research.RawDocument) error {
			docs = append(docs, doc)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	require.Equal(t, "Ledger of the Bergen Kontor", docs[0].Title)
	require.Equal(t, "Trade ledger covering stockfish exports.", docs[0].Text)
	require.Equal(t, "english", docs[0].Language)
	require.Equal(t, "Hanseatic League", docs[0].Author)
	require.Equal(t, srv.URL+"/details/hanseatic-ledger-1402", docs[0].SourceURL)

	// Description missing falls back to the title; language code is mapped.
	require.Equal(t, "Charter of Lubeck", docs[1].Text)
	require.Equal(t, "german", docs[1].Language)
}

func TestCollectEmitErrorStopsProduction(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(searchPayload))
	}))
	defer srv.Close()

	conn := New(Config{BaseURL: srv.URL}, nil)
	stop := errors.New("enough")
	count := 0
	err := conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
		func(research.RawDocument) error {
			count++
			return stop
		})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, count)
}

func TestCollectClassifiesStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "rate limited is transient", status: http.StatusTooManyRequests, transient: true},
		{name: "server error is transient", status: http.StatusBadGateway, transient: true},
		{name: "client error is permanent", status: http.StatusForbidden, transient: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			conn := New(Config{BaseURL: srv.URL}, nil)
			err := conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
				func(research.RawDocument) error { return nil })
			require.Error(t, err)
			require.Equal(t, tc.transient, research.IsTransient(err))
			require.Equal(t, !tc.transient, research.IsPermanent(err))
		})
	}
}

type fakeExtractor struct {
	extraction research.Extraction
	err        error
	got        []byte
}

func (f *fakeExtractor) Extract(_ context.Context, file []byte) (research.Extraction, error) {
	f.got = file
	return f.extraction, f.err
}

func TestCollectExtractsTextForHitsWithoutDescription(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/advancedsearch.php":
			_, _ = w.Write([]byte(searchPayload))
		case "/download/lubeck-charter/lubeck-charter_djvu.txt":
			_, _ = w.Write([]byte("scanned charter text"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	extractor := &fakeExtractor{extraction: research.Extraction{
		Text:       "The charter grants Lubeck merchants free passage.",
		Confidence: 0.82,
		Language:   "ger",
	}}
	conn := New(Config{BaseURL: srv.URL, Extractor: extractor}, nil)

	var docs []research.RawDocument
	err := conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
		func(doc research.RawDocument) error {
			docs = append(docs, doc)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// The first hit already carries a description; the extractor only sees
	// the second.
	require.Equal(t, "Trade ledger covering stockfish exports.", docs[0].Text)
	require.Nil(t, docs[0].Confidence)

	require.Equal(t, []byte("scanned charter text"), extractor.got)
	require.Equal(t, "The charter grants Lubeck merchants free passage.", docs[1].Text)
	require.NotNil(t, docs[1].Confidence)
	require.Equal(t, 0.82, *docs[1].Confidence)
}

func TestCollectExtractionFailureFallsBackToTitle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/advancedsearch.php" {
			_, _ = w.Write([]byte(searchPayload))
			return
		}
		_, _ = w.Write([]byte("scan bytes"))
	}))
	defer srv.Close()

	conn := New(Config{BaseURL: srv.URL, Extractor: &fakeExtractor{err: errors.New("ocr down")}}, nil)

	var docs []research.RawDocument
	err := conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
		func(doc research.RawDocument) error {
			docs = append(docs, doc)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, "Charter of Lubeck", docs[1].Text)
	require.Nil(t, docs[1].Confidence)
}

func TestCollectMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	conn := New(Config{BaseURL: srv.URL}, nil)
	err := conn.Collect(context.Background(), research.ResearchQuery{Text: "x"}, research.Constraints{},
		func(research.RawDocument) error { return nil })
	require.True(t, research.IsPermanent(err))
}
