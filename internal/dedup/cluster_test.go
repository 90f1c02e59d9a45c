package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivegrove/sourcepipe/internal/hash/sha256"
	"github.com/archivegrove/sourcepipe/internal/research"
)

func newDeduper(cfg Config) *Deduper {
	return New(cfg, sha256.New(), NewScorer(ScoreConfig{}))
}

func cand(url, title, text string, st research.SourceType, idx int) Candidate {
	return Candidate{
		Raw: research.RawDocument{
			SourceURL:  url,
			Title:      title,
			Text:       text,
			SourceType: st,
		},
		NormalizedText: text,
		DiscoveryIndex: idx,
	}
}

func TestProcessMergesExactDuplicates(t *testing.T) {
	t.Parallel()

	d := newDeduper(Config{})
	text := "Guild membership rolls from Bergen covering the fifteenth century."
	// Same title, text, and host from two connectors.
	a := cand("https://archive.example.org/a", "Guild Records of Bergen", text, research.SourceArchive, 0)
	b := cand("https://archive.example.org/b", "Guild Records of Bergen", text, research.SourceWeb, 1)

	out, err := d.Process([]Candidate{a, b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	// The archive copy has the higher prior and keeps the cluster.
	require.Equal(t, "https://archive.example.org/a", out[0].SourceURL)
	require.Equal(t, research.SourceArchive, out[0].SourceType)
	require.NotEmpty(t, out[0].ClusterID)
	require.NotEmpty(t, out[0].Checksum)
}

func TestProcessHigherCredibilityReplacesRepresentative(t *testing.T) {
	t.Parallel()

	d := newDeduper(Config{})
	text := "Proceedings of the Hanseatic diet meetings at Lubeck in 1476."
	web := cand("https://example.org/diet", "Hanse Diet Proceedings", text, research.SourceWeb, 0)
	academic := cand("https://example.org/diet-study", "Hanse Diet Proceedings", text, research.SourceAcademic, 1)

	out, err := d.Process([]Candidate{web, academic})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, research.SourceAcademic, out[0].SourceType)
	// The representative carries its own discovery index.
	require.Equal(t, 1, out[0].DiscoveryIndex)
}

func TestProcessKeepsDistinctDocuments(t *testing.T) {
	t.Parallel()

	d := newDeduper(Config{})
	out, err := d.Process([]Candidate{
		cand("https://a.example.edu/1", "Stockfish Export Ledgers", "Ledgers describing stockfish exports to London.", research.SourceAcademic, 0),
		cand("https://b.example.org/2", "Novgorod Trade Treaty", "Treaty text regulating trade with Novgorod.", research.SourceArchive, 1),
		cand("https://c.example.net/3", "Oresund Toll Registers", "Toll registers recording Baltic traffic.", research.SourceWeb, 2),
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Output preserves discovery order.
	for i, doc := range out {
		require.Equal(t, i, doc.DiscoveryIndex)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	t.Parallel()

	d := newDeduper(Config{})
	in := []Candidate{
		cand("https://a.example.edu/1", "Stockfish Export Ledgers", "Ledgers describing stockfish exports to London and Boston in detail.", research.SourceAcademic, 0),
		cand("https://a.example.edu/1b", "Stockfish Export Ledgers", "Ledgers describing stockfish exports to London and Boston in detail.", research.SourceAcademic, 1),
		cand("https://b.example.org/2", "Novgorod Trade Treaty", "Treaty text regulating trade with Novgorod merchants.", research.SourceArchive, 2),
	}

	first, err := d.Process(in)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Feed the representatives back through as candidates.
	again := make([]Candidate, 0, len(first))
	for _, doc := range first {
		again = append(again, Candidate{
			Raw: research.RawDocument{
				SourceURL:  doc.SourceURL,
				Title:      doc.Title,
				Text:       doc.Text,
				Author:     doc.Author,
				Date:       doc.Date,
				SourceType: doc.SourceType,
			},
			NormalizedText: doc.Text,
			DiscoveryIndex: doc.DiscoveryIndex,
		})
	}
	second, err := d.Process(again)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestProcessOrderInsensitiveClustering(t *testing.T) {
	t.Parallel()

	d := newDeduper(Config{})
	text := "Letters between the Bergen kontor and Lubeck merchants."
	a := cand("https://archive.example.org/a", "Kontor Correspondence", text, research.SourceArchive, 0)
	b := cand("https://archive.example.org/b", "Kontor Correspondence", text, research.SourceWeb, 1)

	forward, err := d.Process([]Candidate{a, b})
	require.NoError(t, err)
	// Candidates are re-sorted by discovery index, so slice order in does not
	// change the outcome.
	reversed, err := d.Process([]Candidate{b, a})
	require.NoError(t, err)
	require.Equal(t, forward, reversed)
}

func TestProcessSimilarityThreshold(t *testing.T) {
	t.Parallel()

	// Same title (0.5) but different text and host: below the 0.6 threshold.
	d := newDeduper(Config{})
	out, err := d.Process([]Candidate{
		cand("https://a.example.edu/1", "Trade Treaty", "First treaty text about trade terms.", research.SourceAcademic, 0),
		cand("https://b.example.org/2", "Trade Treaty", "An entirely different charter concerning fishing rights.", research.SourceArchive, 1),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Lowering the threshold makes the title overlap sufficient.
	loose := newDeduper(Config{SimilarityThreshold: 0.4})
	out, err = loose.Process([]Candidate{
		cand("https://a.example.edu/1", "Trade Treaty", "First treaty text about trade terms.", research.SourceAcademic, 0),
		cand("https://b.example.org/2", "Trade Treaty", "An entirely different charter concerning fishing rights.", research.SourceArchive, 1),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestProcessEmptyInput(t *testing.T) {
	t.Parallel()

	out, err := newDeduper(Config{}).Process(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}
