package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// Candidate is a validated document awaiting dedup and scoring.
type Candidate struct {
	Raw            research.RawDocument
	NormalizedText string
	Language       string
	DiscoveryIndex int
}

// Config controls clustering behavior.
type Config struct {
	// SimilarityThreshold is the score above which a document joins an
	// existing cluster (default 0.6).
	SimilarityThreshold float64
	// FingerprintLength bounds how many normalized characters feed the
	// content fingerprint (default 500).
	FingerprintLength int
}

// Similarity component weights. Title overlap dominates; the content
// fingerprint and host corroborate.
const (
	titleWeight       = 0.5
	fingerprintWeight = 0.3
	hostWeight        = 0.2
)

// Deduper clusters near-duplicates and emits one scored representative per
// cluster. Clustering is greedy and single-pass: each document is compared
// only against cluster representatives, keeping the step O(n) amortized.
// Near-duplicate chains longer than that comparison window may not fully
// merge; that limitation is accepted over an O(n^2) all-pairs pass.
type Deduper struct {
	cfg    Config
	hasher research.Hasher
	scorer *Scorer
}

// New builds a Deduper.
func New(cfg Config, hasher research.Hasher, scorer *Scorer) *Deduper {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.6
	}
	if cfg.FingerprintLength <= 0 {
		cfg.FingerprintLength = 500
	}
	return &Deduper{cfg: cfg, hasher: hasher, scorer: scorer}
}

type signature struct {
	titleTokens map[string]struct{}
	fingerprint string
	host        string
}

type member struct {
	cand  Candidate
	score float64
	sig   signature
}

type cluster struct {
	rep     member
	id      string
	members int
}

// Process deduplicates and scores candidates. The pass is deterministic:
// candidates are ordered by discovery index, cluster representatives keep the
// highest credibility with earliest discovery breaking ties, and output
// preserves representative discovery order. Running Process on an already
// deduplicated set returns the same set.
func (d *Deduper) Process(cands []Candidate) ([]research.ScoredDocument, error) {
	ordered := append([]Candidate(nil), cands...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DiscoveryIndex < ordered[j].DiscoveryIndex
	})

	var clusters []*cluster
	for _, cand := range ordered {
		sig, err := d.signatureOf(cand)
		if err != nil {
			return nil, err
		}
		m := member{cand: cand, score: d.scorer.Score(cand), sig: sig}

		joined := false
		for _, cl := range clusters {
			if similarity(m.sig, cl.rep.sig) >= d.cfg.SimilarityThreshold {
				cl.members++
				if m.score > cl.rep.score {
					// Higher credibility replaces the representative;
					// earlier discovery wins ties by construction.
					cl.rep = m
				}
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, &cluster{
				rep: m,
				id:  clusterID(m.sig.fingerprint),
			})
		}
	}

	out := make([]research.ScoredDocument, 0, len(clusters))
	for _, cl := range clusters {
		doc, err := d.toScored(cl)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DiscoveryIndex < out[j].DiscoveryIndex
	})
	return out, nil
}

func (d *Deduper) signatureOf(cand Candidate) (signature, error) {
	text := cand.NormalizedText
	if len(text) > d.cfg.FingerprintLength {
		text = text[:d.cfg.FingerprintLength]
	}
	fp, err := d.hasher.Hash([]byte(text))
	if err != nil {
		return signature{}, fmt.Errorf("fingerprint candidate %q: %w", cand.Raw.SourceURL, err)
	}
	return signature{
		titleTokens: tokenize(cand.Raw.Title),
		fingerprint: fp,
		host:        hostOf(cand.Raw.SourceURL),
	}, nil
}

func (d *Deduper) toScored(cl *cluster) (research.ScoredDocument, error) {
	m := cl.rep
	checksum, err := d.hasher.Hash([]byte(m.cand.NormalizedText))
	if err != nil {
		return research.ScoredDocument{}, fmt.Errorf("checksum candidate %q: %w", m.cand.Raw.SourceURL, err)
	}
	return research.ScoredDocument{
		SourceURL:      m.cand.Raw.SourceURL,
		Title:          m.cand.Raw.Title,
		Text:           m.cand.NormalizedText,
		Language:       m.cand.Language,
		Author:         m.cand.Raw.Author,
		Date:           m.cand.Raw.Date,
		ConnectorID:    m.cand.Raw.ConnectorID,
		SourceType:     m.cand.Raw.SourceType,
		Credibility:    m.score,
		ClusterID:      cl.id,
		WordCount:      len(strings.Fields(m.cand.NormalizedText)),
		Checksum:       checksum,
		DiscoveryIndex: m.cand.DiscoveryIndex,
	}, nil
}

func similarity(a, b signature) float64 {
	var score float64
	score += titleWeight * jaccard(a.titleTokens, b.titleTokens)
	if a.fingerprint != "" && a.fingerprint == b.fingerprint {
		score += fingerprintWeight
	}
	if a.host != "" && a.host == b.host {
		score += hostWeight
	}
	return score
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenize(title string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(title)) {
		t = strings.Trim(t, ".,;:!?\"'()[]")
		if t != "" {
			tokens[t] = struct{}{}
		}
	}
	return tokens
}

func clusterID(fingerprint string) string {
	if len(fingerprint) > 12 {
		return "c-" + fingerprint[:12]
	}
	return "c-" + fingerprint
}
