// Package dedup canonicalizes near-duplicate documents and assigns
// credibility scores. Scoring is a deterministic, auditable formula so
// identical inputs always produce identical scores.
package dedup

import (
	"net/url"
	"strings"

	"github.com/archivegrove/sourcepipe/internal/research"
)

const (
	defaultAuthorWeight      = 0.05
	defaultDateWeight        = 0.05
	defaultReputationBoost   = 0.10
	defaultReputationPenalty = 0.20
	defaultConfidenceWeight  = 0.20
)

// ScoreConfig holds the credibility weight table. Weights are pointers so an
// explicit zero (signal disabled) is distinct from unset (use the default).
type ScoreConfig struct {
	// SourceTypePriors maps source type to its baseline trust.
	SourceTypePriors map[research.SourceType]float64
	// AuthorWeight and DateWeight reward present metadata.
	AuthorWeight *float64
	DateWeight   *float64
	// ReputationBoost/-Penalty adjust for domain reputation list membership.
	ReputationBoost   *float64
	ReputationPenalty *float64
	TrustedDomains    []string
	FlaggedDomains    []string
	// ConfidenceWeight scales the OCR confidence signal around its midpoint.
	ConfidenceWeight *float64
}

// Weight returns a pointer to v for populating ScoreConfig fields.
func Weight(v float64) *float64 { return &v }

// DefaultScoreConfig returns the standard weight table: academic sources
// start highest, primary and archival material next, open web lowest.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		SourceTypePriors: map[research.SourceType]float64{
			research.SourceAcademic: 0.85,
			research.SourcePrimary:  0.75,
			research.SourceArchive:  0.65,
			research.SourceWeb:      0.45,
		},
		AuthorWeight:      Weight(defaultAuthorWeight),
		DateWeight:        Weight(defaultDateWeight),
		ReputationBoost:   Weight(defaultReputationBoost),
		ReputationPenalty: Weight(defaultReputationPenalty),
		ConfidenceWeight:  Weight(defaultConfidenceWeight),
	}
}

// Scorer computes credibility scores from a resolved weight table.
type Scorer struct {
	priors            map[research.SourceType]float64
	authorWeight      float64
	dateWeight        float64
	reputationBoost   float64
	reputationPenalty float64
	confidenceWeight  float64
	trusted           map[string]struct{}
	flagged           map[string]struct{}
}

// NewScorer builds a Scorer; nil config fields fall back to defaults.
func NewScorer(cfg ScoreConfig) *Scorer {
	priors := cfg.SourceTypePriors
	if priors == nil {
		priors = DefaultScoreConfig().SourceTypePriors
	}
	s := &Scorer{
		priors:            priors,
		authorWeight:      weightOr(cfg.AuthorWeight, defaultAuthorWeight),
		dateWeight:        weightOr(cfg.DateWeight, defaultDateWeight),
		reputationBoost:   weightOr(cfg.ReputationBoost, defaultReputationBoost),
		reputationPenalty: weightOr(cfg.ReputationPenalty, defaultReputationPenalty),
		confidenceWeight:  weightOr(cfg.ConfidenceWeight, defaultConfidenceWeight),
		trusted:           make(map[string]struct{}, len(cfg.TrustedDomains)),
		flagged:           make(map[string]struct{}, len(cfg.FlaggedDomains)),
	}
	for _, d := range cfg.TrustedDomains {
		s.trusted[strings.ToLower(d)] = struct{}{}
	}
	for _, d := range cfg.FlaggedDomains {
		s.flagged[strings.ToLower(d)] = struct{}{}
	}
	return s
}

func weightOr(w *float64, def float64) float64 {
	if w != nil {
		return *w
	}
	return def
}

// Score computes the credibility of a candidate document, clamped to [0,1].
func (s *Scorer) Score(c Candidate) float64 {
	score, ok := s.priors[c.Raw.SourceType]
	if !ok {
		score = s.priors[research.SourceWeb]
	}

	if strings.TrimSpace(c.Raw.Author) != "" {
		score += s.authorWeight
	}
	if strings.TrimSpace(c.Raw.Date) != "" {
		score += s.dateWeight
	}

	host := hostOf(c.Raw.SourceURL)
	if _, ok := s.trusted[host]; ok {
		score += s.reputationBoost
	}
	if _, ok := s.flagged[host]; ok {
		score -= s.reputationPenalty
	}

	if c.Raw.Confidence != nil {
		// Confidence above the midpoint lifts the score, below drags it.
		score += (*c.Raw.Confidence - 0.5) * s.confidenceWeight
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
