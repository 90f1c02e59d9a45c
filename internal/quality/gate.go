// Package quality validates extracted text before it enters the corpus.
// Checks run cheapest-first and short-circuit on the first failure: empty
// text, then encoding sanity, then extraction confidence, then language
// consistency. Rejections are counted by the caller but never fail a query.
package quality

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// RejectReason identifies the first failing check.
type RejectReason string

// Rejection reasons, in check order.
const (
	ReasonEmpty            RejectReason = "empty_text"
	ReasonEncoding         RejectReason = "invalid_encoding"
	ReasonLowConfidence    RejectReason = "low_confidence"
	ReasonLanguageMismatch RejectReason = "language_mismatch"
)

// DefaultMinConfidence is the extraction-confidence floor applied when the
// source reports one.
const DefaultMinConfidence = 0.60

// maxReplacementRatio bounds how much of the text may be the U+FFFD
// replacement rune before it is treated as garbled.
const maxReplacementRatio = 0.10

// Config controls gate behavior.
type Config struct {
	// MinConfidence rejects documents whose reported extraction confidence
	// falls below it (default 0.60).
	MinConfidence float64
	// Languages is the allowed language set; empty allows everything.
	Languages []string
	// AllowUnspecified admits documents whose language cannot be determined.
	AllowUnspecified bool
}

// Verdict is the gate's decision for one document.
type Verdict struct {
	Accepted         bool
	NormalizedText   string
	DetectedLanguage string
	Reason           RejectReason
}

// Gate applies the ordered validation checks.
type Gate struct {
	minConfidence    float64
	languages        map[string]struct{}
	allowUnspecified bool
}

// New builds a Gate.
func New(cfg Config) *Gate {
	minConf := cfg.MinConfidence
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}
	langs := make(map[string]struct{}, len(cfg.Languages))
	for _, l := range cfg.Languages {
		langs[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return &Gate{
		minConfidence:    minConf,
		languages:        langs,
		allowUnspecified: cfg.AllowUnspecified,
	}
}

// Validate runs the ordered checks against doc. The returned verdict carries
// the normalized text on acceptance or the first failing reason on rejection.
func (g *Gate) Validate(doc research.RawDocument) Verdict {
	trimmed := strings.TrimSpace(doc.Text)
	if trimmed == "" {
		return Verdict{Reason: ReasonEmpty}
	}

	if !utf8.ValidString(trimmed) || replacementRatio(trimmed) > maxReplacementRatio {
		return Verdict{Reason: ReasonEncoding}
	}
	normalized := Normalize(trimmed)
	if normalized == "" {
		return Verdict{Reason: ReasonEncoding}
	}

	if doc.Confidence != nil && *doc.Confidence < g.minConfidence {
		return Verdict{Reason: ReasonLowConfidence}
	}

	lang := doc.Language
	if lang == "" {
		lang = DetectLanguage(normalized)
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	if !g.languageAllowed(lang) {
		return Verdict{Reason: ReasonLanguageMismatch, DetectedLanguage: lang}
	}

	return Verdict{
		Accepted:         true,
		NormalizedText:   normalized,
		DetectedLanguage: lang,
	}
}

func (g *Gate) languageAllowed(lang string) bool {
	if len(g.languages) == 0 {
		return true
	}
	if lang == "" || lang == LanguageUnspecified {
		return g.allowUnspecified
	}
	_, ok := g.languages[lang]
	return ok
}

// Normalize applies NFC normalization and collapses runs of whitespace into
// single spaces.
func Normalize(text string) string {
	nfc := norm.NFC.String(text)
	return strings.Join(strings.Fields(nfc), " ")
}

func replacementRatio(text string) float64 {
	if text == "" {
		return 0
	}
	total, bad := 0, 0
	for _, r := range text {
		total++
		if r == utf8.RuneError {
			bad++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total)
}
