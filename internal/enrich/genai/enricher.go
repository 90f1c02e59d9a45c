// Package genai implements the artifact enrichment oracle on Google's Gemini
// API. It asks the model for a corpus summary and bias flags; any failure is
// absorbed by the caller, which keeps the unenriched artifact.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/archivegrove/sourcepipe/internal/research"
)

const (
	defaultModel = "gemini-2.0-flash"

	// maxDocsInPrompt bounds the excerpt list sent to the model.
	maxDocsInPrompt = 20
	// maxExcerptRunes bounds each document excerpt.
	maxExcerptRunes = 400
)

// Config controls the Gemini enricher.
type Config struct {
	APIKey string
	Model  string
}

// Enricher asks Gemini for a summary and bias assessment of the corpus.
type Enricher struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed Enricher.
func New(ctx context.Context, cfg Config) (*Enricher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Enricher{client: client, model: model}, nil
}

// Enrich implements research.Enricher.
func (e *Enricher) Enrich(ctx context.Context, queryText string, docs []research.ScoredDocument) (research.Enrichment, error) {
	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(buildPrompt(queryText, docs)), nil)
	if err != nil {
		return research.Enrichment{}, fmt.Errorf("generate enrichment: %w", err)
	}
	return parseEnrichment(resp.Text())
}

func buildPrompt(queryText string, docs []research.ScoredDocument) string {
	var b strings.Builder
	b.WriteString("You are assisting a historical-source research pipeline.\n")
	b.WriteString("Research query: ")
	b.WriteString(queryText)
	b.WriteString("\n\nSource excerpts:\n")
	for i, doc := range docs {
		if i >= maxDocsInPrompt {
			break
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, doc.SourceType, doc.Title, excerpt(doc.Text))
	}
	b.WriteString("\nRespond with a single JSON object, no prose, of the form\n")
	b.WriteString(`{"summary": "<two-sentence summary of what the sources cover>", "bias_flags": [<zero or more of "colonial","religious","political","cultural","temporal","gender","regional">]}`)
	return b.String()
}

func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) <= maxExcerptRunes {
		return text
	}
	return string(runes[:maxExcerptRunes]) + "…"
}

var knownFlags = map[research.BiasFlag]struct{}{
	research.BiasColonial:  {},
	research.BiasReligious: {},
	research.BiasPolitical: {},
	research.BiasCultural:  {},
	research.BiasTemporal:  {},
	research.BiasGender:    {},
	research.BiasRegional:  {},
}

// parseEnrichment decodes the model output, tolerating markdown code fences
// and discarding flags outside the taxonomy.
func parseEnrichment(raw string) (research.Enrichment, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload struct {
		Summary   string   `json:"summary"`
		BiasFlags []string `json:"bias_flags"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return research.Enrichment{}, fmt.Errorf("decode enrichment response: %w", err)
	}

	enrichment := research.Enrichment{Summary: strings.TrimSpace(payload.Summary)}
	for _, flag := range payload.BiasFlags {
		bf := research.BiasFlag(strings.ToLower(strings.TrimSpace(flag)))
		if _, ok := knownFlags[bf]; ok {
			enrichment.BiasFlags = append(enrichment.BiasFlags, bf)
		}
	}
	return enrichment, nil
}
