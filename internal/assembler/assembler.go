// Package assembler merges scored, deduplicated documents into the final
// citation-ready research artifact. Assembly is pure and deterministic given
// its inputs; enrichment is layered on separately so the core merge stays
// directly unit-testable.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// Assembler builds artifacts from scored document sets.
type Assembler struct {
	enricher research.Enricher
	logger   *zap.Logger
}

// New constructs an Assembler. The enricher may be nil; artifacts are then
// assembled without summary enrichment.
func New(enricher research.Enricher, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{enricher: enricher, logger: logger}
}

// Assemble merges docs into an artifact: sources sorted by credibility
// descending (stable on ties by discovery order), one citation per document,
// and corpus-level analysis statistics.
func (a *Assembler) Assemble(query research.ResearchQuery, docs []research.ScoredDocument, now time.Time) research.Artifact {
	sources := append([]research.ScoredDocument(nil), docs...)
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Credibility != sources[j].Credibility {
			return sources[i].Credibility > sources[j].Credibility
		}
		return sources[i].DiscoveryIndex < sources[j].DiscoveryIndex
	})

	citations := make([]research.Citation, 0, len(sources))
	for _, doc := range sources {
		citations = append(citations, research.Citation{
			Author:     doc.Author,
			Title:      doc.Title,
			URL:        doc.SourceURL,
			AccessDate: now,
		})
	}

	return research.Artifact{
		QueryID:     query.ID,
		QueryText:   query.Text,
		Sources:     sources,
		Citations:   citations,
		Summary:     fmt.Sprintf("Found %d sources for query: %s", len(sources), query.Text),
		Analysis:    analyze(sources),
		AssembledAt: now,
	}
}

// Enrich asks the AI oracle for a summary and bias flags. Failure degrades
// gracefully: the artifact is returned unchanged.
func (a *Assembler) Enrich(ctx context.Context, artifact research.Artifact) research.Artifact {
	if a.enricher == nil {
		return artifact
	}
	enrichment, err := a.enricher.Enrich(ctx, artifact.QueryText, artifact.Sources)
	if err != nil {
		a.logger.Warn("artifact enrichment failed, returning unenriched artifact",
			zap.String("query_id", artifact.QueryID), zap.Error(err))
		return artifact
	}
	if enrichment.Summary != "" {
		artifact.Summary = enrichment.Summary
	}
	artifact.BiasFlags = enrichment.BiasFlags
	return artifact
}

func analyze(sources []research.ScoredDocument) research.AnalysisSummary {
	summary := research.AnalysisSummary{TotalSources: len(sources)}
	if len(sources) == 0 {
		return summary
	}
	var total float64
	seen := make(map[string]struct{})
	for _, doc := range sources {
		total += doc.Credibility
		st := string(doc.SourceType)
		if _, ok := seen[st]; !ok {
			seen[st] = struct{}{}
			summary.SourceTypes = append(summary.SourceTypes, st)
		}
	}
	sort.Strings(summary.SourceTypes)
	summary.AverageCredibility = total / float64(len(sources))
	return summary
}
