// Package enrich contains Enricher implementations. The noop enricher keeps
// the pipeline wiring uniform when no AI oracle is configured.
package enrich

import (
	"context"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// Noop returns empty enrichments.
type Noop struct{}

// NewNoop returns a Noop enricher.
func NewNoop() *Noop {
	return &Noop{}
}

// Enrich implements research.Enricher without doing anything.
func (Noop) Enrich(context.Context, string, []research.ScoredDocument) (research.Enrichment, error) {
	return research.Enrichment{}, nil
}
