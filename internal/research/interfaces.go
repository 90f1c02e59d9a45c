package research

import (
	"context"
	"io"
	"time"
)

// Collector is the uniform contract over heterogeneous source connectors.
// Collect produces a finite sequence of RawDocument through emit; returning a
// non-nil error from emit stops production. Implementations must honor ctx
// cancellation and stop promptly. Failures are reported as *ConnectorError so
// the scheduler can distinguish transient from permanent conditions.
type Collector interface {
	ID() string
	SourceType() SourceType
	Collect(ctx context.Context, query ResearchQuery, constraints Constraints, emit func(RawDocument) error) error
}

// StateStore persists pipeline state and assembled artifacts. The core
// pipeline assumes nothing about the storage technology behind it.
type StateStore interface {
	SaveState(ctx context.Context, state PipelineState) error
	LoadState(ctx context.Context, queryID string) (PipelineState, error)
	ListStates(ctx context.Context) ([]PipelineState, error)
	SaveArtifact(ctx context.Context, artifact Artifact) error
	LoadArtifact(ctx context.Context, queryID string) (Artifact, error)
}

// BlobStore writes serialized artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Extractor is the OCR/text-extraction boundary. Internals are a black box;
// only the extract contract matters here.
type Extractor interface {
	Extract(ctx context.Context, file []byte) (Extraction, error)
}

// Enricher is the optional AI summarization/bias oracle. Failure degrades
// gracefully; the artifact is still assembled without enrichment.
type Enricher interface {
	Enrich(ctx context.Context, queryText string, docs []ScoredDocument) (Enrichment, error)
}

// Hasher computes digests for fingerprints and checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces query IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RateLimiter grants per-source request slots and tracks backoff.
type RateLimiter interface {
	Acquire(ctx context.Context, sourceID string) error
	ReportSuccess(sourceID string)
	ReportFailure(sourceID string)
}
