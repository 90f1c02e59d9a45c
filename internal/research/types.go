// Package research defines core types shared across subsystems.
package research

import (
	"time"
)

// Stage represents a phase of the pipeline state machine. Transitions are
// one-directional; Completed and Failed are terminal.
type Stage string

// Pipeline stages persisted in the state store.
const (
	StagePending    Stage = "pending"
	StageCollecting Stage = "collecting"
	StageValidating Stage = "validating"
	StageScoring    Stage = "scoring"
	StageAssembling Stage = "assembling"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// SourceType classifies where a connector draws its documents from.
type SourceType string

// Known source types, ordered roughly by default trust.
const (
	SourceAcademic SourceType = "academic"
	SourcePrimary  SourceType = "primary"
	SourceArchive  SourceType = "archive"
	SourceWeb      SourceType = "web"
)

// ResearchQuery captures a submitted research request. Immutable once created;
// owned by the scheduler for its lifetime.
type ResearchQuery struct {
	ID          string       `json:"id"`
	Text        string       `json:"query"`
	PeriodStart string       `json:"time_period_start,omitempty"`
	PeriodEnd   string       `json:"time_period_end,omitempty"`
	Region      string       `json:"geographical_region,omitempty"`
	SourceTypes []SourceType `json:"source_types,omitempty"`
	Languages   []string     `json:"languages,omitempty"`
	MaxSources  int          `json:"max_sources"`
	Created     time.Time    `json:"created_at"`
}

// AllowsSourceType reports whether the query's source-type filter admits t.
// An empty filter admits everything.
func (q ResearchQuery) AllowsSourceType(t SourceType) bool {
	if len(q.SourceTypes) == 0 {
		return true
	}
	for _, st := range q.SourceTypes {
		if st == t {
			return true
		}
	}
	return false
}

// Constraints bound what a single Collect call may produce.
type Constraints struct {
	MaxDocuments int
	Languages    []string
	PeriodStart  string
	PeriodEnd    string
}

// RawDocument is a connector's unvalidated output. Ephemeral; never persisted
// past the quality gate.
type RawDocument struct {
	SourceURL   string
	Title       string
	Text        string
	Language    string
	Author      string
	Date        string
	ConnectorID string
	SourceType  SourceType
	// Confidence is the source-reported extraction confidence in [0,1];
	// nil when the source does not report one (non-OCR paths).
	Confidence *float64
}

// BiasFlag tags a document with a detected bias category.
type BiasFlag string

// Bias categories recognized by the enrichment oracle.
const (
	BiasColonial  BiasFlag = "colonial"
	BiasReligious BiasFlag = "religious"
	BiasPolitical BiasFlag = "political"
	BiasCultural  BiasFlag = "cultural"
	BiasTemporal  BiasFlag = "temporal"
	BiasGender    BiasFlag = "gender"
	BiasRegional  BiasFlag = "regional"
)

// ScoredDocument is a validated, deduplicated, credibility-scored document.
type ScoredDocument struct {
	SourceURL   string     `json:"source_url"`
	Title       string     `json:"title"`
	Text        string     `json:"text"`
	Language    string     `json:"language,omitempty"`
	Author      string     `json:"author,omitempty"`
	Date        string     `json:"date,omitempty"`
	ConnectorID string     `json:"connector_id"`
	SourceType  SourceType `json:"source_type"`
	Credibility float64    `json:"credibility_score"`
	BiasFlags   []BiasFlag `json:"bias_flags,omitempty"`
	ClusterID   string     `json:"cluster_id"`
	WordCount   int        `json:"word_count"`
	Checksum    string     `json:"checksum"`
	// DiscoveryIndex orders documents by arrival for deterministic tie-breaks.
	DiscoveryIndex int `json:"discovery_index"`
}

// Citation is the citation-ready record assembled per document.
type Citation struct {
	Author     string    `json:"author,omitempty"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	AccessDate time.Time `json:"access_date"`
}

// AnalysisSummary aggregates corpus-level statistics for the artifact.
type AnalysisSummary struct {
	TotalSources       int      `json:"total_sources"`
	AverageCredibility float64  `json:"average_credibility"`
	SourceTypes        []string `json:"source_types"`
}

// Artifact is the final assembled, citation-ready research result.
type Artifact struct {
	QueryID     string           `json:"query_id"`
	QueryText   string           `json:"query"`
	Sources     []ScoredDocument `json:"sources"`
	Citations   []Citation       `json:"citations"`
	Summary     string           `json:"summary"`
	BiasFlags   []BiasFlag       `json:"bias_flags,omitempty"`
	Analysis    AnalysisSummary  `json:"analysis_summary"`
	AssembledAt time.Time        `json:"assembled_at"`
}

// ConnectorStatus is the terminal sub-state of a collection task.
type ConnectorStatus string

// Terminal connector outcomes reported in status.
const (
	ConnectorSucceeded ConnectorStatus = "succeeded"
	ConnectorFailed    ConnectorStatus = "failed"
)

// ConnectorResult records one connector's contribution to a query.
type ConnectorResult struct {
	Status    ConnectorStatus `json:"status"`
	Documents int             `json:"documents"`
	Retries   int             `json:"retries"`
	Error     string          `json:"error,omitempty"`
}

// ConnectorCounts summarizes connector outcomes; reported to the caller
// regardless of the overall query outcome.
type ConnectorCounts struct {
	Succeeded    int                        `json:"succeeded"`
	Failed       int                        `json:"failed"`
	PerConnector map[string]ConnectorResult `json:"per_connector,omitempty"`
}

// StageCounters tracks per-stage completion used for progress blending.
type StageCounters struct {
	TasksTotal    int `json:"tasks_total"`
	TasksFinished int `json:"tasks_finished"`
	DocsCollected int `json:"docs_collected"`
	DocsValidated int `json:"docs_validated"`
	DocsRejected  int `json:"docs_rejected"`
	DocsScored    int `json:"docs_scored"`
}

// PipelineState is the pollable snapshot of a query's execution. Mutated only
// by the scheduler; readers receive a published copy, never a live reference.
type PipelineState struct {
	QueryID       string          `json:"query_id"`
	Stage         Stage           `json:"stage"`
	Progress      float64         `json:"progress"`
	Counters      StageCounters   `json:"counters"`
	Connectors    ConnectorCounts `json:"connector_counts"`
	SourcesFound  int             `json:"sources_found"`
	Summary       string          `json:"results_summary,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	ArtifactRef   string          `json:"artifact_ref,omitempty"`
	Submitted     time.Time       `json:"submitted_at"`
	Updated       time.Time       `json:"updated_at"`
	Completed     *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to publish to pollers.
func (s PipelineState) Clone() PipelineState {
	cp := s
	if s.Connectors.PerConnector != nil {
		cp.Connectors.PerConnector = make(map[string]ConnectorResult, len(s.Connectors.PerConnector))
		for k, v := range s.Connectors.PerConnector {
			cp.Connectors.PerConnector[k] = v
		}
	}
	if s.Completed != nil {
		t := *s.Completed
		cp.Completed = &t
	}
	return cp
}

// Extraction is the OCR boundary's output for a single input.
type Extraction struct {
	Text       string
	Confidence float64
	Language   string
}

// Enrichment is the AI oracle's optional contribution to an artifact.
type Enrichment struct {
	Summary   string
	BiasFlags []BiasFlag
}
