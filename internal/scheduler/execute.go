package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/dedup"
	"github.com/archivegrove/sourcepipe/internal/progress"
	"github.com/archivegrove/sourcepipe/internal/research"
)

// Failure reasons surfaced in PipelineState and the results API.
const (
	reasonCancelled     = "cancelled"
	reasonFatalPrefix   = "pipeline fatal"
	checkpointTimeout   = 10 * time.Second
	completionSucceeded = "completed"
	completionFailed    = "failed"
)

// execute drives one query through every stage. It runs on its own goroutine
// and is the only writer of the run's state.
func (s *Service) execute(r *run, query research.ResearchQuery) {
	// Terminal state is checkpointed before the run leaves the registry, so
	// Status falls back to the store without a gap.
	defer s.runs.remove(r.queryID)
	defer close(r.done)
	start := s.deps.Clock.Now().UTC()
	logger := s.deps.Logger.With(zap.String("query_id", query.ID))

	s.emit(progress.Event{QueryID: query.ID, TS: start, Kind: progress.KindQueryStart, Stage: research.StagePending})

	eligible := s.eligibleCollectors(query)
	if len(eligible) == 0 {
		s.fail(r, query, start, fmt.Sprintf("%s: no connectors configured for query", reasonFatalPrefix), logger)
		return
	}

	s.advance(r, research.StageCollecting, func(st *research.PipelineState) {
		st.Counters.TasksTotal = len(eligible)
	}, logger)

	results := s.collect(r, query, eligible, logger)
	if r.cancelRequested.Load() {
		s.fail(r, query, start, reasonCancelled, logger)
		return
	}

	raw := flattenResults(eligible, results)

	s.advance(r, research.StageValidating, nil, logger)
	candidates := s.validate(r, query, raw)
	if r.cancelRequested.Load() {
		s.fail(r, query, start, reasonCancelled, logger)
		return
	}

	// Zero usable documents is only fatal when a connector failure makes the
	// emptiness ambiguous; an honestly empty result set still completes.
	if len(candidates) == 0 && r.Snapshot().Connectors.Failed > 0 {
		s.fail(r, query, start,
			fmt.Sprintf("%s: no documents survived validation and %d connector(s) failed",
				reasonFatalPrefix, r.Snapshot().Connectors.Failed),
			logger)
		return
	}

	s.advance(r, research.StageScoring, nil, logger)
	scored, err := s.deps.Deduper.Process(candidates)
	if err != nil {
		s.fail(r, query, start, fmt.Sprintf("%s: scoring failed: %v", reasonFatalPrefix, err), logger)
		return
	}
	scored = capSources(scored, query.MaxSources)
	s.updateCounters(r, func(c *research.StageCounters) {
		c.DocsScored = len(scored)
	})

	s.advance(r, research.StageAssembling, nil, logger)
	now := s.deps.Clock.Now().UTC()
	artifact := s.deps.Assembler.Assemble(query, scored, now)

	enrichCtx, cancel := context.WithTimeout(context.Background(), s.cfg.EnrichTimeout)
	artifact = s.deps.Assembler.Enrich(enrichCtx, artifact)
	cancel()

	artifactRef := s.persistArtifact(artifact, logger)

	finishedAt := s.deps.Clock.Now().UTC()
	final := r.update(finishedAt, func(st *research.PipelineState) {
		st.Stage = research.StageCompleted
		st.Progress = 1
		st.SourcesFound = len(artifact.Sources)
		st.Summary = artifact.Summary
		st.ArtifactRef = artifactRef
		st.Completed = &finishedAt
	})
	s.checkpoint(final, logger)
	s.publishCompletion(query.ID, completionSucceeded, final, logger)

	s.emit(progress.Event{
		QueryID:  query.ID,
		TS:       finishedAt,
		Kind:     progress.KindQueryDone,
		Stage:    research.StageCompleted,
		Outcome:  string(research.ConnectorSucceeded),
		Progress: 1,
		Docs:     int64(len(artifact.Sources)),
		Dur:      finishedAt.Sub(start),
	})
	logger.Info("query completed",
		zap.Int("sources", len(artifact.Sources)),
		zap.Duration("dur", finishedAt.Sub(start)))
}

// advance moves the run to the next stage, applies extra mutations, and
// checkpoints the transition.
func (s *Service) advance(r *run, stage research.Stage, extra func(*research.PipelineState), logger *zap.Logger) {
	now := s.deps.Clock.Now().UTC()
	state := r.update(now, func(st *research.PipelineState) {
		st.Stage = stage
		if extra != nil {
			extra(st)
		}
		st.Progress = progressFor(stage, st.Counters)
	})
	s.checkpoint(state, logger)
	s.emit(progress.Event{
		QueryID:  state.QueryID,
		TS:       now,
		Kind:     progress.KindStageAdvance,
		Stage:    stage,
		Progress: state.Progress,
	})
}

func (s *Service) updateCounters(r *run, mutate func(*research.StageCounters)) {
	now := s.deps.Clock.Now().UTC()
	r.update(now, func(st *research.PipelineState) {
		mutate(&st.Counters)
	})
}

// fail moves the run to the terminal Failed stage with the given reason.
func (s *Service) fail(r *run, query research.ResearchQuery, start time.Time, reason string, logger *zap.Logger) {
	now := s.deps.Clock.Now().UTC()
	final := r.update(now, func(st *research.PipelineState) {
		st.Stage = research.StageFailed
		st.FailureReason = reason
		st.Completed = &now
	})
	s.checkpoint(final, logger)
	s.publishCompletion(query.ID, completionFailed, final, logger)
	s.emit(progress.Event{
		QueryID:  query.ID,
		TS:       now,
		Kind:     progress.KindQueryError,
		Stage:    research.StageFailed,
		Outcome:  string(research.ConnectorFailed),
		Reason:   reason,
		Progress: final.Progress,
		Dur:      now.Sub(start),
	})
	logger.Warn("query failed", zap.String("reason", reason))
}

// validate folds every raw document through the quality gate, counting
// rejections without ever failing the query over them.
func (s *Service) validate(r *run, query research.ResearchQuery, raw []research.RawDocument) []dedup.Candidate {
	gate := s.gateFor(query)
	now := s.deps.Clock.Now().UTC()

	candidates := make([]dedup.Candidate, 0, len(raw))
	accepted, rejected := 0, 0
	for i, doc := range raw {
		verdict := gate.Validate(doc)
		if !verdict.Accepted {
			rejected++
			s.emit(progress.Event{
				QueryID:   query.ID,
				TS:        now,
				Kind:      progress.KindDocRejected,
				Stage:     research.StageValidating,
				Connector: doc.ConnectorID,
				Reason:    string(verdict.Reason),
			})
			continue
		}
		accepted++
		candidates = append(candidates, dedup.Candidate{
			Raw:            doc,
			NormalizedText: verdict.NormalizedText,
			Language:       verdict.DetectedLanguage,
			DiscoveryIndex: i,
		})
		s.emit(progress.Event{
			QueryID:   query.ID,
			TS:        now,
			Kind:      progress.KindDocAccepted,
			Stage:     research.StageValidating,
			Connector: doc.ConnectorID,
		})
	}
	s.updateCounters(r, func(c *research.StageCounters) {
		c.DocsValidated = accepted
		c.DocsRejected = rejected
	})
	return candidates
}

func (s *Service) eligibleCollectors(query research.ResearchQuery) []research.Collector {
	out := make([]research.Collector, 0, len(s.deps.Collectors))
	for _, col := range s.deps.Collectors {
		if query.AllowsSourceType(col.SourceType()) {
			out = append(out, col)
		}
	}
	return out
}

// flattenResults concatenates per-connector documents in connector order so
// discovery indexes are deterministic regardless of task interleaving.
func flattenResults(eligible []research.Collector, results []taskResult) []research.RawDocument {
	var raw []research.RawDocument
	for i := range eligible {
		raw = append(raw, results[i].docs...)
	}
	return raw
}

// capSources trims the scored set to the query's cap, keeping the highest
// credibility documents (earliest discovery on ties).
func capSources(scored []research.ScoredDocument, maxSources int) []research.ScoredDocument {
	if maxSources <= 0 || len(scored) <= maxSources {
		return scored
	}
	trimmed := append([]research.ScoredDocument(nil), scored...)
	sort.SliceStable(trimmed, func(i, j int) bool {
		if trimmed[i].Credibility != trimmed[j].Credibility {
			return trimmed[i].Credibility > trimmed[j].Credibility
		}
		return trimmed[i].DiscoveryIndex < trimmed[j].DiscoveryIndex
	})
	trimmed = trimmed[:maxSources]
	sort.SliceStable(trimmed, func(i, j int) bool {
		return trimmed[i].DiscoveryIndex < trimmed[j].DiscoveryIndex
	})
	return trimmed
}

// persistArtifact stores the artifact and, when a blob store is configured,
// uploads the JSON rendering and returns its URI.
func (s *Service) persistArtifact(artifact research.Artifact, logger *zap.Logger) string {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := s.deps.States.SaveArtifact(ctx, artifact); err != nil {
		logger.Error("save artifact failed", zap.Error(err))
	}
	if s.deps.Blobs == nil {
		return ""
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		logger.Error("marshal artifact for blob store failed", zap.Error(err))
		return ""
	}
	uri, err := s.deps.Blobs.PutObject(ctx,
		fmt.Sprintf("%s/%s.json", s.cfg.ArtifactPrefix, artifact.QueryID),
		"application/json", bytes.NewReader(payload))
	if err != nil {
		logger.Error("upload artifact failed", zap.Error(err))
		return ""
	}
	return uri
}

func (s *Service) checkpoint(state research.PipelineState, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := s.deps.States.SaveState(ctx, state); err != nil {
		logger.Error("checkpoint state failed",
			zap.String("stage", string(state.Stage)), zap.Error(err))
	}
}

// publishCompletion emits a terminal event to the configured topic.
func (s *Service) publishCompletion(queryID, status string, state research.PipelineState, logger *zap.Logger) {
	if s.deps.Publisher == nil || s.cfg.CompletionTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	payload := map[string]any{
		"query_id":       queryID,
		"status":         status,
		"stage":          state.Stage,
		"sources_found":  state.SourcesFound,
		"failure_reason": state.FailureReason,
		"completed_at":   state.Completed,
	}
	if _, err := s.deps.Publisher.Publish(ctx, s.cfg.CompletionTopic, payload); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}
