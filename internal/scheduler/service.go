// Package scheduler drives research queries through the pipeline state
// machine: Pending → Collecting → Validating → Scoring → Assembling →
// Completed, with terminal Failed reachable from any non-terminal stage. The
// scheduler owns each query's PipelineState; pollers only ever read published
// snapshots.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archivegrove/sourcepipe/internal/assembler"
	"github.com/archivegrove/sourcepipe/internal/dedup"
	"github.com/archivegrove/sourcepipe/internal/progress"
	"github.com/archivegrove/sourcepipe/internal/quality"
	"github.com/archivegrove/sourcepipe/internal/research"
)

// Config controls scheduler behavior.
type Config struct {
	// MaxConcurrentTasks caps concurrent collection tasks per query; the
	// effective bound is min(connector count, MaxConcurrentTasks) (default 8).
	MaxConcurrentTasks int
	// QueryDeadline bounds the Collecting stage; on expiry outstanding tasks
	// are cancelled and the pipeline proceeds with partial results (default 5m).
	QueryDeadline time.Duration
	// DefaultMaxSources applies when a query does not set its own cap
	// (default 50).
	DefaultMaxSources int
	// MinConfidence is the quality gate's extraction-confidence floor.
	MinConfidence float64
	// AllowUnspecifiedLanguage admits documents whose language cannot be
	// detected even when the query restricts languages.
	AllowUnspecifiedLanguage bool
	// CompletionTopic, when set, receives a completion event per terminal
	// query via the Publisher.
	CompletionTopic string
	// EnrichTimeout bounds the optional AI enrichment call (default 30s).
	EnrichTimeout time.Duration
	// ArtifactPrefix namespaces blob store object keys (default "artifacts").
	ArtifactPrefix string
}

// Deps carries the scheduler's injected collaborators. Collectors are passed
// explicitly at construction; there is no ambient registry.
type Deps struct {
	Collectors []research.Collector
	Deduper    *dedup.Deduper
	Assembler  *assembler.Assembler
	Limiter    research.RateLimiter
	Retry      *research.ExponentialRetryPolicy
	States     research.StateStore
	Blobs      research.BlobStore
	Publisher  research.Publisher
	Emitter    progress.Emitter
	Clock      research.Clock
	IDs        research.IDGenerator
	Logger     *zap.Logger
}

// Service executes research queries.
type Service struct {
	cfg  Config
	deps Deps

	runs *runRegistry
}

// New builds a scheduler Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Deduper == nil {
		return nil, fmt.Errorf("deduper is required")
	}
	if deps.Assembler == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if deps.States == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Retry == nil {
		deps.Retry = research.NewExponentialRetryPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 8
	}
	if cfg.QueryDeadline <= 0 {
		cfg.QueryDeadline = 5 * time.Minute
	}
	if cfg.DefaultMaxSources <= 0 {
		cfg.DefaultMaxSources = 50
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 30 * time.Second
	}
	if cfg.ArtifactPrefix == "" {
		cfg.ArtifactPrefix = "artifacts"
	}
	return &Service{
		cfg:  cfg,
		deps: deps,
		runs: newRunRegistry(),
	}, nil
}

// SubmitRequest is the caller's input for a new query.
type SubmitRequest struct {
	Text        string
	PeriodStart string
	PeriodEnd   string
	Region      string
	SourceTypes []research.SourceType
	Languages   []string
	MaxSources  int
}

// Submit registers a query in Pending state and starts its pipeline. It
// returns the query ID immediately; execution continues in the background.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", fmt.Errorf("query text is required")
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate query id: %w", err)
	}
	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = s.cfg.DefaultMaxSources
	}
	now := s.deps.Clock.Now().UTC()
	query := research.ResearchQuery{
		ID:          id,
		Text:        text,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		Region:      req.Region,
		SourceTypes: req.SourceTypes,
		Languages:   req.Languages,
		MaxSources:  maxSources,
		Created:     now,
	}

	run := newRun(query, now)
	if err := s.deps.States.SaveState(ctx, run.Snapshot()); err != nil {
		return "", fmt.Errorf("save initial state: %w", err)
	}
	s.runs.add(run)

	go s.execute(run, query)
	return id, nil
}

// Status returns the latest published snapshot for a query. It never blocks
// on pipeline execution.
func (s *Service) Status(ctx context.Context, queryID string) (research.PipelineState, error) {
	if run, ok := s.runs.get(queryID); ok {
		return run.Snapshot(), nil
	}
	state, err := s.deps.States.LoadState(ctx, queryID)
	if err != nil {
		return research.PipelineState{}, err
	}
	return state, nil
}

// FailedError reports a query that reached the Failed stage.
type FailedError struct {
	QueryID string
	Reason  string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("query %s failed: %s", e.QueryID, e.Reason)
}

// Result returns the assembled artifact for a completed query,
// research.ErrNotReady while the pipeline is still running, or a *FailedError
// for failed queries.
func (s *Service) Result(ctx context.Context, queryID string) (research.Artifact, error) {
	state, err := s.Status(ctx, queryID)
	if err != nil {
		return research.Artifact{}, err
	}
	switch state.Stage {
	case research.StageCompleted:
		return s.deps.States.LoadArtifact(ctx, queryID)
	case research.StageFailed:
		return research.Artifact{}, &FailedError{QueryID: queryID, Reason: state.FailureReason}
	default:
		return research.Artifact{}, fmt.Errorf("query %s at stage %s: %w", queryID, state.Stage, research.ErrNotReady)
	}
}

// Cancel requests cancellation of a running query. Cancelling a query that
// already reached a terminal stage is a no-op.
func (s *Service) Cancel(ctx context.Context, queryID string) error {
	if run, ok := s.runs.get(queryID); ok {
		run.RequestCancel()
		return nil
	}
	state, err := s.deps.States.LoadState(ctx, queryID)
	if err != nil {
		return err
	}
	if !state.Stage.Terminal() {
		// Known but not live: a restart lost the goroutine. Nothing to stop.
		s.deps.Logger.Warn("cancel requested for non-live query", zap.String("query_id", queryID))
	}
	return nil
}

// ListFilter constrains List output.
type ListFilter struct {
	Stage  research.Stage
	Limit  int
	Offset int
}

// List returns known query states, newest submission first. Live runs shadow
// their persisted checkpoints.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]research.PipelineState, error) {
	stored, err := s.deps.States.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	byID := make(map[string]research.PipelineState, len(stored))
	for _, state := range stored {
		byID[state.QueryID] = state
	}
	for _, run := range s.runs.all() {
		byID[run.queryID] = run.Snapshot()
	}

	out := make([]research.PipelineState, 0, len(byID))
	for _, state := range byID {
		if filter.Stage != "" && state.Stage != filter.Stage {
			continue
		}
		out = append(out, state)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].Submitted.After(out[j].Submitted)
		}
		return out[i].QueryID < out[j].QueryID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close cancels every live run and waits for them to reach a terminal stage.
func (s *Service) Close(ctx context.Context) error {
	runs := s.runs.all()
	for _, run := range runs {
		run.RequestCancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler close wait: %w", ctx.Err())
		}
	}
	return nil
}

func (s *Service) gateFor(query research.ResearchQuery) *quality.Gate {
	return quality.New(quality.Config{
		MinConfidence:    s.cfg.MinConfidence,
		Languages:        query.Languages,
		AllowUnspecified: s.cfg.AllowUnspecifiedLanguage || len(query.Languages) == 0,
	})
}

func (s *Service) emit(evt progress.Event) {
	if s.deps.Emitter == nil {
		return
	}
	s.deps.Emitter.Emit(evt)
}
