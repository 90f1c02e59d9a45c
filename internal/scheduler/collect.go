package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivegrove/sourcepipe/internal/progress"
	"github.com/archivegrove/sourcepipe/internal/research"
)

// errDocLimit stops a collector once the query's document cap is reached. It
// travels back through Collect unchanged and is treated as success.
var errDocLimit = errors.New("document limit reached")

// taskResult is one connector's terminal contribution to a query.
type taskResult struct {
	status  research.ConnectorStatus
	docs    []research.RawDocument
	retries int
	errText string
	dur     time.Duration
}

// collect fans out one task per eligible connector with bounded concurrency
// and joins on all of them. The stage deadline cancels outstanding tasks; the
// pipeline then proceeds with whatever was already collected.
func (s *Service) collect(r *run, query research.ResearchQuery, eligible []research.Collector, logger *zap.Logger) []taskResult {
	collectCtx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryDeadline)
	defer cancel()

	// A user cancellation must stop in-flight connector calls promptly.
	go func() {
		select {
		case <-r.cancelCh:
			cancel()
		case <-collectCtx.Done():
		}
	}()

	limit := len(eligible)
	if limit > s.cfg.MaxConcurrentTasks {
		limit = s.cfg.MaxConcurrentTasks
	}

	results := make([]taskResult, len(eligible))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, col := range eligible {
		g.Go(func() error {
			if r.cancelRequested.Load() {
				results[i] = taskResult{status: research.ConnectorFailed, errText: reasonCancelled}
			} else {
				results[i] = s.runTask(collectCtx, query, col, logger)
			}
			s.finishTask(r, col.ID(), results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// finishTask folds one terminal task into the run state and publishes the
// refreshed collecting progress.
func (s *Service) finishTask(r *run, connectorID string, res taskResult) {
	now := s.deps.Clock.Now().UTC()
	state := r.update(now, func(st *research.PipelineState) {
		st.Counters.TasksFinished++
		st.Counters.DocsCollected += len(res.docs)
		st.Connectors.PerConnector[connectorID] = research.ConnectorResult{
			Status:    res.status,
			Documents: len(res.docs),
			Retries:   res.retries,
			Error:     res.errText,
		}
		if res.status == research.ConnectorSucceeded {
			st.Connectors.Succeeded++
		} else {
			st.Connectors.Failed++
		}
		st.Progress = progressFor(research.StageCollecting, st.Counters)
	})
	s.emit(progress.Event{
		QueryID:   state.QueryID,
		TS:        now,
		Kind:      progress.KindConnectorDone,
		Stage:     research.StageCollecting,
		Connector: connectorID,
		Outcome:   string(res.status),
		Progress:  state.Progress,
		Docs:      int64(len(res.docs)),
		Dur:       res.dur,
	})
}

// runTask executes one connector with rate limiting and bounded retries.
// Transient failures retry with backoff; permanent failures stop immediately.
// Documents collected before a timeout are kept (partial-result policy).
func (s *Service) runTask(ctx context.Context, query research.ResearchQuery, col research.Collector, logger *zap.Logger) taskResult {
	constraints := research.Constraints{
		MaxDocuments: query.MaxSources,
		Languages:    query.Languages,
		PeriodStart:  query.PeriodStart,
		PeriodEnd:    query.PeriodEnd,
	}

	start := s.deps.Clock.Now()
	var (
		docs    []research.RawDocument
		lastErr error
		retries int
	)
	for attempt := 1; ; attempt++ {
		lastErr = s.attemptCollect(ctx, query, constraints, col, &docs)
		if lastErr == nil {
			return taskResult{
				status:  research.ConnectorSucceeded,
				docs:    docs,
				retries: retries,
				dur:     s.deps.Clock.Now().Sub(start),
			}
		}
		if !s.deps.Retry.ShouldRetry(lastErr, attempt) {
			break
		}
		retries++
		logger.Debug("retrying connector",
			zap.String("connector", col.ID()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if err := sleepCtx(ctx, s.deps.Retry.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	return taskResult{
		status:  research.ConnectorFailed,
		docs:    docs,
		retries: retries,
		errText: lastErr.Error(),
		dur:     s.deps.Clock.Now().Sub(start),
	}
}

// attemptCollect performs a single rate-limited collection attempt. The docs
// slice is reset per attempt so retries do not double-count.
func (s *Service) attemptCollect(
	ctx context.Context,
	query research.ResearchQuery,
	constraints research.Constraints,
	col research.Collector,
	docs *[]research.RawDocument,
) error {
	if err := s.deps.Limiter.Acquire(ctx, col.ID()); err != nil {
		return err
	}

	*docs = (*docs)[:0]
	err := col.Collect(ctx, query, constraints, func(doc research.RawDocument) error {
		*docs = append(*docs, doc)
		if constraints.MaxDocuments > 0 && len(*docs) >= constraints.MaxDocuments {
			return errDocLimit
		}
		return nil
	})
	if err == nil || errors.Is(err, errDocLimit) {
		s.deps.Limiter.ReportSuccess(col.ID())
		return nil
	}
	if research.IsTransient(err) {
		s.deps.Limiter.ReportFailure(col.ID())
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
