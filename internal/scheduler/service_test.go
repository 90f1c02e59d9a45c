package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archivegrove/sourcepipe/internal/assembler"
	"github.com/archivegrove/sourcepipe/internal/clock/system"
	"github.com/archivegrove/sourcepipe/internal/dedup"
	"github.com/archivegrove/sourcepipe/internal/hash/sha256"
	"github.com/archivegrove/sourcepipe/internal/id/uuid"
	memorypub "github.com/archivegrove/sourcepipe/internal/publisher/memory"
	"github.com/archivegrove/sourcepipe/internal/ratelimit"
	"github.com/archivegrove/sourcepipe/internal/research"
	"github.com/archivegrove/sourcepipe/internal/storage/memory"
)

type fakeCollector struct {
	id         string
	sourceType research.SourceType
	collect    func(ctx context.Context, query research.ResearchQuery, constraints research.Constraints, emit func(research.RawDocument) error) error
}

func (f *fakeCollector) ID() string                      { return f.id }
func (f *fakeCollector) SourceType() research.SourceType { return f.sourceType }

func (f *fakeCollector) Collect(ctx context.Context, query research.ResearchQuery, constraints research.Constraints, emit func(research.RawDocument) error) error {
	return f.collect(ctx, query, constraints, emit)
}

func emitDocs(id string, sourceType research.SourceType, docs ...research.RawDocument) func(context.Context, research.ResearchQuery, research.Constraints, func(research.RawDocument) error) error {
	return func(_ context.Context, _ research.ResearchQuery, _ research.Constraints, emit func(research.RawDocument) error) error {
		for _, doc := range docs {
			doc.ConnectorID = id
			doc.SourceType = sourceType
			if err := emit(doc); err != nil {
				return err
			}
		}
		return nil
	}
}

func doc(url, title, text string) research.RawDocument {
	return research.RawDocument{SourceURL: url, Title: title, Text: text, Author: "A. Historian", Date: "1850"}
}

func newTestService(t *testing.T, cfg Config, collectors ...research.Collector) (*Service, *memory.StateStore) {
	t.Helper()
	hasher := sha256.New()
	states := memory.NewStateStore()
	if cfg.QueryDeadline == 0 {
		cfg.QueryDeadline = 5 * time.Second
	}
	svc, err := New(cfg, Deps{
		Collectors: collectors,
		Deduper:    dedup.New(dedup.Config{}, hasher, dedup.NewScorer(dedup.ScoreConfig{})),
		Assembler:  assembler.New(nil, nil),
		Limiter:    ratelimit.New(ratelimit.Config{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
		Retry:      research.NewRetryPolicy(2, time.Millisecond, 4*time.Millisecond),
		States:     states,
		Clock:      system.New(),
		IDs:        uuid.New(),
	})
	require.NoError(t, err)
	return svc, states
}

func waitTerminal(t *testing.T, svc *Service, queryID string) research.PipelineState {
	t.Helper()
	var state research.PipelineState
	require.Eventually(t, func() bool {
		var err error
		state, err = svc.Status(context.Background(), queryID)
		require.NoError(t, err)
		return state.Stage.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return state
}

// TestPipelineCompletesWithPartialConnectorFailure runs the canonical
// three-connector scenario: two succeed with overlapping documents, one
// exhausts retries, and the query still completes with deduplicated sources.
func TestPipelineCompletesWithPartialConnectorFailure(t *testing.T) {
	t.Parallel()

	okA := &fakeCollector{id: "academic-index", sourceType: research.SourceAcademic}
	okA.collect = emitDocs(okA.id, okA.sourceType,
		doc("https://a.example.edu/1", "Guild Records of Bergen", "Detailed guild membership rolls from Bergen covering the fifteenth century."),
		doc("https://a.example.edu/2", "Stockfish Export Ledgers", "Ledgers describing stockfish exports to London and Boston."),
		doc("https://a.example.edu/3", "Kontor Correspondence", "Letters between the Bergen kontor and Lubeck merchants."),
		doc("https://a.example.edu/4", "Hanse Diet Proceedings", "Proceedings of the Hanseatic diet meetings at Lubeck."),
		doc("https://a.example.edu/5", "Baltic Toll Registers", "Toll registers from the Oresund recording Baltic traffic."),
	)
	okB := &fakeCollector{id: "archive-org", sourceType: research.SourceArchive}
	okB.collect = emitDocs(okB.id, okB.sourceType,
		// Same title and text as okA's first document: a cross-connector duplicate.
		doc("https://a.example.edu/1", "Guild Records of Bergen", "Detailed guild membership rolls from Bergen covering the fifteenth century."),
		doc("https://archive.example.org/2", "Port Customs of Danzig", "Customs accounts from the port of Danzig."),
		doc("https://archive.example.org/3", "Novgorod Trade Treaty", "Treaty text regulating trade with Novgorod."),
	)
	failing := &fakeCollector{id: "web-scrape", sourceType: research.SourceWeb}
	failing.collect = func(_ context.Context, _ research.ResearchQuery, _ research.Constraints, _ func(research.RawDocument) error) error {
		return research.Transient("web-scrape", errors.New("upstream timeout"))
	}

	svc, _ := newTestService(t, Config{}, okA, okB, failing)

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "hanseatic league trade"})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	require.Equal(t, 1.0, state.Progress)
	require.Equal(t, 7, state.SourcesFound)
	require.Equal(t, 2, state.Connectors.Succeeded)
	require.Equal(t, 1, state.Connectors.Failed)
	require.Equal(t, "Found 7 sources for query: hanseatic league trade", state.Summary)

	webResult := state.Connectors.PerConnector["web-scrape"]
	require.Equal(t, research.ConnectorFailed, webResult.Status)
	require.Positive(t, webResult.Retries)

	artifact, err := svc.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, artifact.Sources, 7)
	require.Len(t, artifact.Citations, 7)
	// Sources are ordered by credibility descending.
	for i := 1; i < len(artifact.Sources); i++ {
		require.GreaterOrEqual(t, artifact.Sources[i-1].Credibility, artifact.Sources[i].Credibility)
	}
}

// TestZeroConnectorsFailsImmediately covers the empty connector list edge.
func TestZeroConnectorsFailsImmediately(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{})
	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "anything"})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageFailed, state.Stage)
	require.Contains(t, state.FailureReason, "pipeline fatal")

	_, err = svc.Result(context.Background(), id)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	require.Contains(t, failed.Reason, "pipeline fatal")
}

// TestAllPermanentFailuresAreFatal verifies that a query with only permanent
// connector failures fails while still reporting per-connector counts.
func TestAllPermanentFailuresAreFatal(t *testing.T) {
	t.Parallel()

	perm := func(id string, st research.SourceType) *fakeCollector {
		c := &fakeCollector{id: id, sourceType: st}
		c.collect = func(context.Context, research.ResearchQuery, research.Constraints, func(research.RawDocument) error) error {
			return research.Permanent(id, errors.New("malformed query"))
		}
		return c
	}
	svc, _ := newTestService(t, Config{},
		perm("academic-index", research.SourceAcademic),
		perm("archive-org", research.SourceArchive))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "doomed"})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageFailed, state.Stage)
	require.Contains(t, state.FailureReason, "pipeline fatal")
	require.Equal(t, 0, state.Connectors.Succeeded)
	require.Equal(t, 2, state.Connectors.Failed)
	// Permanent failures are never retried.
	for _, res := range state.Connectors.PerConnector {
		require.Zero(t, res.Retries)
	}
}

// TestGarbledConnectorCountsAsSuccess: a connector whose documents all fail
// the quality gate is still a connector success, contributing zero sources.
func TestGarbledConnectorCountsAsSuccess(t *testing.T) {
	t.Parallel()

	lowConf := 0.1
	garbled := &fakeCollector{id: "archive-org", sourceType: research.SourceArchive}
	garbled.collect = func(_ context.Context, _ research.ResearchQuery, _ research.Constraints, emit func(research.RawDocument) error) error {
		return emit(research.RawDocument{
			SourceURL:   "https://archive.example.org/bad",
			Title:       "Scan",
			Text:        "barely legible text",
			ConnectorID: "archive-org",
			SourceType:  research.SourceArchive,
			Confidence:  &lowConf,
		})
	}
	healthy := &fakeCollector{id: "academic-index", sourceType: research.SourceAcademic}
	healthy.collect = emitDocs(healthy.id, healthy.sourceType,
		doc("https://a.example.edu/1", "Readable Source", "A perfectly readable scholarly abstract."))

	svc, _ := newTestService(t, Config{}, garbled, healthy)
	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "q"})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	require.Equal(t, 2, state.Connectors.Succeeded)
	require.Equal(t, 0, state.Connectors.Failed)
	require.Equal(t, 1, state.SourcesFound)
	require.Equal(t, 1, state.Counters.DocsRejected)
}

// TestCancellationMidCollecting cancels a query while a connector is blocked
// and expects a prompt Failed{cancelled} transition.
func TestCancellationMidCollecting(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	blocking := &fakeCollector{id: "web-scrape", sourceType: research.SourceWeb}
	blocking.collect = func(ctx context.Context, _ research.ResearchQuery, _ research.Constraints, _ func(research.RawDocument) error) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	svc, _ := newTestService(t, Config{QueryDeadline: time.Minute}, blocking)
	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "q"})
	require.NoError(t, err)

	<-started
	require.NoError(t, svc.Cancel(context.Background(), id))

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageFailed, state.Stage)
	require.Equal(t, "cancelled", state.FailureReason)
}

// TestProgressIsMonotonic polls status throughout a staggered run and checks
// progress never decreases.
func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	staggered := func(id string, delay time.Duration) *fakeCollector {
		c := &fakeCollector{id: id, sourceType: research.SourceWeb}
		c.collect = func(ctx context.Context, _ research.ResearchQuery, _ research.Constraints, emit func(research.RawDocument) error) error {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			return emit(research.RawDocument{
				SourceURL:   "https://" + id + ".example.com/1",
				Title:       "Doc from " + id,
				Text:        "Content contributed by " + id + " for the monotonic progress check.",
				ConnectorID: id,
				SourceType:  research.SourceWeb,
			})
		}
		return c
	}
	svc, _ := newTestService(t, Config{},
		staggered("web-a", 10*time.Millisecond),
		staggered("web-b", 30*time.Millisecond),
		staggered("web-c", 60*time.Millisecond))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "q"})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		readings []float64
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			state, err := svc.Status(context.Background(), id)
			if err != nil {
				return
			}
			mu.Lock()
			readings = append(readings, state.Progress)
			mu.Unlock()
			if state.Stage.Terminal() {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, readings)
	for i := 1; i < len(readings); i++ {
		require.GreaterOrEqual(t, readings[i], readings[i-1],
			"progress regressed at poll %d: %v", i, readings)
	}
	require.Equal(t, 1.0, readings[len(readings)-1])
}

// TestTransientFailureRetriesThenSucceeds verifies the retry loop reports the
// retry count on an eventually successful connector.
func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int
	flaky := &fakeCollector{id: "archive-org", sourceType: research.SourceArchive}
	flaky.collect = func(_ context.Context, _ research.ResearchQuery, _ research.Constraints, emit func(research.RawDocument) error) error {
		calls++
		if calls == 1 {
			return research.Transient("archive-org", errors.New("503 from upstream"))
		}
		return emit(research.RawDocument{
			SourceURL:   "https://archive.example.org/1",
			Title:       "Recovered Doc",
			Text:        "Document fetched on the second attempt.",
			ConnectorID: "archive-org",
			SourceType:  research.SourceArchive,
		})
	}

	svc, _ := newTestService(t, Config{}, flaky)
	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "q"})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	res := state.Connectors.PerConnector["archive-org"]
	require.Equal(t, research.ConnectorSucceeded, res.Status)
	require.Equal(t, 1, res.Retries)
	require.Equal(t, 1, state.SourcesFound)
}

// TestResultNotReadyWhileRunning checks the non-terminal Result contract.
func TestResultNotReadyWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := &fakeCollector{id: "web-scrape", sourceType: research.SourceWeb}
	slow.collect = func(ctx context.Context, _ research.ResearchQuery, _ research.Constraints, _ func(research.RawDocument) error) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	svc, _ := newTestService(t, Config{}, slow)
	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "q"})
	require.NoError(t, err)

	_, err = svc.Result(context.Background(), id)
	require.ErrorIs(t, err, research.ErrNotReady)

	close(release)
	waitTerminal(t, svc, id)
}

// TestMaxSourcesCapStopsCollection verifies the document cap stops a
// connector mid-production without marking it failed.
func TestMaxSourcesCapStopsCollection(t *testing.T) {
	t.Parallel()

	prolific := &fakeCollector{id: "archive-org", sourceType: research.SourceArchive}
	prolific.collect = func(_ context.Context, _ research.ResearchQuery, _ research.Constraints, emit func(research.RawDocument) error) error {
		for i := 0; ; i++ {
			err := emit(research.RawDocument{
				SourceURL:   fmt.Sprintf("https://archive.example.org/%d", i),
				Title:       fmt.Sprintf("Unique Record %d", i),
				Text:        fmt.Sprintf("Record number %d with entirely distinct content about topic %d.", i, i),
				ConnectorID: "archive-org",
				SourceType:  research.SourceArchive,
			})
			if err != nil {
				return err
			}
		}
	}

	svc, _ := newTestService(t, Config{}, prolific)
	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "q", MaxSources: 3})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	require.Equal(t, research.ConnectorSucceeded, state.Connectors.PerConnector["archive-org"].Status)
	require.Equal(t, 3, state.SourcesFound)
}

// TestSourceTypeFilterSelectsConnectors ensures only matching connectors run.
func TestSourceTypeFilterSelectsConnectors(t *testing.T) {
	t.Parallel()

	academic := &fakeCollector{id: "academic-index", sourceType: research.SourceAcademic}
	academic.collect = emitDocs(academic.id, academic.sourceType,
		doc("https://a.example.edu/1", "Scholarly Work", "An academic abstract."))
	web := &fakeCollector{id: "web-scrape", sourceType: research.SourceWeb}
	web.collect = func(context.Context, research.ResearchQuery, research.Constraints, func(research.RawDocument) error) error {
		t.Error("web connector should not run for an academic-only query")
		return nil
	}

	svc, _ := newTestService(t, Config{}, academic, web)
	id, err := svc.Submit(context.Background(), SubmitRequest{
		Text:        "q",
		SourceTypes: []research.SourceType{research.SourceAcademic},
	})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	require.Equal(t, 1, state.Counters.TasksTotal)
	require.Equal(t, 1, state.SourcesFound)
}

// TestListReturnsNewestFirst covers the list endpoint's ordering and filters.
func TestListReturnsNewestFirst(t *testing.T) {
	t.Parallel()

	quick := &fakeCollector{id: "archive-org", sourceType: research.SourceArchive}
	quick.collect = emitDocs(quick.id, quick.sourceType,
		doc("https://archive.example.org/1", "Doc", "Some content for listing."))

	svc, _ := newTestService(t, Config{}, quick)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := svc.Submit(context.Background(), SubmitRequest{Text: fmt.Sprintf("query %d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
		waitTerminal(t, svc, id)
	}

	states, err := svc.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, states, 3)
	for i := 1; i < len(states); i++ {
		require.False(t, states[i-1].Submitted.Before(states[i].Submitted))
	}

	completed, err := svc.List(context.Background(), ListFilter{Stage: research.StageCompleted, Limit: 2})
	require.NoError(t, err)
	require.Len(t, completed, 2)

	none, err := svc.List(context.Background(), ListFilter{Stage: research.StageFailed})
	require.NoError(t, err)
	require.Empty(t, none)
	_ = ids
}

// TestSubmitRejectsEmptyText validates intake.
func TestSubmitRejectsEmptyText(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{})
	_, err := svc.Submit(context.Background(), SubmitRequest{Text: "   "})
	require.Error(t, err)
}

// TestStatusUnknownQuery returns ErrNotFound.
func TestStatusUnknownQuery(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, Config{})
	_, err := svc.Status(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, research.ErrNotFound)
}

// TestCompletionEventPublished verifies terminal queries emit one event to
// the configured topic, for success and failure alike.
func TestCompletionEventPublished(t *testing.T) {
	t.Parallel()

	ok := &fakeCollector{id: "academic-index", sourceType: research.SourceAcademic}
	ok.collect = emitDocs(ok.id, ok.sourceType,
		doc("https://a.example.edu/1", "Guild Records of Bergen", "Detailed guild membership rolls from Bergen covering the fifteenth century."),
	)
	pub := memorypub.New()
	svc, err := New(
		Config{QueryDeadline: 5 * time.Second, CompletionTopic: "research-done"},
		Deps{
			Collectors: []research.Collector{ok},
			Deduper:    dedup.New(dedup.Config{}, sha256.New(), dedup.NewScorer(dedup.ScoreConfig{})),
			Assembler:  assembler.New(nil, nil),
			Limiter:    ratelimit.New(ratelimit.Config{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
			Retry:      research.NewRetryPolicy(2, time.Millisecond, 4*time.Millisecond),
			States:     memory.NewStateStore(),
			Publisher:  pub,
			Clock:      system.New(),
			IDs:        uuid.New(),
		})
	require.NoError(t, err)

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "hanseatic trade"})
	require.NoError(t, err)
	waitTerminal(t, svc, id)

	require.Eventually(t, func() bool {
		return len(pub.ByTopic("research-done")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	evt := pub.ByTopic("research-done")[0]
	payload, okCast := evt.Payload.(map[string]any)
	require.True(t, okCast)
	require.Equal(t, id, payload["query_id"])
	require.Equal(t, "completed", payload["status"])
	require.Equal(t, 1, payload["sources_found"])
}

// TestQueryDeadlineKeepsPartialResults covers the stage deadline policy: a
// connector that emits documents and then hangs is cancelled at the deadline,
// marked failed, and the documents it already produced still reach the
// artifact.
func TestQueryDeadlineKeepsPartialResults(t *testing.T) {
	t.Parallel()

	slow := &fakeCollector{id: "slow-web", sourceType: research.SourceWeb}
	slow.collect = func(ctx context.Context, _ research.ResearchQuery, _ research.Constraints, emit func(research.RawDocument) error) error {
		docs := []research.RawDocument{
			doc("https://slow.example.com/1", "Harbor Dues of Visby", "Accounts of the harbor dues collected at Visby for the crown."),
			doc("https://slow.example.com/2", "Salt Trade Privileges", "Privileges granted to the salt traders of Luneburg by the town council."),
		}
		for _, d := range docs {
			d.ConnectorID = slow.id
			d.SourceType = slow.sourceType
			if err := emit(d); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}

	svc, _ := newTestService(t, Config{QueryDeadline: 150 * time.Millisecond}, slow)

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "baltic trade"})
	require.NoError(t, err)

	state := waitTerminal(t, svc, id)
	require.Equal(t, research.StageCompleted, state.Stage)
	require.Empty(t, state.FailureReason)
	require.Equal(t, 2, state.SourcesFound)
	require.Equal(t, 0, state.Connectors.Succeeded)
	require.Equal(t, 1, state.Connectors.Failed)
	require.Equal(t, 2, state.Connectors.PerConnector["slow-web"].Documents)

	artifact, err := svc.Result(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, artifact.Sources, 2)
}
