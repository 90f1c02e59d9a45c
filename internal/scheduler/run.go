package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/archivegrove/sourcepipe/internal/research"
)

// Progress weights per §stage blend: Collecting earns half the bar
// proportionally to finished tasks; the three post-collection stages split
// the rest evenly.
const (
	collectWeight   = 0.5
	postStageWeight = (1.0 - collectWeight) / 3.0
)

// run is the scheduler's mutable execution record for one query. The working
// state is guarded by mu; pollers read the atomically published snapshot.
type run struct {
	queryID string

	mu    sync.Mutex
	state research.PipelineState

	snapshot atomic.Pointer[research.PipelineState]

	cancelRequested atomic.Bool
	cancelCh        chan struct{}
	cancelOnce      sync.Once

	done chan struct{}
}

func newRun(query research.ResearchQuery, now time.Time) *run {
	r := &run{
		queryID:  query.ID,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		state: research.PipelineState{
			QueryID:   query.ID,
			Stage:     research.StagePending,
			Submitted: now,
			Updated:   now,
			Connectors: research.ConnectorCounts{
				PerConnector: make(map[string]research.ConnectorResult),
			},
		},
	}
	r.publishLocked()
	return r
}

// Snapshot returns the last published state copy.
func (r *run) Snapshot() research.PipelineState {
	if snap := r.snapshot.Load(); snap != nil {
		return snap.Clone()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// RequestCancel flags the run for cancellation; execute observes the flag and
// moves the query to Failed{Cancelled}.
func (r *run) RequestCancel() {
	r.cancelRequested.Store(true)
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// update mutates the working state under lock and publishes a fresh snapshot.
// Progress is clamped to be non-decreasing.
func (r *run) update(now time.Time, mutate func(*research.PipelineState)) research.PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	prevProgress := r.state.Progress
	mutate(&r.state)
	if r.state.Progress < prevProgress {
		r.state.Progress = prevProgress
	}
	if r.state.Progress > 1 {
		r.state.Progress = 1
	}
	r.state.Updated = now
	r.publishLocked()
	return r.state.Clone()
}

func (r *run) publishLocked() {
	snap := r.state.Clone()
	r.snapshot.Store(&snap)
}

// progressFor computes the blended progress value for a stage given the
// collection task counters.
func progressFor(stage research.Stage, counters research.StageCounters) float64 {
	collected := 1.0
	if stage == research.StageCollecting {
		if counters.TasksTotal > 0 {
			collected = float64(counters.TasksFinished) / float64(counters.TasksTotal)
		} else {
			collected = 0
		}
	}
	switch stage {
	case research.StagePending:
		return 0
	case research.StageCollecting:
		return collectWeight * collected
	case research.StageValidating:
		return collectWeight
	case research.StageScoring:
		return collectWeight + postStageWeight
	case research.StageAssembling:
		return collectWeight + 2*postStageWeight
	case research.StageCompleted:
		return 1
	default:
		return 0
	}
}

// runRegistry tracks live runs by query ID.
type runRegistry struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*run)}
}

func (g *runRegistry) add(r *run) {
	g.mu.Lock()
	g.runs[r.queryID] = r
	g.mu.Unlock()
}

func (g *runRegistry) remove(queryID string) {
	g.mu.Lock()
	delete(g.runs, queryID)
	g.mu.Unlock()
}

func (g *runRegistry) get(queryID string) (*run, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runs[queryID]
	return r, ok
}

func (g *runRegistry) all() []*run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*run, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, r)
	}
	return out
}
