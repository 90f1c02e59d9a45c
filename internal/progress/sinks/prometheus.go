package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archivegrove/sourcepipe/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns all
// collectors for queries started/completed/running, stage transitions, and
// per-connector document counters.
type PrometheusSink struct {
	queriesStarted   prometheus.Counter
	queriesCompleted *prometheus.CounterVec
	queriesRunning   prometheus.Gauge
	queryRuntime     *prometheus.HistogramVec

	stageAdvances *prometheus.CounterVec

	connectorRuns *prometheus.CounterVec
	docsAccepted  *prometheus.CounterVec
	docsRejected  *prometheus.CounterVec

	tracker *queryTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		queriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcepipe_queries_started_total",
			Help: "Total research queries that have started.",
		}),
		queriesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcepipe_queries_completed_total",
			Help: "Total research queries finished partitioned by result.",
		}, []string{"result"}),
		queriesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sourcepipe_queries_running",
			Help: "Current number of in-flight research queries.",
		}),
		queryRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcepipe_query_runtime_seconds",
			Help:    "Wall time per finished research query.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		stageAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcepipe_stage_advances_total",
			Help: "Stage transitions partitioned by destination stage.",
		}, []string{"stage"}),
		connectorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcepipe_connector_runs_total",
			Help: "Connector completions partitioned by connector and outcome.",
		}, []string{"connector", "outcome"}),
		docsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcepipe_docs_accepted_total",
			Help: "Documents that passed the quality gate per connector.",
		}, []string{"connector"}),
		docsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcepipe_docs_rejected_total",
			Help: "Documents rejected by the quality gate partitioned by connector and reason.",
		}, []string{"connector", "reason"}),
		tracker: newQueryTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.queriesStarted,
		s.queriesCompleted,
		s.queriesRunning,
		s.queryRuntime,
		s.stageAdvances,
		s.connectorRuns,
		s.docsAccepted,
		s.docsRejected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindQueryStart, progress.KindQueryDone, progress.KindQueryError:
		s.handleQueryEvent(evt)
	case progress.KindStageAdvance:
		s.stageAdvances.WithLabelValues(string(evt.Stage)).Inc()
	case progress.KindConnectorDone:
		s.handleConnectorEvent(evt)
	case progress.KindDocAccepted:
		s.docsAccepted.WithLabelValues(connectorLabel(evt)).Inc()
	case progress.KindDocRejected:
		reason := evt.Reason
		if reason == "" {
			reason = "unknown"
		}
		s.docsRejected.WithLabelValues(connectorLabel(evt), reason).Inc()
	}
}

func (s *PrometheusSink) handleQueryEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindQueryStart:
		s.queriesStarted.Inc()
		if s.tracker.start(evt.QueryID) {
			s.queriesRunning.Inc()
		}
	case progress.KindQueryDone:
		s.queriesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.KindQueryError:
		s.queriesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Kind != progress.KindQueryStart && s.tracker.complete(evt.QueryID) {
		s.queriesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.queryRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleConnectorEvent(evt progress.Event) {
	outcome := evt.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	s.connectorRuns.WithLabelValues(connectorLabel(evt), outcome).Inc()
}

func connectorLabel(evt progress.Event) string {
	if evt.Connector == "" {
		return "unknown"
	}
	return evt.Connector
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type queryTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newQueryTracker() *queryTracker {
	return &queryTracker{running: make(map[string]struct{})}
}

func (t *queryTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *queryTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
