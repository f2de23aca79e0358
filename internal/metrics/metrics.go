package metrics

import "sync/atomic"

// Metrics captures shared operational counters for ingest and fusion.
type Metrics struct {
	queueLength   int64
	queueCapacity int64
	workerCount   int64

	eventsIngested  int64
	eventsDropped   int64
	eventsMalformed int64
	windowsSealed   int64

	runsCompleted int64
	runsFailed    int64
	runsSkipped   int64
	escalations   int64
	validatorErrs int64
	tokensSpent   int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	QueueLength   int `json:"queue_length"`
	QueueCapacity int `json:"queue_capacity"`
	WorkerCount   int `json:"worker_count"`

	EventsIngested  int64 `json:"events_ingested"`
	EventsDropped   int64 `json:"events_dropped"`
	EventsMalformed int64 `json:"events_malformed"`
	WindowsSealed   int64 `json:"windows_sealed"`

	RunsCompleted   int64 `json:"runs_completed"`
	RunsFailed      int64 `json:"runs_failed"`
	RunsSkipped     int64 `json:"runs_skipped"`
	Escalations     int64 `json:"escalations"`
	ValidatorErrors int64 `json:"validator_errors"`
	TokensSpent     int64 `json:"tokens_spent"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// UpdateQueue records the current fusion queue stats.
func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
	atomic.StoreInt64(&m.queueCapacity, int64(capacity))
	atomic.StoreInt64(&m.workerCount, int64(workers))
}

// RecordIngest counts one accepted event.
func (m *Metrics) RecordIngest() { atomic.AddInt64(&m.eventsIngested, 1) }

// RecordDropped counts one event dropped for missing consent.
func (m *Metrics) RecordDropped() { atomic.AddInt64(&m.eventsDropped, 1) }

// RecordMalformed counts one event skipped as malformed.
func (m *Metrics) RecordMalformed() { atomic.AddInt64(&m.eventsMalformed, 1) }

// RecordWindowSealed counts one sealed aggregation window.
func (m *Metrics) RecordWindowSealed() { atomic.AddInt64(&m.windowsSealed, 1) }

// RecordRun increments the counter matching a run's terminal status.
func (m *Metrics) RecordRun(status string) {
	switch status {
	case "completed":
		atomic.AddInt64(&m.runsCompleted, 1)
	case "failed":
		atomic.AddInt64(&m.runsFailed, 1)
	case "skipped_budget":
		atomic.AddInt64(&m.runsSkipped, 1)
	}
}

// RecordEscalation counts one validator escalation attempt.
func (m *Metrics) RecordEscalation() { atomic.AddInt64(&m.escalations, 1) }

// RecordValidatorError counts one failed or timed-out validator call.
func (m *Metrics) RecordValidatorError() { atomic.AddInt64(&m.validatorErrs, 1) }

// RecordTokens adds committed validator tokens.
func (m *Metrics) RecordTokens(n int64) { atomic.AddInt64(&m.tokensSpent, n) }

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		QueueLength:     int(atomic.LoadInt64(&m.queueLength)),
		QueueCapacity:   int(atomic.LoadInt64(&m.queueCapacity)),
		WorkerCount:     int(atomic.LoadInt64(&m.workerCount)),
		EventsIngested:  atomic.LoadInt64(&m.eventsIngested),
		EventsDropped:   atomic.LoadInt64(&m.eventsDropped),
		EventsMalformed: atomic.LoadInt64(&m.eventsMalformed),
		WindowsSealed:   atomic.LoadInt64(&m.windowsSealed),
		RunsCompleted:   atomic.LoadInt64(&m.runsCompleted),
		RunsFailed:      atomic.LoadInt64(&m.runsFailed),
		RunsSkipped:     atomic.LoadInt64(&m.runsSkipped),
		Escalations:     atomic.LoadInt64(&m.escalations),
		ValidatorErrors: atomic.LoadInt64(&m.validatorErrs),
		TokensSpent:     atomic.LoadInt64(&m.tokensSpent),
	}
}
