// Package scheduler paces planned units through the credential pool.
// It owns every throttle, backoff, and rotation decision: the executor
// underneath performs single calls and classifies failures, nothing
// more.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/planner"
	"github.com/civicdata/acs-harvest/pkg/quota"
)

// Prometheus metrics for scheduling operations.
var (
	schedulerDispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_dispatches_total",
		Help: "Units dispatched to the executor",
	})

	schedulerSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_checkpoint_skips_total",
		Help: "Units skipped because a checkpoint already covers them",
	})

	schedulerRequeuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_requeues_total",
		Help: "Units requeued after a credential was invalidated",
	})

	schedulerUnitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_unit_failures_total",
		Help: "Units that terminally failed, by failure kind",
	}, []string{"kind"})
)

// RunStatus is a run's overall outcome.
type RunStatus string

const (
	// StatusCompleted means every planned unit is checkpointed.
	StatusCompleted RunStatus = "completed"

	// StatusPartial means some units failed terminally but the run
	// finished its queue.
	StatusPartial RunStatus = "partial"

	// StatusBlocked means quota ran out with units still pending. The
	// run is resumable: completed units are checkpointed.
	StatusBlocked RunStatus = "blocked"
)

// UnitFailure records one unit's terminal failure.
type UnitFailure struct {
	UnitID string
	Kind   string
	Err    error
}

// Outcome summarizes a run.
type Outcome struct {
	Status    RunStatus
	Planned   int
	Skipped   int
	Completed int
	Pending   int
	Failures  []UnitFailure
}

// Executor performs one data request for a unit on a given credential.
type Executor interface {
	Execute(ctx context.Context, unit planner.FetchUnit, key string) ([]fetch.Row, error)
}

// CheckpointStore answers and records unit completion.
type CheckpointStore interface {
	Contains(id string) bool
	Record(ctx context.Context, id string) error
}

// ResultSink durably stores a unit's rows and run bookkeeping.
type ResultSink interface {
	AppendRows(ctx context.Context, unit planner.FetchUnit, rows []fetch.Row) error
	LogOutcome(ctx context.Context, unitID, status string, rowsWritten int, errMsg string) error
}

// Config holds scheduler configuration.
type Config struct {
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{Retry: DefaultRetryConfig()}
}

// Scheduler runs one lane per credential over a shared ordered queue.
// Within a lane units execute in planning order; across lanes there is
// no ordering guarantee.
type Scheduler struct {
	pool   *quota.Pool
	exec   Executor
	ckpt   CheckpointStore
	sink   ResultSink
	config Config
	logger zerolog.Logger
}

// New creates a scheduler over the given pool and stores.
func New(pool *quota.Pool, exec Executor, ckpt CheckpointStore, sink ResultSink, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pool:   pool,
		exec:   exec,
		ckpt:   ckpt,
		sink:   sink,
		config: cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// unitQueue is the shared ordered work queue. Requeued units go to the
// front so they run before fresh work on whichever lane picks them up.
type unitQueue struct {
	mu    sync.Mutex
	items []planner.FetchUnit
}

func newUnitQueue(units []planner.FetchUnit) *unitQueue {
	q := &unitQueue{items: make([]planner.FetchUnit, len(units))}
	copy(q.items, units)
	return q
}

func (q *unitQueue) pop() (planner.FetchUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return planner.FetchUnit{}, false
	}
	u := q.items[0]
	q.items = q.items[1:]
	return u, true
}

func (q *unitQueue) pushFront(u planner.FetchUnit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]planner.FetchUnit{u}, q.items...)
}

func (q *unitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// tally accumulates per-run counters across lanes.
type tally struct {
	mu        sync.Mutex
	skipped   int
	completed int
	failures  []UnitFailure
}

func (t *tally) skip() {
	t.mu.Lock()
	t.skipped++
	t.mu.Unlock()
	schedulerSkipsTotal.Inc()
}

func (t *tally) complete() {
	t.mu.Lock()
	t.completed++
	t.mu.Unlock()
}

func (t *tally) fail(unitID, kind string, err error) {
	t.mu.Lock()
	t.failures = append(t.failures, UnitFailure{UnitID: unitID, Kind: kind, Err: err})
	t.mu.Unlock()
	schedulerUnitFailuresTotal.WithLabelValues(kind).Inc()
}

// Run drains the planned units through the pool. Cancellation stops new
// dispatch immediately; in-flight calls finish so sink and checkpoint
// stay consistent.
func (s *Scheduler) Run(ctx context.Context, units []planner.FetchUnit) Outcome {
	queue := newUnitQueue(units)
	res := &tally{}

	s.logger.Info().
		Int("planned_units", len(units)).
		Int("lanes", len(s.pool.Keys())).
		Msg("Run starting")

	var wg sync.WaitGroup
	for _, key := range s.pool.Keys() {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			s.lane(ctx, key, queue, res)
		}(key)
	}
	wg.Wait()

	out := Outcome{
		Planned:   len(units),
		Skipped:   res.skipped,
		Completed: res.completed,
		Pending:   queue.len(),
		Failures:  res.failures,
	}
	switch {
	case out.Pending > 0:
		out.Status = StatusBlocked
	case len(out.Failures) > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusCompleted
	}

	s.logger.Info().
		Str("status", string(out.Status)).
		Int("completed", out.Completed).
		Int("skipped", out.Skipped).
		Int("pending", out.Pending).
		Int("failed", len(out.Failures)).
		Msg("Run finished")

	return out
}

// lane serializes one credential's dispatches. It exits when the queue
// drains, the context is cancelled, or its credential is exhausted
// under a fail-fast pool.
func (s *Scheduler) lane(ctx context.Context, key string, queue *unitQueue, res *tally) {
	logger := s.logger.With().Str("lane", laneLabel(key)).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		unit, ok := queue.pop()
		if !ok {
			return
		}

		if s.ckpt.Contains(unit.ID()) {
			res.skip()
			continue
		}

		err := s.dispatch(ctx, key, unit, logger)
		switch {
		case err == nil:
			res.complete()

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			queue.pushFront(unit)
			return

		case fetch.IsRateLimited(err):
			// The provider's signal outranks the local counter.
			s.pool.MarkExhausted(key)
			queue.pushFront(unit)
			schedulerRequeuesTotal.Inc()
			logger.Warn().
				Str("unit_id", unit.ID()).
				Msg("Credential burned by 429, unit requeued")
			if !s.parkUntilReset(ctx, key, logger) {
				return
			}

		case errors.Is(err, quota.ErrCredentialExhausted):
			queue.pushFront(unit)
			if !s.parkUntilReset(ctx, key, logger) {
				return
			}

		case fetch.IsMalformed(err):
			res.fail(unit.ID(), "malformed", err)
			logger.Error().
				Err(err).
				Str("unit_id", unit.ID()).
				Msg("Malformed response, unit abandoned")
			s.logOutcome(unit.ID(), "malformed", 0, err)

		default:
			// Transient budget exhausted or a sink/checkpoint failure.
			res.fail(unit.ID(), "partial_failure", err)
			logger.Error().
				Err(err).
				Str("unit_id", unit.ID()).
				Msg("Unit failed after retries")
			s.logOutcome(unit.ID(), "failed", 0, err)
		}
	}
}

// dispatch runs one unit end to end: reserve budget, execute, write
// rows, then checkpoint. Rows always reach the sink before the
// checkpoint records the unit.
func (s *Scheduler) dispatch(ctx context.Context, key string, unit planner.FetchUnit, logger zerolog.Logger) error {
	var rows []fetch.Row

	err := retryTransient(ctx, s.config.Retry, logger, func() error {
		// Each attempt is one real request, so each reserves budget.
		if err := s.pool.Reserve(ctx, key); err != nil {
			return err
		}
		schedulerDispatchesTotal.Inc()

		got, err := s.exec.Execute(ctx, unit, key)
		if err != nil {
			return err
		}
		rows = got
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.sink.AppendRows(ctx, unit, rows); err != nil {
		return err
	}
	if err := s.ckpt.Record(ctx, unit.ID()); err != nil {
		return err
	}

	points := 0
	for _, r := range rows {
		points += len(r.Cells)
	}
	s.logOutcome(unit.ID(), "success", points, nil)

	logger.Debug().
		Str("unit_id", unit.ID()).
		Int("rows", len(rows)).
		Msg("Unit completed")

	return nil
}

// parkUntilReset waits out the lane credential's window under a waiting
// pool. Returns false when the lane should exit instead.
func (s *Scheduler) parkUntilReset(ctx context.Context, key string, logger zerolog.Logger) bool {
	if s.pool.Policy() != quota.BlockPolicyWait {
		return false
	}

	reset := s.pool.ResetAt(key)
	if reset.IsZero() {
		return false
	}
	wait := time.Until(reset)
	if wait <= 0 {
		return true
	}

	logger.Info().
		Time("reset_at", reset).
		Dur("wait", wait).
		Msg("Lane parked until window reset")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// logOutcome records a unit's terminal state; failures here only cost
// bookkeeping.
func (s *Scheduler) logOutcome(unitID, status string, rows int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if logErr := s.sink.LogOutcome(ctx, unitID, status, rows, msg); logErr != nil {
		s.logger.Warn().Err(logErr).Str("unit_id", unitID).Msg("Failed to log unit outcome")
	}
}

// laneLabel shortens a key for log fields.
func laneLabel(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
