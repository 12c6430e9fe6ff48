/*
Package recalc runs the engine's deferred work: order evaluation,
rule recalculation, and the daily rule-expiry sweep.

PURPOSE (queue.go):
  A typed in-process work queue with at-least-once semantics. Jobs
  carry a key; jobs sharing a key land on the same worker and are
  therefore serialized (two recalculations of the same rule can never
  interleave), while jobs with different keys run in parallel across
  the worker pool.

RETRIES:
  Retryable failures (engine.IsRetryable) are retried with bounded
  backoff. Exhausted or non-retryable jobs land on the dead-letter
  list for manual reconciliation - a failed commission posting is
  flagged, never silently lost.
*/
package recalc

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/engine"
)

// =============================================================================
// JOBS - Typed units of deferred work
// =============================================================================

type Job interface {
	// Key routes the job: equal keys are processed serially.
	Key() string
	// Kind names the job type for logging.
	Kind() string
}

// EvaluateOrderJob runs rule evaluation over one order, fire-and-forget
// after order placement. Rules narrows evaluation to specific rules;
// empty means all active rules.
type EvaluateOrderJob struct {
	Order engine.OrderID
	Rules []engine.RuleID
}

func (j EvaluateOrderJob) Key() string  { return "order:" + string(j.Order) }
func (j EvaluateOrderJob) Kind() string { return "evaluate_order" }

// RecalculateRuleJob purges the rule's still-pending postings and
// replays affected orders against the new latest version.
type RecalculateRuleJob struct {
	Rule   engine.RuleID
	Window *engine.Window
}

func (j RecalculateRuleJob) Key() string  { return "rule:" + string(j.Rule) }
func (j RecalculateRuleJob) Kind() string { return "recalculate_rule" }

// PurgeVersionsJob removes pending postings for superseded rule
// versions with no replay (rule delete path).
type PurgeVersionsJob struct {
	Rule     engine.RuleID
	Versions []engine.RuleVersionID
}

func (j PurgeVersionsJob) Key() string  { return "rule:" + string(j.Rule) }
func (j PurgeVersionsJob) Kind() string { return "purge_versions" }

// PurgeOrderJob removes a canceled order's pending postings.
type PurgeOrderJob struct {
	Order engine.OrderID
}

func (j PurgeOrderJob) Key() string  { return "order:" + string(j.Order) }
func (j PurgeOrderJob) Kind() string { return "purge_order" }

// =============================================================================
// QUEUE
// =============================================================================

type Handler func(ctx context.Context, job Job) error

// DeadJob records a job that exhausted its attempts.
type DeadJob struct {
	Job      Job
	Err      error
	Attempts int
	At       time.Time
}

type Queue struct {
	Handler    Handler
	Log        *zap.Logger
	MaxRetries int           // attempts beyond the first; default 3
	Backoff    time.Duration // base backoff, grows linearly; default 200ms

	chans    []chan Job
	wg       sync.WaitGroup
	inflight sync.WaitGroup

	// mu guards stopped and channel closure: Enqueue sends under the
	// read lock, Stop closes under the write lock, so a send can never
	// race a close. Workers only ever touch deadMu, so a send blocked
	// on a full channel cannot deadlock the pool.
	mu      sync.RWMutex
	stopped bool

	deadMu sync.Mutex
	dead   []DeadJob
}

func NewQueue(workers int, handler Handler, log *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		Handler:    handler,
		Log:        log,
		MaxRetries: 3,
		Backoff:    200 * time.Millisecond,
		chans:      make([]chan Job, workers),
	}
	for i := range q.chans {
		q.chans[i] = make(chan Job, 256)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for _, ch := range q.chans {
		q.wg.Add(1)
		go q.run(ch)
	}
	q.Log.Info("queue started", zap.Int("workers", len(q.chans)))
}

// Stop drains and shuts down the workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, ch := range q.chans {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.Log.Info("queue stopped")
}

// Enqueue routes the job to its key's worker. Jobs enqueued after
// Stop are dropped with a warning.
func (q *Queue) Enqueue(job Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		q.Log.Warn("job dropped, queue stopped", zap.String("kind", job.Kind()), zap.String("key", job.Key()))
		return
	}

	h := fnv.New32a()
	h.Write([]byte(job.Key()))
	q.inflight.Add(1)
	q.chans[int(h.Sum32())%len(q.chans)] <- job
}

func (q *Queue) run(ch chan Job) {
	defer q.wg.Done()
	for job := range ch {
		q.process(job)
		q.inflight.Done()
	}
}

func (q *Queue) process(job Job) {
	ctx := context.Background()
	attempts := 0

	for {
		attempts++
		err := q.Handler(ctx, job)
		if err == nil {
			return
		}

		if !engine.IsRetryable(err) || attempts > q.MaxRetries {
			q.Log.Error("job failed, dead-lettered",
				zap.String("kind", job.Kind()),
				zap.String("key", job.Key()),
				zap.Int("attempts", attempts),
				zap.Error(err))
			q.deadMu.Lock()
			q.dead = append(q.dead, DeadJob{Job: job, Err: err, Attempts: attempts, At: time.Now()})
			q.deadMu.Unlock()
			return
		}

		q.Log.Warn("job failed, retrying",
			zap.String("kind", job.Kind()),
			zap.String("key", job.Key()),
			zap.Int("attempt", attempts),
			zap.Error(err))
		time.Sleep(q.Backoff * time.Duration(attempts))
	}
}

// DeadLetters returns jobs that permanently failed, for the
// reconciliation surface.
func (q *Queue) DeadLetters() []DeadJob {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	out := make([]DeadJob, len(q.dead))
	copy(out, q.dead)
	return out
}

// Wait blocks until every enqueued job has been processed.
func (q *Queue) Wait() {
	q.inflight.Wait()
}
