package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "clawloop/commandqueue"

var (
	// ErrClosed is returned for tasks enqueued after Close.
	ErrClosed = errors.New("command queue closed")
	// ErrDuplicate is returned when a request id was already seen within the
	// dedup window.
	ErrDuplicate = errors.New("duplicate request")
)

// Task is one unit of work run inside a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes a single Enqueue call.
type TaskOptions struct {
	// RequestID, when set, makes the task idempotent within the dedup window.
	RequestID string
	// WarnAfter logs a warning when the task waited longer than this.
	WarnAfter time.Duration
}

// Config configures a Queue.
type Config struct {
	DedupTTL time.Duration
	Logger   zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// Queue runs tasks one at a time per lane, in FIFO order. Lanes are created
// on demand and dropped once idle.
type Queue struct {
	logger zerolog.Logger
	dedup  *dedupCache

	mu        sync.Mutex
	lanes     map[string]*laneState
	depth     int
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Queue.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()
	return &Queue{
		logger: cfg.Logger,
		dedup:  newDedupCache(cfg.DedupTTL),
		lanes:  make(map[string]*laneState),
	}
}

// Enqueue adds task to lane and waits for its result. If ctx ends first the
// call returns ctx.Err() and the task is skipped when its turn comes.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	logger := tracing.LoggerFromContext(ctx, q.logger).With().Str("lane", lane).Logger()

	if opts.RequestID != "" && q.dedup.Seen(opts.RequestID) {
		observability.RecordQueueDuplicate()
		logger.Debug().Str("request_id", opts.RequestID).Msg("Duplicate request dropped")
		return nil, ErrDuplicate
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{}
		q.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	q.depth++
	depth := q.depth
	if !ls.running {
		ls.running = true
		q.wg.Add(1)
		go q.drain(lane, ls)
	}
	q.mu.Unlock()

	observability.SetQueueDepth(depth)
	logger.Debug().Str("task_id", record.id).Int("queued", queued).Msg("Task enqueued")

	select {
	case res := <-record.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) drain(lane string, ls *laneState) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			delete(q.lanes, lane)
			q.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		q.mu.Unlock()

		record.result <- q.execute(lane, record)

		q.mu.Lock()
		q.depth--
		depth := q.depth
		q.mu.Unlock()
		observability.SetQueueDepth(depth)
	}
}

func (q *Queue) execute(lane string, record *taskRecord) (res taskResult) {
	wait := time.Since(record.enqueuedAt)
	observability.RecordQueueWait(wait)

	ctx, span := tracing.StartSpan(record.ctx, tracerName, "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer func() { tracing.EndSpan(span, res.err) }()
	logger := tracing.LoggerFromContext(ctx, q.logger).With().Str("lane", lane).Logger()

	if err := ctx.Err(); err != nil {
		return taskResult{err: err}
	}
	if record.options.WarnAfter > 0 && wait > record.options.WarnAfter {
		logger.Warn().
			Str("task_id", record.id).
			Dur("wait", wait).
			Msg("Task waited longer than expected")
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("task_id", record.id).Msg("Task panicked")
			res = taskResult{err: fmt.Errorf("task panicked: %v", r)}
		}
	}()

	start := time.Now()
	value, err := record.task(ctx)
	if err != nil {
		logger.Error().Err(err).Str("task_id", record.id).Dur("duration", time.Since(start)).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", time.Since(start)).Msg("Task completed")
	}
	return taskResult{value: value, err: err}
}

// QueueSize returns the number of tasks waiting in lane, not counting the
// running one.
func (q *Queue) QueueSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Lanes returns the number of lanes with queued or running work.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close rejects new tasks and waits for queued ones to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
	q.dedup.Stop()
	return nil
}
