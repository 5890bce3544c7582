// Package queue implements the bounded async write queue that decouples
// mutation acknowledgment from search backend latency.
//
// Entries are grouped into lanes by partition key. A lane has at most one
// entry in flight, so writes to one partition reach the backend in the
// order they were enqueued. Workers take the heads of ready lanes in
// batches, flushing when a batch is full or the flush interval elapses.
// A failed batch is retried entry by entry with exponential backoff, and
// an entry that exhausts its attempts is dropped and reported.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/metrics"
)

var (
	// ErrQueueFull is returned when no slot frees up within the enqueue timeout.
	ErrQueueFull = errs.New(errs.ErrCodeQueueFull, "async write queue is full", nil)

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue is closed")

	errReservationUsed = errors.New("queue reservation already used")
)

// Entry is one pending backend write.
type Entry struct {
	// PartitionKey selects the lane. Entries sharing a key apply in order.
	PartitionKey string
	Op           backend.Op
	EnqueuedAt   time.Time
	Attempts     int

	// Done, if set, is called once with the final outcome.
	Done func(error)
}

// Reporter receives entries the queue gave up on.
type Reporter interface {
	Report(ctx context.Context, index string, e Entry, cause error)
}

// Config configures a Queue.
type Config struct {
	// Capacity bounds entries that are queued or in flight.
	Capacity int
	// Workers is the number of concurrent appliers.
	Workers int
	// BatchSize is the most entries sent in one bulk call.
	BatchSize int
	// FlushInterval is how long a partial batch waits for more entries.
	FlushInterval time.Duration
	// EnqueueTimeout is how long Enqueue blocks on a full queue.
	EnqueueTimeout time.Duration
	// MaxAttempts includes the bulk attempt.
	MaxAttempts int
	Retry       errs.RetryConfig
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:       10000,
		Workers:        4,
		BatchSize:      100,
		FlushInterval:  200 * time.Millisecond,
		EnqueueTimeout: 2 * time.Second,
		MaxAttempts:    5,
		Retry:          errs.DefaultRetryConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = d.Retry.InitialDelay
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = max(d.Retry.MaxDelay, c.Retry.InitialDelay)
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	return c
}

// Option configures a Queue.
type Option func(*Queue)

// WithReporter adds a reporter for dropped entries.
func WithReporter(r Reporter) Option {
	return func(q *Queue) {
		q.reporters = append(q.reporters, r)
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithSlots shares a capacity semaphore between queues, bounding entries
// across every index in the process. The Capacity setting is ignored.
func WithSlots(s *semaphore.Weighted) Option {
	return func(q *Queue) {
		q.slots = s
	}
}

type lane struct {
	entries []*Entry
	busy    bool
	ready   bool
}

// Queue is the async write queue for one index.
type Queue struct {
	index     string
	client    backend.Client
	cfg       Config
	slots     *semaphore.Weighted
	reporters []Reporter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	ready   []string
	pending int
	drained chan struct{}
	closed  bool
	closing chan struct{}
	wake    chan struct{}
	started bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a queue writing to index through client. Call Start before
// enqueueing.
func New(index string, client backend.Client, cfg Config, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		index:   index,
		client:  client,
		cfg:     cfg,
		lanes:   make(map[string]*lane),
		drained: make(chan struct{}),
		closing: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	close(q.drained)
	for _, opt := range opts {
		opt(q)
	}
	if q.slots == nil {
		q.slots = semaphore.NewWeighted(int64(cfg.Capacity))
	}
	if q.metrics == nil {
		q.metrics = metrics.New(nil)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Start launches the workers. They stop when ctx is cancelled or the queue
// is closed and drained.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.group.Go(func() error {
			return q.work(ctx)
		})
	}
	q.logger.Debug("queue_started",
		slog.String("index", q.index),
		slog.Int("workers", q.cfg.Workers),
		slog.Int("batch_size", q.cfg.BatchSize))
}

// Enqueue adds e to its partition lane, blocking up to the enqueue timeout
// while the queue is full. It returns ErrQueueFull if no slot frees up.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	r, err := q.Reserve(ctx)
	if err != nil {
		return err
	}
	return r.Enqueue(e)
}

// Reserve takes a slot for an entry that is not ready yet, waiting like
// Enqueue does. The caller must either Enqueue through the reservation or
// Release it.
func (q *Queue) Reserve(ctx context.Context) (*Reservation, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, q.cfg.EnqueueTimeout)
	err := q.slots.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.metrics.EnqueueTimeouts.WithLabelValues(q.index).Inc()
		return nil, ErrQueueFull
	}
	return &Reservation{q: q}, nil
}

// Reservation is a slot held by Reserve.
type Reservation struct {
	q    *Queue
	used atomic.Bool
}

// Enqueue places e in the reserved slot. A reservation is used once.
func (r *Reservation) Enqueue(e Entry) error {
	if !r.used.CompareAndSwap(false, true) {
		return errReservationUsed
	}
	return r.q.insert(e)
}

// Release gives the slot back unused. It does nothing after Enqueue.
func (r *Reservation) Release() {
	if r.used.CompareAndSwap(false, true) {
		r.q.slots.Release(1)
	}
}

// insert adds e to its lane. The caller holds a slot for it.
func (q *Queue) insert(e Entry) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.slots.Release(1)
		return ErrClosed
	}
	entry := e
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	l, ok := q.lanes[entry.PartitionKey]
	if !ok {
		l = &lane{}
		q.lanes[entry.PartitionKey] = l
	}
	l.entries = append(l.entries, &entry)
	if q.pending == 0 {
		q.drained = make(chan struct{})
	}
	q.pending++
	q.markReady(entry.PartitionKey, l)
	q.mu.Unlock()

	q.metrics.Enqueued.WithLabelValues(q.index).Inc()
	q.metrics.QueueDepth.WithLabelValues(q.index).Inc()
	q.signal()
	return nil
}

// markReady must be called with q.mu held.
func (q *Queue) markReady(key string, l *lane) {
	if !l.busy && !l.ready && len(l.entries) > 0 {
		l.ready = true
		q.ready = append(q.ready, key)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of entries queued or in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Flush blocks until every entry enqueued so far has been applied or dropped.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		drained := q.drained
		q.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("flush %s: %w", q.index, ctx.Err())
		}
	}
}

// Close stops accepting entries and waits for the workers to drain the
// queue. If ctx expires first, the workers are stopped and the entries
// still pending are dropped and reported.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closing)
	started := q.started
	q.mu.Unlock()

	if !started {
		q.abandon(ctx, ErrClosed)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.group.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		q.cancel()
		err = <-done
		if err == nil {
			err = fmt.Errorf("close %s: %w", q.index, ctx.Err())
		}
	}
	q.cancel()
	q.abandon(context.Background(), errs.New(errs.ErrCodeIndexDropped, "queue closed before entry was applied", nil))
	return err
}

// abandon drops every pending entry.
func (q *Queue) abandon(ctx context.Context, cause error) {
	q.mu.Lock()
	var left []*Entry
	for key, l := range q.lanes {
		left = append(left, l.entries...)
		l.entries = nil
		l.ready = false
		if !l.busy {
			delete(q.lanes, key)
		}
	}
	q.ready = nil
	q.mu.Unlock()

	for _, e := range left {
		q.drop(ctx, e, "shutdown", cause)
		q.finish(e, cause)
	}
}

// work is the worker loop.
func (q *Queue) work(ctx context.Context) error {
	for {
		batch := q.nextBatch(ctx)
		if batch == nil {
			return nil
		}
		q.apply(ctx, batch)
	}
}

// nextBatch waits for a full batch, the flush interval, or shutdown. It
// returns nil when the worker should exit.
func (q *Queue) nextBatch(ctx context.Context) []*Entry {
	var (
		timer   *time.Timer
		linger  <-chan time.Time
		expired bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		n := len(q.ready)
		if n > 0 && (n >= q.cfg.BatchSize || expired || q.closed) {
			batch := q.take(min(n, q.cfg.BatchSize))
			more := len(q.ready) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return batch
		}
		closed := q.closed
		if closed && q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		drained := q.drained
		q.mu.Unlock()

		if n > 0 && linger == nil {
			timer = time.NewTimer(q.cfg.FlushInterval)
			linger = timer.C
		}

		if closed {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			case <-drained:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-q.closing:
		case <-linger:
			expired = true
		}
	}
}

// take pops the head of n ready lanes. Must be called with q.mu held.
func (q *Queue) take(n int) []*Entry {
	batch := make([]*Entry, 0, n)
	for _, key := range q.ready[:n] {
		l := q.lanes[key]
		l.ready = false
		l.busy = true
		batch = append(batch, l.entries[0])
		l.entries[0] = nil
		l.entries = l.entries[1:]
	}
	q.ready = append(q.ready[:0], q.ready[n:]...)
	return batch
}

// apply sends batch as one bulk call, falling back to per-entry retries.
func (q *Queue) apply(ctx context.Context, batch []*Entry) {
	q.metrics.BatchSize.WithLabelValues(q.index).Observe(float64(len(batch)))

	ops := make([]backend.Op, len(batch))
	for i, e := range batch {
		e.Attempts++
		ops[i] = e.Op
	}

	err := q.client.Bulk(ctx, q.index, ops)
	if err == nil {
		for _, e := range batch {
			q.complete(e, nil)
		}
		return
	}

	q.logger.Warn("queue_batch_failed",
		slog.String("index", q.index),
		slog.Int("size", len(batch)),
		slog.String("error", err.Error()))

	// A rejected batch may hold a single bad document, so every entry gets
	// one immediate solo attempt before the rejection is held against it.
	isolate := errs.IsRejected(err)
	var g errgroup.Group
	for _, e := range batch {
		g.Go(func() error {
			last := err
			if isolate {
				if last = backend.Apply(ctx, q.client, q.index, e.Op); last == nil {
					q.complete(e, nil)
					return nil
				}
			}
			q.retry(ctx, e, last)
			return nil
		})
	}
	_ = g.Wait()
}

// retry applies e on its own until it succeeds, is rejected, or runs out
// of attempts.
func (q *Queue) retry(ctx context.Context, e *Entry, last error) {
	for {
		if errs.IsRejected(last) {
			q.drop(ctx, e, "rejected", last)
			q.complete(e, last)
			return
		}
		if e.Attempts >= q.cfg.MaxAttempts {
			q.drop(ctx, e, "exhausted", last)
			q.complete(e, last)
			return
		}

		select {
		case <-time.After(q.cfg.Retry.Backoff(e.Attempts)):
		case <-ctx.Done():
			q.drop(context.Background(), e, "shutdown", ctx.Err())
			q.complete(e, ctx.Err())
			return
		}

		e.Attempts++
		q.metrics.Retries.WithLabelValues(q.index).Inc()
		last = backend.Apply(ctx, q.client, q.index, e.Op)
		if last == nil {
			q.complete(e, nil)
			return
		}
	}
}

// drop reports e as lost. The caller still has to finish it.
func (q *Queue) drop(ctx context.Context, e *Entry, reason string, cause error) {
	q.metrics.Dropped.WithLabelValues(q.index, reason).Inc()
	attrs := []any{
		slog.String("index", q.index),
		slog.String("partition", e.PartitionKey),
		slog.String("id", e.Op.Doc.ID),
		slog.String("op", e.Op.Kind.String()),
		slog.Int64("version", e.Op.Doc.Version),
		slog.Int("attempts", e.Attempts),
		slog.String("reason", reason),
	}
	if cause != nil {
		attrs = append(attrs, errs.LogAttrs(cause)...)
	}
	q.logger.Error("queue_entry_dropped", attrs...)
	for _, r := range q.reporters {
		r.Report(ctx, q.index, *e, cause)
	}
}

// complete finishes an entry taken by a worker and frees its lane.
func (q *Queue) complete(e *Entry, err error) {
	if err == nil {
		q.metrics.Applied.WithLabelValues(q.index, e.Op.Kind.String()).Inc()
	}

	q.mu.Lock()
	if l, ok := q.lanes[e.PartitionKey]; ok {
		l.busy = false
		if len(l.entries) == 0 {
			delete(q.lanes, e.PartitionKey)
		} else {
			q.markReady(e.PartitionKey, l)
		}
	}
	q.mu.Unlock()

	q.finish(e, err)
	q.signal()
}

// finish releases e's slot and runs its callback.
func (q *Queue) finish(e *Entry, err error) {
	q.mu.Lock()
	q.pending--
	if q.pending == 0 {
		close(q.drained)
	}
	q.mu.Unlock()

	q.slots.Release(1)
	q.metrics.QueueDepth.WithLabelValues(q.index).Dec()
	if e.Done != nil {
		e.Done(err)
	}
}
