package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/metrics"
	"github.com/webme-commons/esindex/internal/queue"
)

// Enqueuer accepts async writes.
type Enqueuer interface {
	Enqueue(ctx context.Context, e queue.Entry) error
}

// Bridge dispatches mutations to the backend according to the index mode.
// It is safe for concurrent use.
//
// In sync mode a backend failure fails the mutation, so the host rejects
// the base write and the index never lags the table. In async mode the
// mutation is enqueued and acknowledged; when the queue stays full the
// mutation is applied inline instead.
type Bridge struct {
	cfg     Config
	codec   Codec
	client  backend.Client
	queue   Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBridge creates a bridge. q may be nil for a sync-only bridge.
func NewBridge(cfg Config, client backend.Client, q Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		codec:   NewCodec(cfg),
		client:  client,
		queue:   q,
		metrics: m,
		logger:  logger,
	}
}

// OnMutation implements MutationObserver.
func (b *Bridge) OnMutation(ctx context.Context, ev MutationEvent) error {
	op, ok := b.encode(ev)
	if !ok {
		return nil
	}
	if b.cfg.Mode == ModeAsync && b.queue != nil {
		return b.enqueue(ctx, op)
	}
	return b.applySync(ctx, op)
}

// encode turns ev into a backend op. ok is false when there is nothing to
// index.
func (b *Bridge) encode(ev MutationEvent) (op backend.Op, ok bool) {
	enc, err := b.codec.Encode(ev)
	if err != nil {
		b.metrics.CodecSkips.WithLabelValues(b.cfg.IndexName, "codec_error").Inc()
		attrs := append([]any{
			slog.String("index", b.cfg.Name),
			slog.String("table", ev.Table),
			slog.String("partition", fmt.Sprint(ev.PartitionKey)),
		}, errs.LogAttrs(err)...)
		b.logger.Warn("codec_row_skipped", attrs...)
		return backend.Op{}, false
	}
	if enc.Action == ActionSkip {
		b.metrics.CodecSkips.WithLabelValues(b.cfg.IndexName, "no_payload").Inc()
		return backend.Op{}, false
	}
	return enc.Op, true
}

// reserver is implemented by queues that can hold a slot for an entry
// whose write has not committed yet.
type reserver interface {
	Reserve(ctx context.Context) (*queue.Reservation, error)
}

// PrepareMutation implements TransactionalObserver. Sync writes reach the
// backend now and are undone on Abort. Async writes hold a queue slot and
// are enqueued only on Commit, so an aborted write never reaches the queue.
func (b *Bridge) PrepareMutation(ctx context.Context, ev MutationEvent) (Prepared, error) {
	op, ok := b.encode(ev)
	if !ok {
		return noopPrepared{}, nil
	}
	if b.cfg.Mode != ModeAsync || b.queue == nil {
		return b.prepareSync(ctx, op)
	}

	r, isReserver := b.queue.(reserver)
	if !isReserver {
		return &heldWrite{b: b, op: op}, nil
	}
	res, err := r.Reserve(ctx)
	switch {
	case err == nil:
		return &heldWrite{b: b, op: op, res: res}, nil
	case errors.Is(err, queue.ErrQueueFull):
		b.metrics.SyncFallbacks.WithLabelValues(b.cfg.IndexName).Inc()
		b.logger.Warn("queue_full_sync_fallback",
			slog.String("index", b.cfg.Name),
			slog.String("id", op.Doc.ID))
		return b.prepareSync(ctx, op)
	default:
		return nil, fmt.Errorf("index %s: enqueue: %w", b.cfg.Name, err)
	}
}

func (b *Bridge) prepareSync(ctx context.Context, op backend.Op) (Prepared, error) {
	if err := b.applySync(ctx, op); err != nil {
		return nil, err
	}
	return &appliedWrite{b: b, id: op.Doc.ID}, nil
}

// undo puts the document for id back to what prior encodes to.
func (b *Bridge) undo(ctx context.Context, id string, prior MutationEvent) {
	op, ok := b.encode(prior)
	if !ok || op.Doc.ID != id {
		op = backend.Delete(id, prior.WriteTimestamp)
	}
	ctx = context.WithoutCancel(ctx)
	if err := backend.Apply(ctx, b.client, b.cfg.IndexName, op); err != nil {
		attrs := append([]any{
			slog.String("index", b.cfg.Name),
			slog.String("id", id),
			slog.String("op", op.Kind.String()),
		}, errs.LogAttrs(err)...)
		b.logger.Error("index_undo_failed", attrs...)
		return
	}
	b.metrics.Applied.WithLabelValues(b.cfg.IndexName, op.Kind.String()).Inc()
	b.logger.Info("index_write_undone",
		slog.String("index", b.cfg.Name),
		slog.String("id", id),
		slog.String("op", op.Kind.String()))
}

type noopPrepared struct{}

func (noopPrepared) Commit(context.Context)               {}
func (noopPrepared) Abort(context.Context, MutationEvent) {}

// appliedWrite is a sync write already visible in the backend.
type appliedWrite struct {
	b  *Bridge
	id string
}

func (w *appliedWrite) Commit(context.Context) {}

func (w *appliedWrite) Abort(ctx context.Context, prior MutationEvent) {
	w.b.undo(ctx, w.id, prior)
}

// heldWrite is an async write waiting for the base commit. res is nil when
// the queue cannot reserve, in which case Commit enqueues normally.
type heldWrite struct {
	b   *Bridge
	op  backend.Op
	res *queue.Reservation
}

func (w *heldWrite) Commit(ctx context.Context) {
	var err error
	if w.res != nil {
		err = w.res.Enqueue(queue.Entry{PartitionKey: w.op.Doc.ID, Op: w.op})
	} else {
		err = w.b.enqueue(context.WithoutCancel(ctx), w.op)
	}
	if err != nil {
		attrs := append([]any{
			slog.String("index", w.b.cfg.Name),
			slog.String("id", w.op.Doc.ID),
		}, errs.LogAttrs(err)...)
		w.b.logger.Error("committed_write_not_enqueued", attrs...)
	}
}

func (w *heldWrite) Abort(context.Context, MutationEvent) {
	if w.res != nil {
		w.res.Release()
	}
}

func (b *Bridge) enqueue(ctx context.Context, op backend.Op) error {
	err := b.queue.Enqueue(ctx, queue.Entry{PartitionKey: op.Doc.ID, Op: op})
	if err == nil {
		return nil
	}
	if !errors.Is(err, queue.ErrQueueFull) {
		return fmt.Errorf("index %s: enqueue: %w", b.cfg.Name, err)
	}

	// Overloaded: the writer pays for the backend call itself.
	b.metrics.SyncFallbacks.WithLabelValues(b.cfg.IndexName).Inc()
	b.logger.Warn("queue_full_sync_fallback",
		slog.String("index", b.cfg.Name),
		slog.String("id", op.Doc.ID))
	return b.applySync(ctx, op)
}

func (b *Bridge) applySync(ctx context.Context, op backend.Op) error {
	if err := backend.Apply(ctx, b.client, b.cfg.IndexName, op); err != nil {
		b.metrics.SyncFailures.WithLabelValues(b.cfg.IndexName).Inc()
		attrs := append([]any{
			slog.String("index", b.cfg.Name),
			slog.String("id", op.Doc.ID),
			slog.String("op", op.Kind.String()),
		}, errs.LogAttrs(err)...)
		b.logger.Error("sync_apply_failed", attrs...)
		return fmt.Errorf("index %s: %s %s: %w", b.cfg.Name, op.Kind, op.Doc.ID, err)
	}
	b.metrics.Applied.WithLabelValues(b.cfg.IndexName, op.Kind.String()).Inc()
	return nil
}
