package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/webme-commons/esindex/internal/async"
	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/metrics"
	"github.com/webme-commons/esindex/internal/queue"
)

// Host is what an index needs from the storage engine.
type Host interface {
	SchemaLookup
	TableScanner
	BuildNotifier
}

// Deps holds everything New needs besides the options.
type Deps struct {
	Host Host
	// Client serves indexes whose endpoint is DefaultEndpoint.
	Client          backend.Client
	DefaultEndpoint string
	// Dial opens a client for any other endpoint. The index owns and
	// closes clients it dials.
	Dial func(endpoint string) (backend.Client, error)

	Queue        queue.Config
	QueueOptions []queue.Option

	LockDir       string
	RowsPerSecond float64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Index is a registered secondary index: the mutation bridge, its async
// queue and its lifecycle hooks. It implements MutationObserver and
// LifecycleObserver.
type Index struct {
	cfg    Config
	bridge *Bridge
	hooks  *Hooks
	queue  *queue.Queue
	dialed backend.Client
	logger *slog.Logger
}

var (
	_ MutationObserver  = (*Index)(nil)
	_ LifecycleObserver = (*Index)(nil)
)

// New resolves options and starts the index's queue workers. The workers
// outlive ctx; stop them with Close or OnDrop.
func New(ctx context.Context, name string, options map[string]string, deps Deps) (*Index, error) {
	cfg, err := Resolve(name, options, deps.Host, deps.DefaultEndpoint)
	if err != nil {
		return nil, err
	}

	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With(slog.String("component", "index"))

	client := deps.Client
	var dialed backend.Client
	if cfg.Endpoint != deps.DefaultEndpoint {
		if deps.Dial == nil {
			return nil, errs.ConfigError(fmt.Sprintf("index %s: endpoint %q is not reachable from this host", name, cfg.Endpoint), nil)
		}
		dialed, err = deps.Dial(cfg.Endpoint)
		if err != nil {
			return nil, errs.ConfigError(fmt.Sprintf("index %s: cannot open endpoint %q", name, cfg.Endpoint), err)
		}
		client = dialed
	}
	if client == nil {
		return nil, errs.ConfigError(fmt.Sprintf("index %s: no backend client", name), nil)
	}

	opts := append([]queue.Option{
		queue.WithMetrics(deps.Metrics),
		queue.WithLogger(logger),
	}, deps.QueueOptions...)
	q := queue.New(cfg.IndexName, client, deps.Queue, opts...)
	q.Start(context.WithoutCancel(ctx))

	idx := &Index{
		cfg:    cfg,
		bridge: NewBridge(cfg, client, q, deps.Metrics, logger),
		hooks: NewHooks(cfg, HooksConfig{
			Client:        client,
			Queue:         q,
			Scanner:       deps.Host,
			Notifier:      deps.Host,
			LockDir:       deps.LockDir,
			RowsPerSecond: deps.RowsPerSecond,
			Metrics:       deps.Metrics,
			Logger:        logger,
		}),
		queue:  q,
		dialed: dialed,
		logger: logger,
	}
	logger.Info("index_registered",
		slog.String("index", cfg.Name),
		slog.String("table", cfg.TargetTable),
		slog.String("mode", cfg.Mode.String()),
		slog.String("backend_index", cfg.IndexName))
	return idx, nil
}

// Config returns the resolved configuration.
func (i *Index) Config() Config {
	return i.cfg
}

// OnMutation implements MutationObserver.
func (i *Index) OnMutation(ctx context.Context, ev MutationEvent) error {
	return i.bridge.OnMutation(ctx, ev)
}

// PrepareMutation implements TransactionalObserver.
func (i *Index) PrepareMutation(ctx context.Context, ev MutationEvent) (Prepared, error) {
	return i.bridge.PrepareMutation(ctx, ev)
}

// OnIndexBuild implements LifecycleObserver.
func (i *Index) OnIndexBuild(ctx context.Context) error {
	return i.hooks.OnIndexBuild(ctx)
}

// StartBuild starts a background build.
func (i *Index) StartBuild(ctx context.Context) (*async.BackgroundBuilder, error) {
	return i.hooks.StartBuild(ctx)
}

// Rebuild clears and rebuilds the backend index.
func (i *Index) Rebuild(ctx context.Context) error {
	return i.hooks.Rebuild(ctx)
}

// OnFlush implements LifecycleObserver.
func (i *Index) OnFlush(ctx context.Context, table string) {
	i.hooks.OnFlush(ctx, table)
}

// OnCompaction implements LifecycleObserver.
func (i *Index) OnCompaction(ctx context.Context, table string) {
	i.hooks.OnCompaction(ctx, table)
}

// OnDrop implements LifecycleObserver.
func (i *Index) OnDrop(ctx context.Context) {
	i.hooks.OnDrop(ctx)
	i.closeDialed()
}

// Pending returns the number of async writes not yet settled.
func (i *Index) Pending() int {
	return i.queue.Len()
}

// Enqueue hands a prepared write to the index's queue, bypassing the codec.
// Used to replay dead letters.
func (i *Index) Enqueue(ctx context.Context, e queue.Entry) error {
	return i.queue.Enqueue(ctx, e)
}

// Flush waits until every async write enqueued so far has settled.
func (i *Index) Flush(ctx context.Context) error {
	return i.queue.Flush(ctx)
}

// Close drains the queue and releases the index. The backend index is kept.
func (i *Index) Close(ctx context.Context) error {
	if b := i.hooks.CurrentBuild(); b != nil {
		b.Stop()
	}
	err := i.queue.Close(ctx)
	i.closeDialed()
	return err
}

func (i *Index) closeDialed() {
	if i.dialed == nil {
		return
	}
	if err := i.dialed.Close(); err != nil {
		i.logger.Warn("backend_close_failed",
			slog.String("index", i.cfg.Name),
			slog.String("error", err.Error()))
	}
	i.dialed = nil
}
