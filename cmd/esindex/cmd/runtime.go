package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/webme-commons/esindex/internal/async"
	"github.com/webme-commons/esindex/internal/backend"
	"github.com/webme-commons/esindex/internal/config"
	"github.com/webme-commons/esindex/internal/deadletter"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/hostdb"
	"github.com/webme-commons/esindex/internal/index"
	"github.com/webme-commons/esindex/internal/logging"
	"github.com/webme-commons/esindex/internal/metrics"
	"github.com/webme-commons/esindex/internal/queue"
)

// shutdownTimeout bounds how long a command waits for async queues to drain.
const shutdownTimeout = 30 * time.Second

// endpoint is one opened backend: the raw bleve client for reads and the
// guarded client the indexes write through.
type endpoint struct {
	bleve   *backend.BleveClient
	guarded *backend.Guarded
}

// sharedClient hands an endpoint to an index without giving it ownership;
// the runtime closes endpoints itself.
type sharedClient struct {
	backend.Client
}

func (sharedClient) Close() error { return nil }

// runtime is the host assembled for one command: the table store, the
// backend endpoints and every registered index attached as an observer.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	logCleanup func()

	db          *hostdb.DB
	deadletters *deadletter.Store
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	// slots bounds async entries across every index in the process.
	slots *semaphore.Weighted

	endpoints map[string]endpoint
	indexes   map[string]*index.Index
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return config.Load(wd, flags.dataDir)
}

func openRuntime(ctx context.Context, flags *globalFlags) (_ *runtime, err error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, cleanup, err := logging.Setup(cfg.Logging.LoggingConfig(flags.debug))
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	if flags.debug {
		slog.SetDefault(logger)
	}

	r := &runtime{
		cfg:        cfg,
		logger:     logger,
		logCleanup: cleanup,
		registry:   prometheus.NewRegistry(),
		slots:      semaphore.NewWeighted(int64(cfg.Queue.Capacity)),
		endpoints:  make(map[string]endpoint),
		indexes:    make(map[string]*index.Index),
	}
	defer func() {
		if err != nil {
			_ = r.Close(ctx)
		}
	}()

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.metrics = metrics.New(r.registry)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if r.db, err = hostdb.Open(ctx, cfg.Storage.Path, logger); err != nil {
		return nil, err
	}
	if cfg.DeadLetter.Path != "" {
		if r.deadletters, err = deadletter.Open(ctx, cfg.DeadLetter.Path, logger); err != nil {
			return nil, err
		}
	}
	if _, err := r.endpoint(cfg.Backend.Endpoint); err != nil {
		return nil, err
	}

	defs, err := r.db.Indexes(ctx)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := r.attach(ctx, def); err != nil {
			return nil, fmt.Errorf("failed to attach index %s: %w", def.Name, err)
		}
	}
	return r, nil
}

// withRuntime opens the runtime, runs fn and drains every index before
// returning.
func withRuntime(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, r *runtime) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := openRuntime(ctx, flags)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := r.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, r)
}

// endpoint opens, or returns the already open, backend at path.
func (r *runtime) endpoint(path string) (endpoint, error) {
	if ep, ok := r.endpoints[path]; ok {
		return ep, nil
	}
	bc, err := backend.NewBleveClient(backend.BleveOptions{
		Root:             path,
		VersionCacheSize: r.cfg.Backend.VersionCacheSize,
		Logger:           r.logger,
	})
	if err != nil {
		return endpoint{}, errs.BackendUnavailable(fmt.Sprintf("cannot open backend at %q", path), err)
	}
	breaker := errs.NewCircuitBreaker("backend:"+path,
		errs.WithMaxFailures(r.cfg.Backend.BreakerMaxFailures),
		errs.WithResetTimeout(r.cfg.Backend.BreakerResetTimeout()),
		errs.WithStateChange(r.breakerChanged))
	ep := endpoint{
		bleve: bc,
		guarded: backend.NewGuarded(bc,
			backend.WithCallTimeout(r.cfg.Backend.CallTimeout()),
			backend.WithBreaker(breaker),
			backend.WithMetrics(r.metrics)),
	}
	r.endpoints[path] = ep
	r.metrics.BreakerState.WithLabelValues(breaker.Name()).Set(float64(errs.StateClosed))
	return ep, nil
}

func (r *runtime) breakerChanged(name string, from, to errs.State) {
	r.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	level := slog.LevelInfo
	if to == errs.StateOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "backend_breaker_state_changed",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

func (r *runtime) dial(path string) (backend.Client, error) {
	ep, err := r.endpoint(path)
	if err != nil {
		return nil, err
	}
	return sharedClient{ep.guarded}, nil
}

func (r *runtime) deps() index.Deps {
	qopts := []queue.Option{queue.WithSlots(r.slots)}
	if r.deadletters != nil {
		qopts = append(qopts, queue.WithReporter(r.deadletters))
	}
	return index.Deps{
		Host:            r.db,
		Client:          sharedClient{r.endpoints[r.cfg.Backend.Endpoint].guarded},
		DefaultEndpoint: r.cfg.Backend.Endpoint,
		Dial:            r.dial,
		Queue:           r.cfg.Queue.QueueConfig(),
		QueueOptions:    qopts,
		LockDir:         r.cfg.Build.LockDir,
		RowsPerSecond:   float64(r.cfg.Build.RowsPerSecond),
		Metrics:         r.metrics,
		Logger:          r.logger,
	}
}

// attach registers a persisted index as an observer of its table.
func (r *runtime) attach(ctx context.Context, def hostdb.IndexDef) error {
	idx, err := index.New(ctx, def.Name, def.Options, r.deps())
	if err != nil {
		return err
	}
	r.db.Register(def.Table, def.Name, idx)
	r.indexes[def.Name] = idx

	backendIndex := idx.Config().IndexName
	switch {
	case async.HasIncompleteBuild(r.cfg.Build.LockDir, backendIndex):
		r.logger.Warn("index_build_interrupted",
			slog.String("index", def.Name),
			slog.String("hint", "run 'esindex build --force "+def.Name+"'"))
	case !def.Built:
		r.logger.Warn("index_not_built",
			slog.String("index", def.Name),
			slog.String("hint", "run 'esindex build "+def.Name+"'"))
	}
	return nil
}

// createIndex validates options, persists the registration and attaches
// the index. Rows already in the table are not indexed until a build.
func (r *runtime) createIndex(ctx context.Context, name string, options map[string]string) (*index.Index, error) {
	if _, ok := r.indexes[name]; ok {
		return nil, errs.ValidationError(fmt.Sprintf("index %s already exists", name), nil)
	}
	idx, err := index.New(ctx, name, options, r.deps())
	if err != nil {
		return nil, err
	}
	def := hostdb.IndexDef{Name: name, Table: idx.Config().TargetTable, Options: options}
	if err := r.db.SaveIndex(ctx, def); err != nil {
		_ = idx.Close(ctx)
		return nil, err
	}
	r.db.Register(def.Table, name, idx)
	r.indexes[name] = idx
	return idx, nil
}

// dropIndex detaches the index, then drops its backend index.
func (r *runtime) dropIndex(ctx context.Context, name string) error {
	idx, err := r.index(name)
	if err != nil {
		return err
	}
	if err := r.db.DeleteIndex(ctx, name); err != nil {
		return err
	}
	idx.OnDrop(ctx)
	delete(r.indexes, name)
	return nil
}

func (r *runtime) index(name string) (*index.Index, error) {
	idx, ok := r.indexes[name]
	if !ok {
		return nil, errs.ValidationError(fmt.Sprintf("index %s does not exist", name), nil).
			WithSuggestion("run 'esindex status' to list indexes")
	}
	return idx, nil
}

// reader returns the bleve client holding idx's documents.
func (r *runtime) reader(idx *index.Index) (*backend.BleveClient, error) {
	ep, err := r.endpoint(idx.Config().Endpoint)
	if err != nil {
		return nil, err
	}
	return ep.bleve, nil
}

func (r *runtime) indexNames() []string {
	names := make([]string, 0, len(r.indexes))
	for name := range r.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close drains every index queue and releases all resources.
func (r *runtime) Close(ctx context.Context) error {
	var errList []error
	for _, name := range r.indexNames() {
		if err := r.indexes[name].Close(ctx); err != nil {
			errList = append(errList, fmt.Errorf("close index %s: %w", name, err))
		}
	}
	for path, ep := range r.endpoints {
		if err := ep.guarded.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close backend %s: %w", path, err))
		}
	}
	if r.deadletters != nil {
		if err := r.deadletters.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if r.logCleanup != nil {
		r.logCleanup()
	}
	return errors.Join(errList...)
}
