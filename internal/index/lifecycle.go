package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/webme-commons/esindex/internal/async"
	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/metrics"
	"github.com/webme-commons/esindex/internal/queue"
)

// BuildQueue is the queue a build feeds.
type BuildQueue interface {
	Enqueue(ctx context.Context, e queue.Entry) error
	Close(ctx context.Context) error
}

// HooksConfig holds the collaborators of Hooks.
type HooksConfig struct {
	Client   backend.Client
	Queue    BuildQueue
	Scanner  TableScanner
	Notifier BuildNotifier
	// LockDir holds build lock files.
	LockDir string
	// RowsPerSecond caps the build scan rate. Zero means unlimited.
	RowsPerSecond float64
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Hooks implements LifecycleObserver for one index.
type Hooks struct {
	cfg      Config
	codec    Codec
	client   backend.Client
	queue    BuildQueue
	scanner  TableScanner
	notifier BuildNotifier
	lockDir  string
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	current *async.BackgroundBuilder
	dropped bool
}

// NewHooks creates lifecycle hooks for cfg.
func NewHooks(cfg Config, hc HooksConfig) *Hooks {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if hc.RowsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(hc.RowsPerSecond), max(1, int(hc.RowsPerSecond)))
	}
	if hc.Metrics == nil {
		hc.Metrics = metrics.New(nil)
	}
	if hc.Logger == nil {
		hc.Logger = slog.Default()
	}
	return &Hooks{
		cfg:      cfg,
		codec:    NewCodec(cfg),
		client:   hc.Client,
		queue:    hc.Queue,
		scanner:  hc.Scanner,
		notifier: hc.Notifier,
		lockDir:  hc.LockDir,
		limiter:  limiter,
		metrics:  hc.Metrics,
		logger:   hc.Logger,
	}
}

// OnIndexBuild indexes every existing row of the target table and marks the
// index built once all of them reached the backend.
func (h *Hooks) OnIndexBuild(ctx context.Context) error {
	b, err := h.StartBuild(ctx)
	if err != nil {
		return err
	}
	return b.Wait()
}

// StartBuild starts a build in the background and returns it for progress
// reporting.
func (h *Hooks) StartBuild(ctx context.Context) (*async.BackgroundBuilder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dropped {
		return nil, errs.New(errs.ErrCodeIndexDropped, fmt.Sprintf("index %s was dropped", h.cfg.Name), nil)
	}
	if h.current != nil && h.current.IsRunning() {
		return nil, async.ErrBuildInProgress
	}

	b := async.NewBackgroundBuilder(async.BuilderConfig{
		LockDir: h.lockDir,
		Index:   h.cfg.IndexName,
	}, h.build)
	h.current = b
	b.Start(ctx)
	return b, nil
}

// CurrentBuild returns the most recent build, or nil.
func (h *Hooks) CurrentBuild() *async.BackgroundBuilder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Hooks) build(ctx context.Context, progress *async.BuildProgress) error {
	start := time.Now()
	h.logger.Info("index_build_started",
		slog.String("index", h.cfg.Name),
		slog.String("table", h.cfg.TargetTable))

	var wg sync.WaitGroup
	scanErr := h.scanner.Scan(ctx, h.cfg.TargetTable, func(ev MutationEvent) error {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
		progress.RowScanned()
		h.metrics.BuildRows.WithLabelValues(h.cfg.IndexName).Inc()

		enc, err := h.codec.Encode(ev)
		if err != nil {
			progress.RowSkipped()
			attrs := append([]any{slog.String("index", h.cfg.Name)}, errs.LogAttrs(err)...)
			h.logger.Warn("codec_row_skipped", attrs...)
			return nil
		}
		if enc.Action != ActionUpsert {
			progress.RowSkipped()
			return nil
		}

		wg.Add(1)
		entry := queue.Entry{
			PartitionKey: enc.Op.Doc.ID,
			Op:           enc.Op,
			Done: func(err error) {
				progress.RowDone(err)
				wg.Done()
			},
		}
		if err := h.enqueue(ctx, entry); err != nil {
			wg.Done()
			return err
		}
		return nil
	})
	if scanErr != nil {
		return errs.New(errs.ErrCodeBuildFailed, fmt.Sprintf("index %s: scan failed", h.cfg.Name), scanErr)
	}

	progress.SetStage(async.StageDraining)
	if err := waitGroup(ctx, &wg); err != nil {
		return errs.New(errs.ErrCodeBuildFailed, fmt.Sprintf("index %s: build interrupted", h.cfg.Name), err)
	}
	if n := progress.Failed(); n > 0 {
		return errs.New(errs.ErrCodeBuildFailed,
			fmt.Sprintf("index %s: %d rows could not be indexed", h.cfg.Name, n), nil).
			WithSuggestion("Check the dead-letter store, then rebuild the index")
	}
	if err := h.notifier.MarkBuilt(ctx, h.cfg.Name); err != nil {
		return errs.New(errs.ErrCodeBuildFailed, fmt.Sprintf("index %s: mark built", h.cfg.Name), err)
	}

	snap := progress.Snapshot()
	h.logger.Info("index_build_complete",
		slog.String("index", h.cfg.Name),
		slog.Int64("rows_scanned", snap.RowsScanned),
		slog.Int64("rows_applied", snap.RowsApplied),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// enqueue waits out a full queue instead of falling back to inline writes,
// so the build throttles itself to the backend.
func (h *Hooks) enqueue(ctx context.Context, e queue.Entry) error {
	for {
		err := h.queue.Enqueue(ctx, e)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFlush does nothing: documents come from the write path, not from
// storage files.
func (h *Hooks) OnFlush(_ context.Context, table string) {
	h.logger.Debug("index_flush_ignored", slog.String("index", h.cfg.Name), slog.String("table", table))
}

// OnCompaction does nothing, like OnFlush.
func (h *Hooks) OnCompaction(_ context.Context, table string) {
	h.logger.Debug("index_compaction_ignored", slog.String("index", h.cfg.Name), slog.String("table", table))
}

// dropRetry retries a transient DeleteIndex failure briefly before giving up.
var dropRetry = errs.RetryConfig{
	MaxRetries:   2,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2,
}

// OnDrop stops any build, drains the queue and asks the backend to delete
// the index. Failures are logged.
func (h *Hooks) OnDrop(ctx context.Context) {
	h.mu.Lock()
	h.dropped = true
	current := h.current
	h.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	if err := h.queue.Close(ctx); err != nil {
		h.logger.Warn("index_drop_queue_close_failed",
			slog.String("index", h.cfg.Name),
			slog.String("error", err.Error()))
	}
	err := errs.Retry(ctx, dropRetry, func(int) error {
		return h.client.DeleteIndex(ctx, h.cfg.IndexName)
	})
	if err != nil {
		attrs := append([]any{slog.String("index", h.cfg.Name)}, errs.LogAttrs(err)...)
		h.logger.Warn("index_drop_backend_failed", attrs...)
	}
	h.metrics.ForgetIndex(h.cfg.IndexName)
	h.logger.Info("index_dropped", slog.String("index", h.cfg.Name))
}

// Rebuild clears the backend index and builds it again from the table. It
// refuses to start while a build is running, leaving the index untouched.
func (h *Hooks) Rebuild(ctx context.Context) error {
	h.mu.Lock()
	running := h.current != nil && h.current.IsRunning()
	h.mu.Unlock()
	if running {
		return async.ErrBuildInProgress
	}

	if err := h.notifier.ClearBuilt(ctx, h.cfg.Name); err != nil {
		return fmt.Errorf("index %s: clear built: %w", h.cfg.Name, err)
	}
	if err := h.client.DeleteIndex(ctx, h.cfg.IndexName); err != nil {
		return fmt.Errorf("index %s: reset backend: %w", h.cfg.Name, err)
	}
	return h.OnIndexBuild(ctx)
}
