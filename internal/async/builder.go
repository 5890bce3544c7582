package async

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrBuildInProgress is returned when another process or goroutine holds
// the build lock for the same index.
var ErrBuildInProgress = errors.New("index build already in progress")

// BuildFunc does the build work, reporting into progress.
type BuildFunc func(ctx context.Context, progress *BuildProgress) error

// BuilderConfig configures a BackgroundBuilder.
type BuilderConfig struct {
	// LockDir holds the per-index lock and in-progress marker files.
	LockDir string
	// Index names the index being built.
	Index string
}

// BackgroundBuilder runs one build in a goroutine. A file lock keeps two
// builds of the same index from overlapping, across processes too, and a
// marker file left behind by a crash lets the next start detect an
// interrupted build.
type BackgroundBuilder struct {
	config   BuilderConfig
	progress *BuildProgress

	// BuildFunc is the build work. Injected so tests can stub it.
	BuildFunc BuildFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	mu      sync.Mutex
	started bool
	running bool
	err     error
}

// NewBackgroundBuilder creates a builder for a single run.
func NewBackgroundBuilder(cfg BuilderConfig, fn BuildFunc) *BackgroundBuilder {
	return &BackgroundBuilder{
		config:    cfg,
		progress:  NewBuildProgress(cfg.Index),
		BuildFunc: fn,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Progress returns the progress tracker.
func (b *BackgroundBuilder) Progress() *BuildProgress {
	return b.progress
}

// IsRunning reports whether the build goroutine is active.
func (b *BackgroundBuilder) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start begins the build and returns immediately. A builder runs once;
// later calls do nothing.
func (b *BackgroundBuilder) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.running = true
	b.mu.Unlock()

	go b.run(ctx)
}

// Run builds in the calling goroutine and returns the outcome.
func (b *BackgroundBuilder) Run(ctx context.Context) error {
	b.Start(ctx)
	return b.Wait()
}

func (b *BackgroundBuilder) fail(err error) {
	b.progress.SetError(err.Error())
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *BackgroundBuilder) run(ctx context.Context) {
	defer close(b.doneCh)
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := os.MkdirAll(b.config.LockDir, 0o755); err != nil {
		b.fail(fmt.Errorf("failed to create lock directory: %w", err))
		return
	}

	lock := flock.New(lockPath(b.config.LockDir, b.config.Index))
	locked, err := lock.TryLock()
	if err != nil {
		b.fail(fmt.Errorf("failed to acquire build lock: %w", err))
		return
	}
	if !locked {
		b.fail(ErrBuildInProgress)
		return
	}
	defer func() { _ = lock.Unlock() }()

	marker := markerPath(b.config.LockDir, b.config.Index)
	if err := os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		b.fail(fmt.Errorf("failed to write build marker: %w", err))
		return
	}
	defer func() { _ = os.Remove(marker) }()

	if b.BuildFunc != nil {
		if err := b.BuildFunc(ctx, b.progress); err != nil {
			b.fail(err)
			return
		}
	}
	b.progress.SetBuilt()
}

// Stop cancels a running build and waits for it to finish.
func (b *BackgroundBuilder) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// Wait blocks until the build finishes and returns its error.
func (b *BackgroundBuilder) Wait() error {
	<-b.doneCh
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Done is closed when the build finishes.
func (b *BackgroundBuilder) Done() <-chan struct{} {
	return b.doneCh
}

// HasIncompleteBuild reports whether a build of index was interrupted
// before it finished.
func HasIncompleteBuild(lockDir, index string) bool {
	_, err := os.Stat(markerPath(lockDir, index))
	return err == nil
}

func lockPath(dir, index string) string {
	return filepath.Join(dir, index+".build.lock")
}

func markerPath(dir, index string) string {
	return filepath.Join(dir, index+".building")
}
