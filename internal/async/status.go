// Package async runs index builds in the background with progress tracking.
package async

import (
	"sync"
	"time"
)

// BuildStatus is the overall state of a build.
type BuildStatus string

const (
	// StatusBuilding means the build is running.
	StatusBuilding BuildStatus = "building"
	// StatusBuilt means every row reached the backend.
	StatusBuilt BuildStatus = "built"
	// StatusFailed means the build stopped and the index is not built.
	StatusFailed BuildStatus = "failed"
)

// BuildStage is the current phase of a running build.
type BuildStage string

const (
	// StageScanning means base-table rows are being read and enqueued.
	StageScanning BuildStage = "scanning"
	// StageDraining means the scan finished and queued writes are settling.
	StageDraining BuildStage = "draining"
)

// BuildProgressSnapshot is an immutable copy of build progress.
type BuildProgressSnapshot struct {
	Index          string  `json:"index"`
	Status         string  `json:"status"`
	Stage          string  `json:"stage"`
	RowsScanned    int64   `json:"rows_scanned"`
	RowsSkipped    int64   `json:"rows_skipped"`
	RowsApplied    int64   `json:"rows_applied"`
	RowsFailed     int64   `json:"rows_failed"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// BuildProgress tracks a build. Safe for concurrent use.
type BuildProgress struct {
	mu sync.RWMutex

	index        string
	status       BuildStatus
	stage        BuildStage
	rowsScanned  int64
	rowsSkipped  int64
	rowsApplied  int64
	rowsFailed   int64
	startTime    time.Time
	errorMessage string
}

// NewBuildProgress creates a tracker in the building state.
func NewBuildProgress(index string) *BuildProgress {
	return &BuildProgress{
		index:     index,
		status:    StatusBuilding,
		stage:     StageScanning,
		startTime: time.Now(),
	}
}

// SetStage moves the build to stage.
func (p *BuildProgress) SetStage(stage BuildStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
}

// RowScanned counts a row read from the base table.
func (p *BuildProgress) RowScanned() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rowsScanned++
}

// RowSkipped counts a scanned row with nothing to index.
func (p *BuildProgress) RowSkipped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rowsSkipped++
}

// RowDone counts a row whose write settled, successfully or not.
func (p *BuildProgress) RowDone(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.rowsFailed++
		return
	}
	p.rowsApplied++
}

// Failed returns the number of rows whose write was dropped.
func (p *BuildProgress) Failed() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rowsFailed
}

// SetError marks the build failed.
func (p *BuildProgress) SetError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusFailed
	p.errorMessage = message
}

// SetBuilt marks the build complete.
func (p *BuildProgress) SetBuilt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = StatusBuilt
}

// IsBuilding reports whether the build is still running.
func (p *BuildProgress) IsBuilding() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusBuilding
}

// Snapshot returns the current progress.
func (p *BuildProgress) Snapshot() BuildProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	if toIndex := p.rowsScanned - p.rowsSkipped; toIndex > 0 {
		pct = float64(p.rowsApplied+p.rowsFailed) / float64(toIndex) * 100.0
	}

	return BuildProgressSnapshot{
		Index:          p.index,
		Status:         string(p.status),
		Stage:          string(p.stage),
		RowsScanned:    p.rowsScanned,
		RowsSkipped:    p.rowsSkipped,
		RowsApplied:    p.rowsApplied,
		RowsFailed:     p.rowsFailed,
		ProgressPct:    pct,
		ElapsedSeconds: int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
