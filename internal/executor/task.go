package executor

import "sync/atomic"

// stage identifies a step of the linear install state machine.
type stage int

const (
	stageDownloading stage = iota
	stageExtracting
	stageUpdatingDatabase
	stageFinished
)

// stageBase and stageFactor implement the aggregate-progress formula:
// aggregate = base[stage] + stagePercent * factor[stage].
var stageBase = [...]int{0, 90, 95, 100}
var stageFactor = [...]float64{0.90, 0.05, 0.05, 0}

func aggregateProgress(s stage, stagePercent int) int {
	if stagePercent < 0 {
		stagePercent = 0
	}
	if stagePercent > 100 {
		stagePercent = 100
	}
	return stageBase[s] + int(float64(stagePercent)*stageFactor[s])
}

// Task is the single in-memory record of the active install/uninstall
// operation. At most one Task exists at a time; it is owned exclusively by
// the Executor.
type Task struct {
	Handle        string
	CorrelationID string
	Operation     string // "install" or "uninstall"
	Type, ID, Version string

	progress  int32 // atomic: 0-100, monotonically non-decreasing
	cancelled int32 // atomic bool
	done      chan struct{}
}

func newTask(handle, correlationID, operation, appType, id, version string) *Task {
	return &Task{
		Handle:        handle,
		CorrelationID: correlationID,
		Operation:     operation,
		Type:          appType,
		ID:            id,
		Version:       version,
		done:          make(chan struct{}),
	}
}

// Progress returns the last published aggregate progress value.
func (t *Task) Progress() int { return int(atomic.LoadInt32(&t.progress)) }

// setProgress stores a new aggregate progress value. The caller is
// responsible for ensuring monotonicity before calling this.
func (t *Task) setProgress(p int) { atomic.StoreInt32(&t.progress, int32(p)) }

// requestCancel sets the cancellation flag. It is safe to call concurrently
// with IsCancelled.
func (t *Task) requestCancel() { atomic.StoreInt32(&t.cancelled, 1) }

// IsCancelled reports whether cancellation has been requested. It is safe to
// call concurrently with requestCancel.
func (t *Task) IsCancelled() bool { return atomic.LoadInt32(&t.cancelled) != 0 }

func (t *Task) markDone() { close(t.done) }
