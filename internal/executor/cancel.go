package executor

// Cancel requests cancellation of the active task identified by handle.
// Cancellation is only honored while progress has not yet reached the
// EXTRACTING stage; Cancel is synchronous, blocking until the worker
// observes the request and exits.
func (e *Executor) Cancel(handle string) Code {
	e.mu.Lock()
	task := e.current
	if task == nil || task.Handle != handle {
		e.mu.Unlock()
		return CodeWrongHandle
	}
	if task.Progress() >= stageBase[stageExtracting] {
		e.mu.Unlock()
		return CodeWrongParams
	}
	task.requestCancel()
	e.mu.Unlock()

	<-task.done
	return CodeNone
}

// GetProgress returns the aggregate progress of the task identified by
// handle, 0-100.
func (e *Executor) GetProgress(handle string) (int, Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.current
	if task == nil || task.Handle != handle {
		return 0, CodeWrongHandle
	}
	return task.Progress(), CodeNone
}
