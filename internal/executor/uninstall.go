package executor

import (
	"context"
	"fmt"
	"log"

	"dacinstalld/internal/catalog"
	"dacinstalld/internal/events"
	"dacinstalld/internal/fsutil"
	"dacinstalld/internal/lockregistry"
)

// Uninstall validates the request and admits it as the single active task.
// uninstallType is either "upgrade" (remove only the version, keep
// persistent data) or "full" (also remove persistent data once no version
// remains installed).
func (e *Executor) Uninstall(appType, id, version, uninstallType string) (string, Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return "", CodeTooManyRequests
	}
	if appType == "" || id == "" {
		return "", CodeWrongParams
	}

	key := lockregistry.Key{Type: appType, ID: id, Version: version}
	if e.locks.IsLocked(key) {
		return "", CodeAppLocked
	}

	ctx := context.Background()
	if version != "" {
		installed, err := e.cat.IsAppInstalled(ctx, catalog.Filter{Type: appType, ID: id, Version: version})
		if err != nil {
			log.Printf("ERROR: executor: checking install state: %v", err)
			return "", CodeGeneral
		}
		if !installed {
			return "", CodeWrongParams
		}
	} else {
		// The only version-less uninstall is the residual-storage case: a
		// data-only App row with no remaining installed version.
		if uninstallType != "full" {
			return "", CodeWrongParams
		}
		hasData, err := e.cat.IsAppData(ctx, appType, id)
		if err != nil {
			log.Printf("ERROR: executor: checking app data: %v", err)
			return "", CodeGeneral
		}
		if !hasData {
			return "", CodeWrongParams
		}
		remaining, err := e.cat.GetAppDetailsList(ctx, catalog.Filter{Type: appType, ID: id})
		if err != nil {
			log.Printf("ERROR: executor: checking remaining versions: %v", err)
			return "", CodeGeneral
		}
		if len(remaining) > 0 {
			return "", CodeWrongParams
		}
	}

	handle := allocateHandle()
	task := newTask(handle, newCorrelationID(), "uninstall", appType, id, version)
	e.current = task

	go e.runUninstall(task, uninstallType)

	return handle, CodeNone
}

func (e *Executor) runUninstall(task *Task, uninstallType string) {
	status, percent, details := events.StatusSuccess, 100, ""
	defer func() {
		// Reconcile and release the task slot before the terminal event, so a
		// caller reacting to it sees the final state and can admit a new task.
		e.reconcile(context.Background())
		e.mu.Lock()
		e.current = nil
		e.publish(task, status, percent, details)
		e.mu.Unlock()
		task.markDone()
	}()

	log.Printf("INFO: executor: uninstall %s/%s/%s handle=%s correlation=%s starting", task.Type, task.ID, task.Version, task.Handle, task.CorrelationID)

	if err := e.uninstallSteps(task, uninstallType); err != nil {
		status, percent, details = events.StatusFailed, task.Progress(), err.Error()
		log.Printf("ERROR: executor: uninstall %s failed: %v", task.Handle, err)
		return
	}

	task.setProgress(100)
	log.Printf("INFO: executor: uninstall %s succeeded", task.Handle)
}

func (e *Executor) uninstallSteps(task *Task, uninstallType string) error {
	ctx := context.Background()

	e.mu.Lock()
	roots := e.roots
	e.mu.Unlock()

	if task.Version != "" {
		if err := e.cat.RemoveInstalledApp(ctx, catalogFilter(task)); err != nil {
			return fmt.Errorf("removing catalog record: %w", err)
		}
		if err := fsutil.RemoveDirectory(roots.AppDir(task.ID, task.Version)); err != nil {
			return fmt.Errorf("removing app directory: %w", err)
		}
	}

	if uninstallType == "full" {
		remaining, err := e.cat.GetAppDetailsList(ctx, catalog.Filter{Type: task.Type, ID: task.ID})
		if err != nil {
			return fmt.Errorf("checking remaining versions: %w", err)
		}
		if len(remaining) == 0 {
			if err := e.cat.RemoveAppData(ctx, task.Type, task.ID); err != nil && err != catalog.ErrNotFound {
				return fmt.Errorf("removing app record: %w", err)
			}
			if err := fsutil.RemoveDirectory(roots.DataDir(task.ID)); err != nil {
				return fmt.Errorf("removing data directory: %w", err)
			}
		}
	}

	return nil
}
