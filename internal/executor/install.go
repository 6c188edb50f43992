package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"dacinstalld/internal/archive"
	"dacinstalld/internal/authstrategy"
	"dacinstalld/internal/catalog"
	"dacinstalld/internal/config"
	"dacinstalld/internal/downloader"
	"dacinstalld/internal/events"
	"dacinstalld/internal/fsutil"
	"dacinstalld/internal/layout"
)

// Install validates the request, admits it as the single active task, and
// returns its handle immediately; the install itself runs on a background
// worker goroutine.
func (e *Executor) Install(appType, id, version, url, appName, category string) (string, Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		if e.current.Operation == "uninstall" && e.current.ID == id {
			return "", CodeAppUninstalling
		}
		return "", CodeTooManyRequests
	}
	if appType == "" || id == "" || version == "" || url == "" {
		return "", CodeWrongParams
	}
	if !fsutil.IsAcceptableFilePath(id) || !fsutil.IsAcceptableFilePath(version) {
		return "", CodeWrongParams
	}

	f := catalog.Filter{Type: appType, ID: id, Version: version}
	installed, err := e.cat.IsAppInstalled(context.Background(), f)
	if err != nil {
		log.Printf("ERROR: executor: checking install state: %v", err)
		return "", CodeGeneral
	}
	if installed {
		return "", CodeAlreadyInstalled
	}

	if existingType, err := e.cat.GetTypeOfApp(context.Background(), id); err == nil && existingType != appType {
		return "", CodeWrongParams
	} else if err != nil && err != catalog.ErrNotFound {
		log.Printf("ERROR: executor: looking up app type: %v", err)
		return "", CodeGeneral
	}

	handle := allocateHandle()
	task := newTask(handle, newCorrelationID(), "install", appType, id, version)
	e.current = task

	go e.runInstall(task, url, appName, category)

	return handle, CodeNone
}

func (e *Executor) runInstall(task *Task, url, appName, category string) {
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

	log.Printf("INFO: executor: install %s/%s/%s handle=%s correlation=%s starting", task.Type, task.ID, task.Version, task.Handle, task.CorrelationID)

	if err := e.installSteps(task, url, appName, category); err != nil {
		if err == errCancelledInstall {
			status, percent = events.StatusCancelled, 0
			log.Printf("INFO: executor: install %s cancelled", task.Handle)
			return
		}
		status, percent, details = events.StatusFailed, task.Progress(), err.Error()
		log.Printf("ERROR: executor: install %s failed: %v", task.Handle, err)
		return
	}

	log.Printf("INFO: executor: install %s succeeded", task.Handle)
}

var errCancelledInstall = fmt.Errorf("install cancelled")

// downloadProgress adapts a Task to downloader.Listener: it translates the
// raw byte counts the downloader reports into the DOWNLOADING stage's share
// of the aggregate progress formula and publishes a PROGRESS event through
// the executor for every advance, instead of only updating the task's
// progress field for GetProgress polling.
type downloadProgress struct {
	e    *Executor
	task *Task
}

func (p downloadProgress) OnProgress(total, now uint64) {
	if total == 0 {
		return
	}
	percent := int(now * 100 / total)
	p.e.advance(p.task, stageDownloading, percent)
}

func (p downloadProgress) IsCancelled() bool { return p.task.IsCancelled() }

func (e *Executor) installSteps(task *Task, url, appName, category string) error {
	ctx := context.Background()

	method, err := e.authResolver.GetAuthenticationMethod(task.Type, task.ID, url)
	if err != nil {
		return fmt.Errorf("resolving authentication method: %w", err)
	}
	if method != authstrategy.MethodNone {
		return fmt.Errorf("Authentication method unsupported: %d", method)
	}

	e.mu.Lock()
	roots := e.roots
	cfg := e.cfg
	e.mu.Unlock()

	tmpRoot := filepath.Join(roots.AppsRoot, "tmp")
	tmpAppDir := filepath.Join(tmpRoot, layout.AppSubPath(task.ID, task.Version))
	scopedTmp, err := fsutil.NewScopedDir(tmpAppDir)
	if err != nil {
		return fmt.Errorf("staging temp directory: %w", err)
	}
	defer scopedTmp.Rollback() // tmp staging is always discarded, success or failure

	dl := downloader.New(url, downloadProgress{e: e, task: task}, downloader.Config{
		RetryAfterSeconds: cfg.DownloadRetryAfterSeconds,
		RetryMaxTimes:     cfg.DownloadRetryMaxTimes,
		TimeoutSeconds:    cfg.DownloadTimeoutSeconds,
	})

	contentLength, err := dl.GetContentLength(ctx)
	if err != nil {
		return fmt.Errorf("resolving content length: %w", err)
	}
	if contentLength == 0 {
		return fmt.Errorf("unable to determine bundle content length")
	}

	free, err := fsutil.GetFreeSpace(tmpRoot)
	if err != nil {
		return fmt.Errorf("checking free space: %w", err)
	}
	if contentLength > free {
		return fmt.Errorf("not enough space: need %s, have %s", humanize.Bytes(contentLength), humanize.Bytes(free))
	}

	bundlePath := filepath.Join(tmpAppDir, filepath.Base(url))
	if err := dl.Get(ctx, bundlePath); err != nil {
		if task.IsCancelled() {
			return errCancelledInstall
		}
		return fmt.Errorf("downloading bundle: %w", err)
	}
	if task.IsCancelled() {
		return errCancelledInstall
	}

	e.advance(task, stageExtracting, 0)

	appDir := roots.AppDir(task.ID, task.Version)
	scopedApp, err := fsutil.NewScopedDir(appDir)
	if err != nil {
		return fmt.Errorf("staging app directory: %w", err)
	}
	success := false
	defer func() {
		if !success {
			scopedApp.Rollback()
		}
	}()

	if _, err := archive.Extract(bundlePath, appDir); err != nil {
		return fmt.Errorf("extracting bundle: %w", err)
	}
	e.advance(task, stageExtracting, 100)

	e.advance(task, stageUpdatingDatabase, 0)
	dataDir := roots.DataDir(task.ID)
	scopedData, err := fsutil.NewScopedDir(dataDir)
	if err != nil {
		return fmt.Errorf("staging data directory: %w", err)
	}
	defer func() {
		if !success {
			scopedData.Rollback()
		}
	}()

	if err := e.cat.AddInstalledApp(ctx, catalogFilter(task), url, appName, category, appDir, dataDir); err != nil {
		return fmt.Errorf("updating catalog: %w", err)
	}

	scopedApp.Commit()
	scopedData.Commit()
	success = true

	e.applyAnnotations(ctx, task, cfg, appDir)

	e.advance(task, stageFinished, 100)
	return nil
}

// applyAnnotations reads the configured annotations file inside the
// extracted bundle, if present, and calls SetMetadata for every top-level
// JSON key matching the configured regex. Failures are logged and
// swallowed, per the install algorithm's step 11 -- a malformed or missing
// annotations file must never fail an otherwise-successful install.
func (e *Executor) applyAnnotations(ctx context.Context, task *Task, cfg config.Config, appDir string) {
	if cfg.AnnotationsFile == "" {
		return
	}
	re, err := annotationsRegexCompiled(cfg.AnnotationsRegex)
	if err != nil {
		log.Printf("WARN: executor: invalid annotations regex %q: %v", cfg.AnnotationsRegex, err)
		return
	}

	raw, err := os.ReadFile(filepath.Join(appDir, cfg.AnnotationsFile))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("WARN: executor: reading annotations file: %v", err)
		}
		return
	}

	var annotations map[string]string
	if err := json.Unmarshal(raw, &annotations); err != nil {
		log.Printf("WARN: executor: parsing annotations file: %v", err)
		return
	}

	for key, value := range annotations {
		if re != nil && !re.MatchString(key) {
			continue
		}
		if err := e.cat.SetMetadata(ctx, catalogFilter(task), key, value); err != nil {
			log.Printf("WARN: executor: applying annotation %q: %v", key, err)
		}
	}
}

func catalogFilter(task *Task) catalog.Filter {
	return catalog.Filter{Type: task.Type, ID: task.ID, Version: task.Version}
}

// advance sets progress to the start (stagePercent) of the given stage,
// publishing a PROGRESS event. Progress never decreases.
func (e *Executor) advance(task *Task, s stage, stagePercent int) {
	agg := aggregateProgress(s, stagePercent)
	if agg <= task.Progress() {
		return
	}
	task.setProgress(agg)
	e.publish(task, events.StatusProgress, agg, "")
}

func (e *Executor) publish(task *Task, status events.Status, percent int, details string) {
	e.bus.PublishStatus(events.OperationStatus{
		Handle:    task.Handle,
		Operation: task.Operation,
		Type:      task.Type,
		ID:        task.ID,
		Version:   task.Version,
		Status:    status,
		Percent:   percent,
		Details:   details,
	})
}

// annotationsRegexCompiled compiles the configured annotations regex, or nil
// if none is configured.
func annotationsRegexCompiled(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}
