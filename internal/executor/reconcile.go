package executor

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"dacinstalld/internal/catalog"
	"dacinstalld/internal/fsutil"
	"dacinstalld/internal/layout"
)

// Reconcile runs the same reconciliation pass reconcile runs internally
// after every Configure/Install/Uninstall. It is exported so a periodic
// scheduler (internal/reconcilesched) can additionally trigger it on a
// fixed interval, independent of any API call.
func (e *Executor) Reconcile(ctx context.Context) {
	e.reconcile(ctx)
}

// reconcile reconciles the catalog against the filesystem: it is called
// after every Configure, Install and Uninstall. It is best-effort -- every
// failure is logged and suppressed, never propagated, since reconciliation
// runs as background cleanup after an operation has already completed.
func (e *Executor) reconcile(ctx context.Context) {
	e.mu.Lock()
	roots := e.roots
	cat := e.cat
	e.mu.Unlock()

	if cat == nil {
		return
	}

	resetTmp(roots)
	reconcileAppDirs(ctx, cat, roots)
	reconcileDataDirs(ctx, cat, roots)
	reconcileAppRows(ctx, cat, roots)
}

// resetTmp recursively removes and recreates the staging directory under the
// apps root, discarding any partial download left behind by a crash.
func resetTmp(roots layout.Roots) {
	tmpRoot := filepath.Join(roots.AppsRoot, "tmp")
	if err := os.RemoveAll(tmpRoot); err != nil {
		log.Printf("WARN: executor: reconcile: removing tmp root: %v", err)
		return
	}
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		log.Printf("WARN: executor: reconcile: recreating tmp root: %v", err)
	}
}

// reconcileAppDirs walks <AppsRoot>/0/<id>/<version> directories, removing
// any that are empty or whose (id,version) has no InstalledApp row.
func reconcileAppDirs(ctx context.Context, cat *catalog.Catalog, roots layout.Roots) {
	ids, err := fsutil.GetSubdirectories(roots.AppsEpochDir())
	if err != nil {
		log.Printf("WARN: executor: reconcile: listing app ids: %v", err)
		return
	}
	for _, id := range ids {
		if id == "tmp" {
			continue
		}
		idDir := roots.AppIDDir(id)
		versions, err := fsutil.GetSubdirectories(idDir)
		if err != nil {
			log.Printf("WARN: executor: reconcile: listing versions for %s: %v", id, err)
			continue
		}
		for _, version := range versions {
			versionDir := roots.AppDir(id, version)
			empty, err := dirIsEmpty(versionDir)
			if err != nil {
				log.Printf("WARN: executor: reconcile: checking %s: %v", versionDir, err)
				continue
			}
			if empty {
				removeDir(versionDir)
				continue
			}
			paths, err := cat.GetAppsPaths(ctx, catalog.Filter{ID: id, Version: version})
			if err != nil {
				log.Printf("WARN: executor: reconcile: checking catalog for %s/%s: %v", id, version, err)
				continue
			}
			if len(paths) == 0 {
				removeDir(versionDir)
			}
		}
	}
}

// reconcileDataDirs walks <DataRoot>/0/<id> directories, removing any that
// are empty or have no App row registered.
func reconcileDataDirs(ctx context.Context, cat *catalog.Catalog, roots layout.Roots) {
	ids, err := fsutil.GetSubdirectories(roots.DataEpochDir())
	if err != nil {
		log.Printf("WARN: executor: reconcile: listing data ids: %v", err)
		return
	}
	for _, id := range ids {
		dataDir := roots.DataDir(id)
		empty, err := dirIsEmpty(dataDir)
		if err != nil {
			log.Printf("WARN: executor: reconcile: checking %s: %v", dataDir, err)
			continue
		}
		if empty {
			removeDir(dataDir)
			continue
		}
		if _, err := cat.GetTypeOfApp(ctx, id); err != nil {
			if err != catalog.ErrNotFound {
				log.Printf("WARN: executor: reconcile: checking app data for %s: %v", id, err)
				continue
			}
			removeDir(dataDir)
		}
	}
}

// reconcileAppRows walks every App row, removing InstalledApp rows whose app
// directory has vanished or gone empty, and recreating a missing data
// directory for every App row, including data-only rows with no installed
// version (a row whose InstalledApp entry was just removed is skipped).
func reconcileAppRows(ctx context.Context, cat *catalog.Catalog, roots layout.Roots) {
	rows, err := cat.GetAppDetailsListOuterJoin(ctx, catalog.Filter{})
	if err != nil {
		log.Printf("WARN: executor: reconcile: listing app rows: %v", err)
		return
	}
	for _, row := range rows {
		if row.Version != "" {
			appDir := roots.AppDir(row.ID, row.Version)
			empty, err := dirIsEmpty(appDir)
			if err != nil || empty {
				if err := cat.RemoveInstalledApp(ctx, catalog.Filter{Type: row.Type, ID: row.ID, Version: row.Version}); err != nil && err != catalog.ErrNotFound {
					log.Printf("WARN: executor: reconcile: removing stale installed_app row %s/%s: %v", row.ID, row.Version, err)
				}
				continue
			}
		}

		dataDir := roots.DataDir(row.ID)
		if _, err := os.Stat(dataDir); os.IsNotExist(err) {
			if err := fsutil.CreateDirectory(dataDir, -1, true); err != nil {
				log.Printf("WARN: executor: reconcile: recreating data dir for %s: %v", row.ID, err)
			}
		}
	}
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

func removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("WARN: executor: reconcile: removing %s: %v", dir, err)
	}
}
