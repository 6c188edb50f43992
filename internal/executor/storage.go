package executor

import (
	"context"
	"log"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"dacinstalld/internal/catalog"
	"dacinstalld/internal/fsutil"
)

// StorageDetails reports the on-disk byte sizes GetStorageDetails returns.
// AppSize is the installed-bundle size; DataSize is the persistent-storage
// size, which is version-independent.
type StorageDetails struct {
	AppSize  uint64
	DataSize uint64
}

// GetStorageDetails reports storage usage. With no id given it reports
// totals across every app (the apps root plus its tmp staging area, and the
// app-storage root); with an id given it reports that app's sizes -- the
// bundle size only if version is also given, and the persistent size always.
func (e *Executor) GetStorageDetails(appType, id, version string) (StorageDetails, Code) {
	e.mu.Lock()
	roots := e.roots
	e.mu.Unlock()

	if id == "" {
		if appType != "" || version != "" {
			return StorageDetails{}, CodeWrongParams
		}
		appsSize, err := fsutil.GetDirectorySpace(roots.AppsEpochDir())
		if err != nil {
			log.Printf("ERROR: executor: measuring apps root: %v", err)
			return StorageDetails{}, CodeGeneral
		}
		tmpSize, err := fsutil.GetDirectorySpace(filepath.Join(roots.AppsRoot, "tmp"))
		if err != nil {
			log.Printf("ERROR: executor: measuring tmp root: %v", err)
			return StorageDetails{}, CodeGeneral
		}
		dataSize, err := fsutil.GetDirectorySpace(roots.DataEpochDir())
		if err != nil {
			log.Printf("ERROR: executor: measuring data root: %v", err)
			return StorageDetails{}, CodeGeneral
		}
		log.Printf("INFO: executor: storage totals: apps=%s data=%s", humanize.Bytes(appsSize+tmpSize), humanize.Bytes(dataSize))
		return StorageDetails{AppSize: appsSize + tmpSize, DataSize: dataSize}, CodeNone
	}

	var appSize uint64
	if version != "" {
		ctx := context.Background()
		installed, err := e.cat.IsAppInstalled(ctx, catalog.Filter{Type: appType, ID: id, Version: version})
		if err != nil {
			log.Printf("ERROR: executor: checking install state: %v", err)
			return StorageDetails{}, CodeGeneral
		}
		if !installed {
			return StorageDetails{}, CodeWrongParams
		}
		size, err := fsutil.GetDirectorySpace(roots.AppDir(id, version))
		if err != nil {
			log.Printf("ERROR: executor: measuring app directory: %v", err)
			return StorageDetails{}, CodeGeneral
		}
		appSize = size
	}

	dataSize, err := fsutil.GetDirectorySpace(roots.DataDir(id))
	if err != nil {
		log.Printf("ERROR: executor: measuring data directory: %v", err)
		return StorageDetails{}, CodeGeneral
	}

	return StorageDetails{AppSize: appSize, DataSize: dataSize}, CodeNone
}

// GetAppDetailsList lists App rows left-outer-joined with InstalledApp, so
// apps with persistent data but no installed version are included.
func (e *Executor) GetAppDetailsList(appType, id, version string) ([]catalog.AppDetails, Code) {
	e.mu.Lock()
	cat := e.cat
	e.mu.Unlock()

	list, err := cat.GetAppDetailsListOuterJoin(context.Background(), catalog.Filter{Type: appType, ID: id, Version: version})
	if err != nil {
		log.Printf("ERROR: executor: listing app details: %v", err)
		return nil, CodeGeneral
	}
	return list, CodeNone
}

// SetMetadata upserts a single (key,value) annotation pair for an installed
// version.
func (e *Executor) SetMetadata(appType, id, version, key, value string) Code {
	e.mu.Lock()
	cat := e.cat
	e.mu.Unlock()

	err := cat.SetMetadata(context.Background(), catalog.Filter{Type: appType, ID: id, Version: version}, key, value)
	return metadataCode(err)
}

// ClearMetadata deletes a single key, or every key when key is empty, for an
// installed version.
func (e *Executor) ClearMetadata(appType, id, version, key string) Code {
	e.mu.Lock()
	cat := e.cat
	e.mu.Unlock()

	err := cat.ClearMetadata(context.Background(), catalog.Filter{Type: appType, ID: id, Version: version}, key)
	return metadataCode(err)
}

// GetMetadata returns the app details and every (key,value) annotation pair
// stored for an installed version.
func (e *Executor) GetMetadata(appType, id, version string) (catalog.AppDetails, map[string]string, Code) {
	e.mu.Lock()
	cat := e.cat
	e.mu.Unlock()

	details, kv, err := cat.GetMetadata(context.Background(), catalog.Filter{Type: appType, ID: id, Version: version})
	if err != nil {
		return catalog.AppDetails{}, nil, metadataCode(err)
	}
	return details, kv, CodeNone
}

func metadataCode(err error) Code {
	if err == nil {
		return CodeNone
	}
	if err == catalog.ErrNotFound {
		return CodeWrongParams
	}
	log.Printf("ERROR: executor: metadata operation: %v", err)
	return CodeGeneral
}
