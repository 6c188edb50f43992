package executor

import "dacinstalld/internal/lockregistry"

// Lock registers an advisory hold on (type,id,version), rejecting if the key
// is already locked or if the active task targets the same identity.
func (e *Executor) Lock(appType, id, version, reason, owner string) (string, Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := lockregistry.Key{Type: appType, ID: id, Version: version}
	if e.current != nil && e.current.Type == appType && e.current.ID == id && e.current.Version == version {
		return "", CodeAppLocked
	}

	handle, err := e.locks.Lock(key, reason, owner, allocateHandle)
	if err != nil {
		return "", CodeAppLocked
	}
	return handle, CodeNone
}

// Unlock releases the lock identified by handle.
func (e *Executor) Unlock(handle string) Code {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.locks.UnlockByHandle(handle); err != nil {
		return CodeWrongHandle
	}
	return CodeNone
}

// GetLockInfo reports the reason and owner of the lock held on
// (type,id,version), if any.
func (e *Executor) GetLockInfo(appType, id, version string) (reason, owner string, code Code) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.locks.Get(lockregistry.Key{Type: appType, ID: id, Version: version})
	if !ok {
		return "", "", CodeWrongParams
	}
	return entry.Reason, entry.Owner, CodeNone
}
