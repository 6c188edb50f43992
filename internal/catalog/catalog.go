// Package catalog implements the SQLite-backed persistence layer for
// installed application bundles: the apps, installed_apps and metadata
// tables described by the installer's data model, with integrity
// self-check and schema bootstrap on open.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("catalog: not found")

// Error wraps any failure surfaced by the underlying SQLite driver so
// callers can distinguish catalog failures from other error kinds without
// depending on database/sql directly.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Filter selects rows by (type,id,version); an empty field matches all
// values for that column: each value is bound twice, once compared with the
// empty string and once matched against the column, joined by OR.
type Filter struct {
	Type    string
	ID      string
	Version string
}

// AppDetails is the denormalized view returned by the list and metadata
// queries: an App row left- or inner-joined with its InstalledApp row.
type AppDetails struct {
	Type     string
	ID       string
	Version  string
	AppName  string
	Category string
	URL      string
	AppPath  string
	DataPath string
	Created  time.Time
}

// Catalog owns the single SQLite connection backing the apps/installed_apps/
// metadata tables. All operations are safe to call concurrently, but in
// practice the executor serializes access via its own task mutex.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path, running an integrity
// check and, if it fails, dropping and recreating the schema from scratch --
// a corrupt catalog is treated as an empty one, relying on a subsequent
// reconciliation pass to rebuild the filesystem view.
func Open(path string) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	c := &Catalog{db: db}
	if err := c.bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return wrap("close", c.db.Close())
}

func (c *Catalog) bootstrap(ctx context.Context) error {
	ok, err := c.integrityOK(ctx)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("WARN: catalog: integrity_check failed, recreating schema")
		if err := c.dropSchema(ctx); err != nil {
			return err
		}
	}
	return c.createSchema(ctx)
}

func (c *Catalog) integrityOK(ctx context.Context) (bool, error) {
	var result string
	if err := c.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		// A query failure (e.g. the file isn't a database at all) also counts
		// as corruption: treat it the same as a failed integrity check.
		return false, nil
	}
	return result == "ok", nil
}

func (c *Catalog) dropSchema(ctx context.Context) error {
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS metadata",
		"DROP TABLE IF EXISTS installed_apps",
		"DROP TABLE IF EXISTS apps",
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return wrap("drop schema", err)
		}
	}
	return nil
}

func (c *Catalog) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS apps (
			idx INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			app_id TEXT NOT NULL UNIQUE,
			data_path TEXT NOT NULL,
			created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS installed_apps (
			idx INTEGER PRIMARY KEY AUTOINCREMENT,
			app_idx INTEGER NOT NULL REFERENCES apps(idx) ON DELETE CASCADE,
			version TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			app_path TEXT NOT NULL,
			created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(app_idx, version)
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			idx INTEGER PRIMARY KEY AUTOINCREMENT,
			app_idx INTEGER NOT NULL REFERENCES installed_apps(idx) ON DELETE CASCADE,
			meta_key TEXT NOT NULL,
			meta_value TEXT NOT NULL DEFAULT '',
			UNIQUE(app_idx, meta_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return wrap("create schema", err)
		}
	}
	return nil
}

// withWrite runs fn inside a transaction, committing on success and rolling
// back on any error returned by fn or by the commit itself.
func (c *Catalog) withWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// AddInstalledApp upserts the App row for (type,id) and inserts a new
// InstalledApp row for version. appPath and dataPath are stored verbatim in
// the app_path and data_path columns; the executor passes absolute
// directories here, not sub-paths, and GetStorageDetails reports sizes only,
// not these paths.
func (c *Catalog) AddInstalledApp(ctx context.Context, f Filter, url, appName, category, appPath, dataPath string) error {
	return c.withWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO apps(type, app_id, data_path) VALUES (?, ?, ?)
			ON CONFLICT(app_id) DO UPDATE SET data_path = excluded.data_path
		`, f.Type, f.ID, dataPath); err != nil {
			return wrap("upsert app", err)
		}

		var appIdx int64
		if err := tx.QueryRowContext(ctx, `SELECT idx FROM apps WHERE app_id = ?`, f.ID).Scan(&appIdx); err != nil {
			return wrap("lookup app idx", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO installed_apps(app_idx, version, name, category, url, app_path)
			VALUES (?, ?, ?, ?, ?, ?)
		`, appIdx, f.Version, appName, category, url, appPath); err != nil {
			return wrap("insert installed_app", err)
		}
		return nil
	})
}

// IsAppInstalled reports whether (type,id,version) has an InstalledApp row.
func (c *Catalog) IsAppInstalled(ctx context.Context, f Filter) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM installed_apps ia
		JOIN apps a ON a.idx = ia.app_idx
		WHERE a.type = ? AND a.app_id = ? AND ia.version = ?
	`, f.Type, f.ID, f.Version).Scan(&count)
	if err != nil {
		return false, wrap("is app installed", err)
	}
	return count > 0, nil
}

// GetTypeOfApp returns the type registered for id, or ErrNotFound.
func (c *Catalog) GetTypeOfApp(ctx context.Context, id string) (string, error) {
	var appType string
	err := c.db.QueryRowContext(ctx, `SELECT type FROM apps WHERE app_id = ?`, id).Scan(&appType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrap("get type of app", err)
	}
	return appType, nil
}

// IsAppData reports whether an App row (persistent data registration)
// exists for (type,id), independent of any installed version.
func (c *Catalog) IsAppData(ctx context.Context, appType, id string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM apps WHERE type = ? AND app_id = ?`, appType, id).Scan(&count)
	if err != nil {
		return false, wrap("is app data", err)
	}
	return count > 0, nil
}

// RemoveInstalledApp deletes the InstalledApp row for (type,id,version) and
// its metadata rows.
func (c *Catalog) RemoveInstalledApp(ctx context.Context, f Filter) error {
	return c.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM installed_apps WHERE idx IN (
				SELECT ia.idx FROM installed_apps ia
				JOIN apps a ON a.idx = ia.app_idx
				WHERE a.type = ? AND a.app_id = ? AND ia.version = ?
			)
		`, f.Type, f.ID, f.Version)
		if err != nil {
			return wrap("remove installed app", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RemoveAppData deletes the App row for (type,id); installed_apps and
// metadata rows cascade via foreign keys, but callers are expected to have
// already removed any remaining InstalledApp rows explicitly.
func (c *Catalog) RemoveAppData(ctx context.Context, appType, id string) error {
	return c.withWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM apps WHERE type = ? AND app_id = ?`, appType, id)
		if err != nil {
			return wrap("remove app data", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetAppsPaths returns the app_path of every InstalledApp row matching f.
func (c *Catalog) GetAppsPaths(ctx context.Context, f Filter) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ia.app_path FROM installed_apps ia
		JOIN apps a ON a.idx = ia.app_idx
		WHERE (? = '' OR a.type = ?) AND (? = '' OR a.app_id = ?) AND (? = '' OR ia.version = ?)
	`, f.Type, f.Type, f.ID, f.ID, f.Version, f.Version)
	if err != nil {
		return nil, wrap("get apps paths", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// GetDataPaths returns the data_path of every App row matching (type,id).
func (c *Catalog) GetDataPaths(ctx context.Context, f Filter) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT data_path FROM apps
		WHERE (? = '' OR type = ?) AND (? = '' OR app_id = ?)
	`, f.Type, f.Type, f.ID, f.ID)
	if err != nil {
		return nil, wrap("get data paths", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrap("scan", err)
		}
		out = append(out, s)
	}
	return out, wrap("rows", rows.Err())
}

const detailsColumns = `
	a.type, a.app_id, COALESCE(ia.version, ''), COALESCE(ia.name, ''),
	COALESCE(ia.category, ''), COALESCE(ia.url, ''), COALESCE(ia.app_path, ''),
	a.data_path, a.created
`

// GetAppDetailsList returns App rows inner-joined with InstalledApp, i.e.
// only apps that have at least one installed version, filtered by f.
func (c *Catalog) GetAppDetailsList(ctx context.Context, f Filter) ([]AppDetails, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+detailsColumns+`
		FROM apps a
		JOIN installed_apps ia ON ia.app_idx = a.idx
		WHERE (? = '' OR a.type = ?) AND (? = '' OR a.app_id = ?) AND (? = '' OR ia.version = ?)
		ORDER BY a.app_id, ia.version
	`, f.Type, f.Type, f.ID, f.ID, f.Version, f.Version)
	if err != nil {
		return nil, wrap("get app details list", err)
	}
	defer rows.Close()
	return scanAppDetails(rows)
}

// GetAppDetailsListOuterJoin returns every App row left-outer-joined with
// InstalledApp, so apps with persistent data but no installed version are
// included (their version/name/category/url fields are empty).
func (c *Catalog) GetAppDetailsListOuterJoin(ctx context.Context, f Filter) ([]AppDetails, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+detailsColumns+`
		FROM apps a
		LEFT JOIN installed_apps ia ON ia.app_idx = a.idx
		WHERE (? = '' OR a.type = ?) AND (? = '' OR a.app_id = ?) AND (? = '' OR ia.version = ?)
		ORDER BY a.app_id, ia.version
	`, f.Type, f.Type, f.ID, f.ID, f.Version, f.Version)
	if err != nil {
		return nil, wrap("get app details list outer join", err)
	}
	defer rows.Close()
	return scanAppDetails(rows)
}

func scanAppDetails(rows *sql.Rows) ([]AppDetails, error) {
	var out []AppDetails
	for rows.Next() {
		var d AppDetails
		if err := rows.Scan(&d.Type, &d.ID, &d.Version, &d.AppName, &d.Category, &d.URL, &d.AppPath, &d.DataPath, &d.Created); err != nil {
			return nil, wrap("scan app details", err)
		}
		out = append(out, d)
	}
	return out, wrap("rows", rows.Err())
}

// SetMetadata upserts a single (key,value) pair for (type,id,version).
func (c *Catalog) SetMetadata(ctx context.Context, f Filter, key, value string) error {
	return c.withWrite(ctx, func(tx *sql.Tx) error {
		var installedIdx int64
		err := tx.QueryRowContext(ctx, `
			SELECT ia.idx FROM installed_apps ia
			JOIN apps a ON a.idx = ia.app_idx
			WHERE a.type = ? AND a.app_id = ? AND ia.version = ?
		`, f.Type, f.ID, f.Version).Scan(&installedIdx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return wrap("lookup installed app for metadata", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO metadata(app_idx, meta_key, meta_value) VALUES (?, ?, ?)
			ON CONFLICT(app_idx, meta_key) DO UPDATE SET meta_value = excluded.meta_value
		`, installedIdx, key, value)
		return wrap("set metadata", err)
	})
}

// ClearMetadata deletes a single key, or every key when key is empty, for
// (type,id,version).
func (c *Catalog) ClearMetadata(ctx context.Context, f Filter, key string) error {
	return c.withWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM metadata WHERE app_idx IN (
				SELECT ia.idx FROM installed_apps ia
				JOIN apps a ON a.idx = ia.app_idx
				WHERE a.type = ? AND a.app_id = ? AND ia.version = ?
			) AND (? = '' OR meta_key = ?)
		`, f.Type, f.ID, f.Version, key, key)
		return wrap("clear metadata", err)
	})
}

// GetMetadata returns the app details for (type,id,version) along with every
// (key,value) pair currently stored against it.
func (c *Catalog) GetMetadata(ctx context.Context, f Filter) (AppDetails, map[string]string, error) {
	list, err := c.GetAppDetailsList(ctx, f)
	if err != nil {
		return AppDetails{}, nil, err
	}
	if len(list) == 0 {
		return AppDetails{}, nil, ErrNotFound
	}
	details := list[0]

	rows, err := c.db.QueryContext(ctx, `
		SELECT m.meta_key, m.meta_value FROM metadata m
		JOIN installed_apps ia ON ia.idx = m.app_idx
		JOIN apps a ON a.idx = ia.app_idx
		WHERE a.type = ? AND a.app_id = ? AND ia.version = ?
	`, f.Type, f.ID, f.Version)
	if err != nil {
		return AppDetails{}, nil, wrap("get metadata", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return AppDetails{}, nil, wrap("scan metadata", err)
		}
		kv[k] = v
	}
	return details, kv, wrap("rows", rows.Err())
}
