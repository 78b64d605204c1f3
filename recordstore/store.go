// Package recordstore opens handles onto the SQLite game-record store.
//
// A Handle wraps exactly one SQLite connection. Handles are not safe for
// concurrent use: they're owned by a pool.Pool, which checks each out to at
// most one caller at a time.
package recordstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options configure the opening of a Handle.
type Options struct {
	// ReadOnly opens the database with SQLite's "mode=ro". The file must
	// already exist.
	ReadOnly bool
	// BusyTimeout bounds the time SQLite waits on a locked database before
	// returning SQLITE_BUSY. Zero uses the driver default.
	BusyTimeout time.Duration
	// URIValues are additional SQLite / go-sqlite3 URI parameters, eg
	// "_journal_mode" or "cache".
	URIValues url.Values
}

// Handle is a single connection to a record store file.
type Handle struct {
	path string
	db   *sql.DB
}

// Open a Handle to the SQLite database at |path|. Open verifies the file is
// a readable SQLite database before returning, so that a missing or corrupt
// store fails here rather than on first query.
func Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	if opts.ReadOnly {
		if fi, err := os.Stat(path); err != nil {
			return nil, errors.WithMessage(err, "stat of record store")
		} else if fi.IsDir() {
			return nil, errors.Errorf("record store %q is a directory", path)
		}
	}

	var db, err = sql.Open("sqlite3", URIForPath(path, opts))
	if err != nil {
		return nil, errors.WithMessagef(err, "opening record store %q", path)
	}
	// One connection per Handle. Concurrency is provided by the pool, which
	// holds many Handles, rather than by database/sql.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	var n int
	if err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "verifying record store %q", path)
	}

	log.WithFields(log.Fields{
		"path":     path,
		"readOnly": opts.ReadOnly,
		"objects":  n,
	}).Debug("opened record store handle")

	return &Handle{path: path, db: db}, nil
}

// URIForPath returns the go-sqlite3 URI used to open |path| under |opts|.
func URIForPath(path string, opts Options) string {
	var v = url.Values{}
	for k, vv := range opts.URIValues {
		v[k] = append([]string(nil), vv...)
	}
	if opts.ReadOnly {
		v.Set("mode", "ro")
	}
	if opts.BusyTimeout != 0 {
		v.Set("_busy_timeout", fmt.Sprint(opts.BusyTimeout.Milliseconds()))
	}
	if len(v) == 0 {
		return "file:" + path
	}
	return "file:" + path + "?" + v.Encode()
}

// Path of the store file.
func (h *Handle) Path() string { return h.path }

// Query runs |stmt| and fully materializes its rows.
func (h *Handle) Query(ctx context.Context, stmt string, args ...interface{}) (Result, error) {
	var rows, err = h.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out Result
	if out.Columns, err = rows.Columns(); err != nil {
		return Result{}, err
	}
	for rows.Next() {
		var vals = make([]interface{}, len(out.Columns))
		var ptrs = make([]interface{}, len(out.Columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		out.Rows = append(out.Rows, vals)
	}
	if err = rows.Err(); err != nil {
		return Result{}, err
	}
	return out, nil
}

// Exec runs a statement which returns no rows.
func (h *Handle) Exec(ctx context.Context, stmt string, args ...interface{}) (sql.Result, error) {
	return h.db.ExecContext(ctx, stmt, args...)
}

// Ping verifies the underlying connection is usable.
func (h *Handle) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }

// Close the Handle.
func (h *Handle) Close() error { return h.db.Close() }

// IsBroken returns true if |err| indicates the Handle's underlying connection
// or file is unusable, and the Handle should be re-opened rather than reused.
// Ordinary query errors (syntax, constraint, no rows) are not broken.
func IsBroken(err error) bool {
	if err == nil {
		return false
	} else if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrCantOpen:
			return true
		}
	}
	return false
}
