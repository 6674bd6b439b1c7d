package store

import (
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded, file-based default back-end: no cgo,
// single-process, suitable as the out-of-the-box data_dir/dsari.db.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLite opens a SQLite database at path ("" defaults to
// ":memory:" for ephemeral test use).
func NewSQLite(path string) (*SQLiteStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = ":memory:"
	}
	base, err := newSQLStore("sqlite", p, sqliteDialect)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// A fresh connection per query would see a fresh, empty
		// in-memory database; pin the pool to one connection so the
		// schema and data persist across calls.
		base.db.SetMaxOpenConns(1)
	}
	return &SQLiteStore{sqlStore: base}, nil
}
