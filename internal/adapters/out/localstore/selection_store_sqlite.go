// internal/adapters/out/localstore/selection_store_sqlite.go
package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SelectionStoreSQLite is the durable local storage for discount
// selections. It outlives the process so a selection survives a
// restart, mirroring browser-local storage semantics.
type SelectionStoreSQLite struct {
	db *sql.DB
}

func NewSelectionStoreSQLite(path string) (*SelectionStoreSQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("selection_store: path is empty")
	}

	db, err := sql.Open("sqlite3", p)
	if err != nil {
		return nil, fmt.Errorf("selection_store: open %s: %w", p, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS selections (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("selection_store: init schema: %w", err)
	}

	return &SelectionStoreSQLite{db: db}, nil
}

func (s *SelectionStoreSQLite) Get(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("selection_store: db is nil")
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM selections WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("selection_store: get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SelectionStoreSQLite) Set(key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("selection_store: db is nil")
	}

	_, err := s.db.Exec(
		`INSERT INTO selections(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("selection_store: set %s: %w", key, err)
	}
	return nil
}

func (s *SelectionStoreSQLite) Delete(key string) error {
	if s == nil || s.db == nil {
		return errors.New("selection_store: db is nil")
	}

	if _, err := s.db.Exec(`DELETE FROM selections WHERE key = ?`, key); err != nil {
		return fmt.Errorf("selection_store: delete %s: %w", key, err)
	}
	return nil
}

func (s *SelectionStoreSQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
