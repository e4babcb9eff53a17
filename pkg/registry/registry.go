// Package registry implements the durable module registry: the store of
// record for module bytecode and lifecycle state.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// State is a module's lifecycle state.
type State string

const (
	StateNotStarted State = "NotStarted"
	StateStarted    State = "Started"
	StateStopped    State = "Stopped"
)

// Module is a registered module: its identity, bytecode, and current state.
type Module struct {
	ID     int64
	Name   string
	Binary []byte
	State  State
}

// Sentinel errors for common registry conditions.
var (
	ErrNotFound      = errors.New("registry: module not found")
	ErrAlreadyExists = errors.New("registry: module name already registered")
)

// RegistryError wraps a failure from the underlying store.
type RegistryError struct {
	Op    string
	Cause error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: %s: %v", e.Op, e.Cause)
}

func (e *RegistryError) Unwrap() error { return e.Cause }

const schema = `
CREATE TABLE IF NOT EXISTS modules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	binary BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS module_states (
	module_id INTEGER PRIMARY KEY,
	state TEXT NOT NULL,
	FOREIGN KEY(module_id) REFERENCES modules(id)
);
`

// Store is the SQLite-backed module registry. A Store is safe for
// concurrent use by multiple goroutines.
type Store struct {
	db *sql.DB

	onDelete func(id int64)
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the registry schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, &RegistryError{Op: "open", Cause: err}
	}
	// A single file-backed SQLite connection serializes writes; cap the
	// pool at one so the driver's own locking doesn't have to arbitrate
	// between concurrent *sql.DB connections to the same file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &RegistryError{Op: "migrate", Cause: err}
	}

	return &Store{db: db}, nil
}

// OnDelete registers a callback invoked with a module's id whenever it is
// deleted from the registry. The sandbox's compiled-module cache uses this
// to evict entries that can no longer be served.
func (s *Store) OnDelete(fn func(id int64)) {
	s.onDelete = fn
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert registers a new module under name with the given bytecode,
// starting in StateNotStarted. Returns the new module's id.
func (s *Store) Insert(ctx context.Context, name string, binary []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &RegistryError{Op: "insert", Cause: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO modules (name, binary) VALUES (?, ?)`, name, binary)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, ErrAlreadyExists
		}
		return 0, &RegistryError{Op: "insert", Cause: err}
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, &RegistryError{Op: "insert", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO module_states (module_id, state) VALUES (?, ?)`, id, StateNotStarted); err != nil {
		return 0, &RegistryError{Op: "insert", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &RegistryError{Op: "insert", Cause: err}
	}

	return id, nil
}

// Get returns a module's bytecode and current state by id.
func (s *Store) Get(ctx context.Context, id int64) (*Module, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.name, m.binary, s.state
		FROM modules m JOIN module_states s ON s.module_id = m.id
		WHERE m.id = ?`, id)

	var mod Module
	if err := row.Scan(&mod.ID, &mod.Name, &mod.Binary, &mod.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &RegistryError{Op: "get", Cause: err}
	}
	return &mod, nil
}

// GetByName returns a module by name. The control API's module-detail
// endpoint (GET /modules/{name}) uses this to resolve the path parameter.
func (s *Store) GetByName(ctx context.Context, name string) (*Module, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.name, m.binary, s.state
		FROM modules m JOIN module_states s ON s.module_id = m.id
		WHERE m.name = ?`, name)

	var mod Module
	if err := row.Scan(&mod.ID, &mod.Name, &mod.Binary, &mod.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &RegistryError{Op: "get_by_name", Cause: err}
	}
	return &mod, nil
}

// Delete removes a module and its state by name.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &RegistryError{Op: "delete", Cause: err}
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM modules WHERE name = ?`, name).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return &RegistryError{Op: "delete", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM module_states WHERE module_id = ?`, id); err != nil {
		return &RegistryError{Op: "delete", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, id); err != nil {
		return &RegistryError{Op: "delete", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &RegistryError{Op: "delete", Cause: err}
	}

	if s.onDelete != nil {
		s.onDelete(id)
	}
	return nil
}

// SetState transitions a module, identified by name, to the given state.
func (s *Store) SetState(ctx context.Context, name string, state State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE module_states SET state = ?
		WHERE module_id = (SELECT id FROM modules WHERE name = ?)`, state, name)
	if err != nil {
		return &RegistryError{Op: "set_state", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &RegistryError{Op: "set_state", Cause: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByState returns the ids of all modules currently in the given state,
// in insertion order. The scheduler calls this once per notification.
func (s *Store) ListByState(ctx context.Context, state State) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module_id FROM module_states WHERE state = ? ORDER BY module_id`, state)
	if err != nil {
		return nil, &RegistryError{Op: "list_by_state", Cause: err}
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &RegistryError{Op: "list_by_state", Cause: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns every registered module's id, name, and state, without its
// bytecode. Used by the control API's module-listing endpoint.
func (s *Store) List(ctx context.Context) ([]Module, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.name, s.state
		FROM modules m JOIN module_states s ON s.module_id = m.id
		ORDER BY m.id`)
	if err != nil {
		return nil, &RegistryError{Op: "list", Cause: err}
	}
	defer rows.Close()

	var mods []Module
	for rows.Next() {
		var mod Module
		if err := rows.Scan(&mod.ID, &mod.Name, &mod.State); err != nil {
			return nil, &RegistryError{Op: "list", Cause: err}
		}
		mods = append(mods, mod)
	}
	return mods, rows.Err()
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
