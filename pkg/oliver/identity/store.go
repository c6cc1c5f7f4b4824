// Package identity maps unstable linked identifiers ("@lid" handles) to
// stable, deliverable contact addresses. Resolution runs a ranked strategy
// chain, cheapest first: in-process cache, SQLite mapping table, the shared
// Redis store when configured, then live directory heuristics.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound indicates no mapping exists for a handle.
var ErrNotFound = errors.New("identity mapping not found")

// Resolution methods, ordered by confidence. A lower-confidence result
// never overwrites a higher-confidence row.
const (
	MethodManual          = "manual"
	MethodContactEvent    = "contactEvent"
	MethodSentAvatar      = "sentAvatar"
	MethodAvatar          = "avatar"
	MethodDisplayName     = "displayName"
	MethodSentDisplayName = "sentDisplayName"
)

var methodRank = map[string]int{
	MethodManual:          60,
	MethodContactEvent:    50,
	MethodSentAvatar:      40,
	MethodAvatar:          30,
	MethodDisplayName:     20,
	MethodSentDisplayName: 10,
}

// rank returns the confidence of a method; unknown methods rank lowest.
func rank(method string) int { return methodRank[method] }

// Mapping is one persisted handle resolution.
type Mapping struct {
	Scope       string
	Handle      string
	Address     string
	DisplayName string
	Method      string
	UpdatedAt   time.Time
}

// Store persists identity mappings in oliver.db.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an open oliver.db handle.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "identity")}
}

// Lookup returns the mapping for (scope, handle) or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, scope, handle string) (*Mapping, error) {
	var m Mapping
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, handle, address, display_name, method, updated_at
		FROM identity_mappings WHERE scope = ? AND handle = ?`,
		scope, handle).Scan(&m.Scope, &m.Handle, &m.Address, &m.DisplayName, &m.Method, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lookup mapping: %w", err)
	}
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &m, nil
}

// Save upserts a mapping. At most one address per (scope, handle); an
// existing row is overwritten only by an equal or higher confidence method.
// Returns true when the row was written.
func (s *Store) Save(ctx context.Context, m Mapping) (bool, error) {
	if m.Handle == "" || m.Address == "" {
		return false, fmt.Errorf("identity: mapping needs handle and address")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("identity: begin save: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT method FROM identity_mappings WHERE scope = ? AND handle = ?`,
		m.Scope, m.Handle).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First resolution for this handle.
	case err != nil:
		return false, fmt.Errorf("identity: check existing mapping: %w", err)
	default:
		if rank(m.Method) < rank(existing) {
			s.logger.Debug("keeping higher-confidence mapping",
				"handle", m.Handle, "existing", existing, "offered", m.Method)
			return false, nil
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO identity_mappings (scope, handle, address, display_name, method, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, handle) DO UPDATE SET
			address = excluded.address,
			display_name = excluded.display_name,
			method = excluded.method,
			updated_at = excluded.updated_at`,
		m.Scope, m.Handle, m.Address, m.DisplayName, m.Method, now)
	if err != nil {
		return false, fmt.Errorf("identity: save mapping: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("identity: commit save: %w", err)
	}

	s.logger.Info("identity mapping saved",
		"scope", m.Scope, "handle", m.Handle, "address", m.Address, "method", m.Method)
	return true, nil
}
