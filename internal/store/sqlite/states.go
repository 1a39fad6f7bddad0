package sqlite

import (
	"context"
	"database/sql"
	"encoding/json/v2"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/store"
)

// stateColumns is the ordered list of columns selected in client state queries.
// Must match the scan order in scanState.
const stateColumns = `book_id, client, last_updated, device_id, locator`

// scanState scans a sql.Row (or sql.Rows via its Scan method) into a domain.ClientState.
// The locator is stored as a JSON blob since its shape varies by kind.
func scanState(scanner interface{ Scan(dest ...any) error }) (*domain.ClientState, error) {
	var cs domain.ClientState
	var locator string

	err := scanner.Scan(&cs.BookID, &cs.Client, &cs.LastUpdated, &cs.DeviceID, &locator)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(locator), &cs.Locator); err != nil {
		return nil, err
	}
	return &cs, nil
}

// GetState returns the last-known position of one (book, client) pair.
func (s *Store) GetState(ctx context.Context, bookID string, client domain.ClientName) (*domain.ClientState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM client_states WHERE book_id = ? AND client = ?`, bookID, client)
	cs, err := scanState(row)
	if err != nil {
		return nil, store.MapRowError(err, "client state")
	}
	return cs, nil
}

// ListStates returns all known positions for a book.
func (s *Store) ListStates(ctx context.Context, bookID string) ([]*domain.ClientState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM client_states WHERE book_id = ? ORDER BY client`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ClientState
	for rows.Next() {
		cs, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// UpsertState stores the position of one (book, client) pair, replacing any
// previous record.
func (s *Store) UpsertState(ctx context.Context, cs *domain.ClientState) error {
	locator, err := json.Marshal(cs.Locator)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_states (book_id, client, last_updated, device_id, locator)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(book_id, client) DO UPDATE SET
			last_updated = excluded.last_updated,
			device_id = excluded.device_id,
			locator = excluded.locator`,
		cs.BookID, cs.Client, cs.LastUpdated, cs.DeviceID, string(locator),
	)
	return err
}

// DeleteStates removes all positions recorded for a book.
func (s *Store) DeleteStates(ctx context.Context, bookID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_states WHERE book_id = ?`, bookID)
	return err
}

// ResetStates clears a book's positions and its mapping failure count in one
// transaction, so a clear-progress operation cannot leave the two halves
// disagreeing.
func (s *Store) ResetStates(ctx context.Context, bookID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM client_states WHERE book_id = ?`, bookID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mappings SET failure_count = 0 WHERE book_id = ?`, bookID); err != nil {
		return err
	}

	return tx.Commit()
}
