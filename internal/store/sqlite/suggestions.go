package sqlite

import (
	"context"
	"encoding/json/v2"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/store"
)

// suggestionColumns is the ordered list of columns selected in suggestion queries.
// Must match the scan order in scanSuggestion.
const suggestionColumns = `id, source_id, title, author, progress, matches, disposition, created_at`

// scanSuggestion scans a sql.Row (or sql.Rows via its Scan method) into a domain.Suggestion.
func scanSuggestion(scanner interface{ Scan(dest ...any) error }) (*domain.Suggestion, error) {
	var sg domain.Suggestion
	var matches, createdAt string

	err := scanner.Scan(
		&sg.ID,
		&sg.SourceID,
		&sg.Title,
		&sg.Author,
		&sg.Progress,
		&matches,
		&sg.Disposition,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(matches), &sg.Matches); err != nil {
		return nil, err
	}
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &sg, nil
}

// SaveSuggestion inserts or replaces a suggestion.
func (s *Store) SaveSuggestion(ctx context.Context, sg *domain.Suggestion) error {
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now()
	}
	matches, err := json.Marshal(sg.Matches)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			progress = excluded.progress,
			matches = excluded.matches,
			disposition = excluded.disposition`,
		sg.ID, sg.SourceID, sg.Title, sg.Author, sg.Progress,
		string(matches), sg.Disposition, formatTime(sg.CreatedAt),
	)
	return err
}

// GetSuggestion returns a suggestion by ID.
func (s *Store) GetSuggestion(ctx context.Context, id string) (*domain.Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if err != nil {
		return nil, store.MapRowError(err, "suggestion")
	}
	return sg, nil
}

// GetSuggestionBySource returns the suggestion for an audiobook item,
// whatever its disposition. Each source has at most one suggestion.
func (s *Store) GetSuggestionBySource(ctx context.Context, sourceID string) (*domain.Suggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE source_id = ?`, sourceID)
	sg, err := scanSuggestion(row)
	if err != nil {
		return nil, store.MapRowError(err, "suggestion")
	}
	return sg, nil
}

// ListSuggestions returns suggestions with the given disposition, newest first.
func (s *Store) ListSuggestions(ctx context.Context, disposition domain.SuggestionDisposition) ([]*domain.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+suggestionColumns+` FROM suggestions WHERE disposition = ? ORDER BY created_at DESC`,
		disposition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// SetSuggestionDisposition records what the user did with a suggestion.
func (s *Store) SetSuggestionDisposition(ctx context.Context, id string, d domain.SuggestionDisposition) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE suggestions SET disposition = ? WHERE id = ?`, d, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteSuggestionsBySource drops all suggestions for an audiobook, used once
// the book gains a real mapping.
func (s *Store) DeleteSuggestionsBySource(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suggestions WHERE source_id = ?`, sourceID)
	return err
}
