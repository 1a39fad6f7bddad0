package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/store"
)

// mappingColumns is the ordered list of columns selected in mapping queries.
// Must match the scan order in scanMapping.
const mappingColumns = `book_id, title, author, sync_mode, status, ebook_filename,
	kosync_doc_id, storyteller_uuid, booklore_id, hardcover_id,
	alignment_source, duration, failure_count, created_at, updated_at`

// scanMapping scans a sql.Row (or sql.Rows via its Scan method) into a domain.Mapping.
func scanMapping(scanner interface{ Scan(dest ...any) error }) (*domain.Mapping, error) {
	var m domain.Mapping

	var createdAt, updatedAt string

	err := scanner.Scan(
		&m.BookID,
		&m.Title,
		&m.Author,
		&m.SyncMode,
		&m.Status,
		&m.EbookFilename,
		&m.KosyncDocID,
		&m.StorytellerUUID,
		&m.BookloreID,
		&m.HardcoverID,
		&m.AlignmentSource,
		&m.Duration,
		&m.FailureCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &m, nil
}

// CreateMapping inserts a new mapping. At most one mapping exists per book,
// so inserting a duplicate returns ErrAlreadyExists.
func (s *Store) CreateMapping(ctx context.Context, m *domain.Mapping) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings WHERE book_id = ?`, m.BookID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return store.ErrAlreadyExists
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BookID, m.Title, m.Author, m.SyncMode, m.Status, m.EbookFilename,
		m.KosyncDocID, m.StorytellerUUID, m.BookloreID, m.HardcoverID,
		m.AlignmentSource, m.Duration, m.FailureCount,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return err
}

// GetMapping returns the mapping for a book.
func (s *Store) GetMapping(ctx context.Context, bookID string) (*domain.Mapping, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE book_id = ?`, bookID)
	m, err := scanMapping(row)
	if err != nil {
		return nil, store.MapRowError(err, "mapping")
	}
	return m, nil
}

// UpdateMapping persists changes to an existing mapping.
func (s *Store) UpdateMapping(ctx context.Context, m *domain.Mapping) error {
	m.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE mappings SET
			title = ?, author = ?, sync_mode = ?, status = ?, ebook_filename = ?,
			kosync_doc_id = ?, storyteller_uuid = ?, booklore_id = ?, hardcover_id = ?,
			alignment_source = ?, duration = ?, failure_count = ?, updated_at = ?
		WHERE book_id = ?`,
		m.Title, m.Author, m.SyncMode, m.Status, m.EbookFilename,
		m.KosyncDocID, m.StorytellerUUID, m.BookloreID, m.HardcoverID,
		m.AlignmentSource, m.Duration, m.FailureCount, formatTime(m.UpdatedAt),
		m.BookID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(ctx context.Context, bookID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE book_id = ?`, bookID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListMappings returns all mappings ordered by title.
func (s *Store) ListMappings(ctx context.Context) ([]*domain.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mappingColumns+` FROM mappings ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListMappingsByStatus returns the mappings in the given lifecycle state.
func (s *Store) ListMappingsByStatus(ctx context.Context, status domain.MappingStatus) ([]*domain.Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings WHERE status = ? ORDER BY title`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// FindMappingByKosyncDoc resolves a KoReader document hash to its mapping.
func (s *Store) FindMappingByKosyncDoc(ctx context.Context, docID string) (*domain.Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM mappings WHERE kosync_doc_id = ?`, docID)
	m, err := scanMapping(row)
	if err != nil {
		return nil, store.MapRowError(err, "mapping")
	}
	return m, nil
}

func collectMappings(rows *sql.Rows) ([]*domain.Mapping, error) {
	var out []*domain.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// requireRow converts a zero-row UPDATE/DELETE into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
