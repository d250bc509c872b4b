package dlcore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_uri TEXT NOT NULL,
	target_path TEXT NOT NULL,
	partial_path TEXT NOT NULL,
	total_size INTEGER,
	chunk_size INTEGER NOT NULL,
	supports_ranges INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	UNIQUE(source_uri, target_path)
);

CREATE TABLE IF NOT EXISTS fragments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL REFERENCES items(id),
	offset INTEGER NOT NULL,
	len INTEGER NOT NULL,
	state INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fragments_item ON fragments(item_id);
`

// Store is the durable, SQLite-backed fragment/item record keeper. All
// methods are safe for concurrent use from multiple fragment goroutines;
// the underlying *sql.DB connection pool is deliberately bounded.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the SQLite database at dsn and
// ensures the schema exists. dsn is typically a filesystem path such as
// "<out_dir>/.downloader.sqlite", or ":memory:" in tests. A file-backed dsn
// is opened with a busy_timeout pragma so a writer blocks and waits for a
// lock held by another in-flight fragment write instead of failing
// immediately with SQLITE_BUSY.
func OpenStore(dsn string) (*Store, error) {
	isMemory := dsn == ":memory:"

	openDSN := dsn
	if !isMemory {
		openDSN = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dsn)
	}

	db, err := sql.Open("sqlite", openDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if isMemory {
		// An in-memory database is private to the connection that created
		// it; pooling more than one connection would silently fan out to
		// separate, empty databases.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertItem inserts a new item row keyed by (sourceURI, targetPath) if
// absent, otherwise updates its total_size (first-known-wins via COALESCE),
// chunk_size and supports_ranges, and returns the current record.
func (s *Store) UpsertItem(ctx context.Context, sourceURI, targetPath, partialPath string, chunkSize int64, totalSize *int64, supportsRanges bool) (ItemRecord, error) {
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (source_uri, target_path, partial_path, total_size, chunk_size, supports_ranges, downloaded_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(source_uri, target_path) DO UPDATE SET
			total_size = COALESCE(items.total_size, excluded.total_size),
			chunk_size = excluded.chunk_size,
			supports_ranges = excluded.supports_ranges,
			updated_at = excluded.updated_at
	`, sourceURI, targetPath, partialPath, nullableInt64(totalSize), chunkSize, boolToInt(supportsRanges), now)
	if err != nil {
		return ItemRecord{}, fmt.Errorf("upsert item: %w", err)
	}

	return s.GetItem(ctx, sourceURI, targetPath)
}

// SetItemTotalSize overwrites total_size unconditionally and zeroes
// downloaded_bytes (used for the structural-reset path, where the caller
// has already decided the prior value must be replaced rather than
// preserved and has deleted the item's fragments).
func (s *Store) SetItemTotalSize(ctx context.Context, itemID int64, totalSize *int64, supportsRanges bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET total_size = ?, supports_ranges = ?, downloaded_bytes = 0, updated_at = ? WHERE id = ?
	`, nullableInt64(totalSize), boolToInt(supportsRanges), time.Now().Unix(), itemID)
	return err
}

// GetItem fetches the record for (sourceURI, targetPath).
func (s *Store) GetItem(ctx context.Context, sourceURI, targetPath string) (ItemRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_uri, target_path, partial_path, total_size, chunk_size, supports_ranges, downloaded_bytes, updated_at
		FROM items WHERE source_uri = ? AND target_path = ?
	`, sourceURI, targetPath)
	return scanItem(row)
}

func scanItem(row *sql.Row) (ItemRecord, error) {
	var (
		rec            ItemRecord
		totalSize      sql.NullInt64
		supportsRanges int
		updatedAt      int64
	)
	err := row.Scan(&rec.ID, &rec.SourceURI, &rec.TargetPath, &rec.PartialPath, &totalSize, &rec.ChunkSize, &supportsRanges, &rec.DownloadedBytes, &updatedAt)
	if err != nil {
		return ItemRecord{}, err
	}
	if totalSize.Valid {
		v := totalSize.Int64
		rec.TotalSize = &v
	}
	rec.SupportsRanges = supportsRanges != 0
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, nil
}

// EnsureFragmentsForRanges inserts all given Range fragments as Missing if,
// and only if, the item currently has zero fragment rows. This keeps the
// call idempotent across process restarts so resume state is preserved.
func (s *Store) EnsureFragmentsForRanges(ctx context.Context, itemID int64, ranges []Fragment) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments WHERE item_id = ?`, itemID).Scan(&count); err != nil {
		return fmt.Errorf("count fragments: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fragments (item_id, offset, len, state, updated_at) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range ranges {
		if _, err := stmt.ExecContext(ctx, itemID, f.Offset, f.Len, int(FragMissing), now); err != nil {
			return fmt.Errorf("insert fragment: %w", err)
		}
	}
	return tx.Commit()
}

// LoadFragments returns all fragments for itemID ordered by offset.
func (s *Store) LoadFragments(ctx context.Context, itemID int64) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, offset, len, state FROM fragments WHERE item_id = ? ORDER BY offset ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("load fragments: %w", err)
	}
	defer rows.Close()

	var frags []Fragment
	for rows.Next() {
		var f Fragment
		var state int
		if err := rows.Scan(&f.ID, &f.ItemRowID, &f.Offset, &f.Len, &state); err != nil {
			return nil, err
		}
		f.Kind = FragmentRange
		f.State = FragmentState(state)
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// SetFragmentState updates a single fragment's state.
func (s *Store) SetFragmentState(ctx context.Context, fragmentID int64, state FragmentState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fragments SET state = ?, updated_at = ? WHERE id = ?
	`, int(state), time.Now().Unix(), fragmentID)
	return err
}

// MarkFragmentDoneAndAddBytes atomically marks a fragment Done and adds n
// bytes to the parent item's downloaded_bytes counter.
func (s *Store) MarkFragmentDoneAndAddBytes(ctx context.Context, fragmentID, itemID int64, n int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `UPDATE fragments SET state = ?, updated_at = ? WHERE id = ?`, int(FragDone), now, fragmentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE items SET downloaded_bytes = downloaded_bytes + ?, updated_at = ? WHERE id = ?`, n, now, itemID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFragments removes every fragment row for itemID. Used only for the
// structural-reset path when a re-probe reveals a changed total size.
func (s *Store) DeleteFragments(ctx context.Context, itemID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE item_id = ?`, itemID)
	return err
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
