package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/wordfreq/internal/freq"
	"github.com/calvinalkan/wordfreq/pkg/fs"
)

// ExportVersion is stored as the user_version of exported databases.
const ExportVersion = 1

const exportSchema = `
	CREATE TABLE words (
		word  TEXT    NOT NULL PRIMARY KEY,
		count INTEGER NOT NULL CHECK (count > 0)
	) WITHOUT ROWID`

// Export writes entries into a new SQLite database at path, replacing any
// existing file. The database is built next to path and renamed into place,
// so readers never see a partial export.
func Export(ctx context.Context, fsys fs.FS, path string, entries iter.Seq2[freq.Entry, error]) (int, error) {
	tmpPath := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())

	if err := removeIfExists(fsys, tmpPath); err != nil {
		return 0, err
	}

	n, err := exportTo(ctx, tmpPath, entries)
	if err != nil {
		return n, errors.Join(err, removeIfExists(fsys, tmpPath))
	}

	if err := fsys.Rename(tmpPath, path); err != nil {
		return n, errors.Join(fmt.Errorf("rename: %w", err), removeIfExists(fsys, tmpPath))
	}

	if err := fs.SyncDir(fsys, filepath.Dir(path)); err != nil {
		return n, err
	}

	return n, nil
}

func exportTo(ctx context.Context, path string, entries iter.Seq2[freq.Entry, error]) (n int, err error) {
	db, err := openSqliteUnsafe(ctx, path)
	if err != nil {
		return 0, err
	}

	defer func() {
		closeErr := db.Close()
		if closeErr != nil {
			err = errors.Join(err, fmt.Errorf("sqlite: close: %w", closeErr))
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin txn: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, exportSchema); err != nil {
		return 0, fmt.Errorf("sqlite: create schema: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO words (word, count) VALUES (?, ?)")
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}

	defer func() { _ = stmt.Close() }()

	for e, iterErr := range entries {
		if iterErr != nil {
			return n, fmt.Errorf("read table: %w", iterErr)
		}

		if _, err := stmt.ExecContext(ctx, e.Word, e.Count); err != nil {
			return n, fmt.Errorf("sqlite: insert %q: %w", e.Word, err)
		}

		n++
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", ExportVersion)); err != nil {
		return n, fmt.Errorf("sqlite: set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("sqlite: commit txn: %w", err)
	}

	return n, nil
}

// openSqliteUnsafe opens a scratch database with journaling and syncing
// off. The file is only renamed into place after it is complete.
func openSqliteUnsafe(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("sqlite: ping: %w", err), closeErr)
	}

	_, err = db.ExecContext(ctx, `
		PRAGMA journal_mode = OFF;
		PRAGMA synchronous = OFF;
		PRAGMA locking_mode = EXCLUSIVE;
		PRAGMA temp_store = MEMORY;
		PRAGMA cache_size = 100000;
	`)
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("sqlite: apply pragmas: %w", err), closeErr)
	}

	return db, nil
}

func removeIfExists(fsys fs.FS, path string) error {
	err := fsys.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}
