package sqlite3

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gologme/log"
)

const (
	currentSchemaVersion = 2
)

// GetSchemaVersion returns the current schema version from the database
// Returns 1 if the schema_version table doesn't exist (legacy database)
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

// SetSchemaVersion sets the schema version in the database
func SetSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	_, err = db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, strftime('%s', 'now'))", version)
	if err != nil {
		return fmt.Errorf("failed to insert schema version: %w", err)
	}
	return nil
}

// migrateV1toV2 adds the per-day send counter to aliases. Version 1 stored
// only sent_today, which could not tell which day it counted.
func migrateV1toV2(db *sql.DB, logger *log.Logger) error {
	var tableExists int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='aliases'").Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check for aliases table: %w", err)
	}
	if tableExists == 0 {
		// Fresh database, created with the current schema.
		return nil
	}

	var columnExists int
	err = db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('aliases') WHERE name='sent_day'").Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check for sent_day column: %w", err)
	}
	if columnExists > 0 {
		logger.Infoln("Column sent_day already exists, migration already completed")
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if _, err = tx.Exec(`ALTER TABLE aliases ADD COLUMN sent_day TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add sent_day: %w", err)
	}
	if _, err = tx.Exec(`UPDATE aliases SET sent_today = 0`); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Infoln("Migration to v2 completed successfully")
	return nil
}

// RunMigrations brings an existing database to the current schema version.
func RunMigrations(db *sql.DB, logger *log.Logger) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	logger.Debugf("Current database schema version: %d, target version: %d", version, currentSchemaVersion)
	if version >= currentSchemaVersion {
		return nil
	}

	for v := version; v < currentSchemaVersion; v++ {
		switch v {
		case 1:
			if err := migrateV1toV2(db, logger); err != nil {
				return fmt.Errorf("migration v1->v2 failed: %w", err)
			}
			if err := SetSchemaVersion(db, 2); err != nil {
				return fmt.Errorf("failed to set schema version to 2: %w", err)
			}
		default:
			return fmt.Errorf("unknown migration version: %d", v)
		}
	}
	return nil
}

// MigrateLargeMessagesToFiles moves raw messages at or above threshold out of
// the emails table into the file store. It is safe to run in the background.
func MigrateLargeMessagesToFiles(db *sql.DB, writer *Writer, fs *filestore.FileStore, threshold int64, logger *log.Logger) error {
	rows, err := db.Query(`
		SELECT id, user_id
		FROM emails
		WHERE raw IS NOT NULL
		AND raw_file = ''
		AND LENGTH(raw) >= ?
		ORDER BY LENGTH(raw) DESC
	`, threshold)
	if err != nil {
		return fmt.Errorf("failed to query large messages: %w", err)
	}

	type candidate struct {
		id, userID int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.userID); err != nil {
			rows.Close() // nolint:errcheck
			return fmt.Errorf("rows.Scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close() // nolint:errcheck
		return fmt.Errorf("error iterating messages: %w", err)
	}
	rows.Close() // nolint:errcheck

	migrated := 0
	var total int64
	for _, c := range candidates {
		var raw []byte
		if err := db.QueryRow(`SELECT raw FROM emails WHERE id = $1`, c.id).Scan(&raw); err != nil {
			logger.Warnf("Failed to load email %d: %v", c.id, err)
			continue
		}
		blob, err := fs.Store(c.userID, bytes.NewReader(raw), 0)
		if err != nil {
			logger.Warnf("Failed to store email %d to file: %v", c.id, err)
			continue
		}
		err = writer.Do(db, nil, func(txn *sql.Tx) error {
			_, err := txn.Exec(`UPDATE emails SET raw = NULL, raw_file = $1 WHERE id = $2`, blob.Path, c.id)
			return err
		})
		if err != nil {
			logger.Warnf("Failed to update email %d: %v", c.id, err)
			if blob.Created {
				fs.Delete(blob.Path) // nolint:errcheck
			}
			continue
		}
		migrated++
		total += blob.Size
	}

	if migrated > 0 {
		logger.Infof("Moved %d raw messages (%.2f MB total) to file storage",
			migrated, float64(total)/(1024*1024))
	}
	return nil
}

// GetStorageStats queries the database for storage statistics
func GetStorageStats(ctx context.Context, db *sql.DB) (*types.StorageStats, error) {
	stats := &types.StorageStats{}

	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), IFNULL(SUM(size), 0), IFNULL(MAX(size), 0)
		FROM emails
		WHERE raw IS NOT NULL AND raw_file = ''
	`).Scan(&stats.BlobCount, &stats.BlobSize, &stats.LargestBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to get BLOB stats: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), IFNULL(SUM(size), 0), IFNULL(MAX(size), 0)
		FROM emails
		WHERE raw_file != ''
	`).Scan(&stats.FileCount, &stats.FileSize, &stats.LargestFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), IFNULL(SUM(size), 0) FROM attachments
	`).Scan(&stats.AttachmentCount, &stats.AttachmentSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment stats: %w", err)
	}

	stats.TotalCount = stats.BlobCount + stats.FileCount
	stats.TotalSize = stats.BlobSize + stats.FileSize
	return stats, nil
}
