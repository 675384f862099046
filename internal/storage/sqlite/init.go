// Package sqlite persists download records in a local SQLite database.
package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the downloads table
// if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		os_name TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		architecture TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		checksum_algo TEXT NOT NULL DEFAULT '',
		suggested_filename TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER,
		speed REAL NOT NULL DEFAULT 0,
		eta INTEGER,
		error_message TEXT NOT NULL DEFAULT '',
		checksum_verified TEXT NOT NULL DEFAULT 'unknown',
		output_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
