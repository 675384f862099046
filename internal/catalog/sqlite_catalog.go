package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const createImagesTable = `
CREATE TABLE IF NOT EXISTS images (
	os_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	category TEXT NOT NULL,
	architecture TEXT NOT NULL,
	icon TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	checksum_algo TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0
);`

// SQLiteCatalog is a Finder backed by the images table.
type SQLiteCatalog struct {
	db *sql.DB
}

func NewSQLiteCatalog(db *sql.DB) *SQLiteCatalog {
	return &SQLiteCatalog{db: db}
}

// Init creates the images table and seeds it with the built-in library.
// Existing rows win over seed rows, so local edits survive restarts.
func (c *SQLiteCatalog) Init(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, createImagesTable); err != nil {
		return fmt.Errorf("failed to create images table: %w", err)
	}

	for _, img := range seedImages {
		_, err := c.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO images
			 (os_id, name, version, category, architecture, icon, url, checksum, checksum_algo, size_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			img.OSID, img.Name, img.Version, img.Category, img.Architecture,
			img.Icon, img.URL, img.Checksum, img.ChecksumAlgo, img.SizeBytes,
		)
		if err != nil {
			return fmt.Errorf("failed to seed image %s: %w", img.OSID, err)
		}
	}

	return nil
}

func (c *SQLiteCatalog) Lookup(ctx context.Context, osID string) (*Image, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT os_id, name, version, category, architecture, icon, url, checksum, checksum_algo, size_bytes
		 FROM images WHERE os_id = ?`, osID)

	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{OSID: osID}
		}

		return nil, fmt.Errorf("failed to look up image: %w", err)
	}

	return img, nil
}

func (c *SQLiteCatalog) All(ctx context.Context) ([]*Image, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT os_id, name, version, category, architecture, icon, url, checksum, checksum_algo, size_bytes
		 FROM images ORDER BY category, name, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []*Image

	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}

		images = append(images, img)
	}

	return images, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(s scanner) (*Image, error) {
	var img Image

	err := s.Scan(
		&img.OSID, &img.Name, &img.Version, &img.Category, &img.Architecture,
		&img.Icon, &img.URL, &img.Checksum, &img.ChecksumAlgo, &img.SizeBytes,
	)
	if err != nil {
		return nil, err
	}

	return &img, nil
}
