package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/isoforge/isoforge/internal/download"
)

const recordColumns = `id, os_name, os_version, category, architecture, icon,
	source_url, checksum, checksum_algo, suggested_filename,
	state, progress, downloaded_bytes, total_bytes, speed, eta,
	error_message, checksum_verified, output_path,
	created_at, started_at, completed_at`

// RecordRepository stores download records in the downloads table.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) Create(ctx context.Context, rec *download.Record) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads
		 (os_name, os_version, category, architecture, icon,
		  source_url, checksum, checksum_algo, suggested_filename,
		  state, progress, downloaded_bytes, total_bytes, speed, eta,
		  error_message, checksum_verified, output_path,
		  created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Source.OSName, rec.Source.OSVersion, rec.Source.Category,
		rec.Source.Architecture, rec.Source.Icon,
		rec.Source.URL, rec.Source.Checksum, rec.Source.ChecksumAlgo,
		rec.Source.SuggestedFilename,
		string(rec.State), rec.Progress, rec.DownloadedBytes,
		nullInt(rec.TotalBytes), rec.Speed, nullInt(rec.ETA),
		rec.ErrorMessage, string(rec.ChecksumVerified), rec.OutputPath,
		rec.CreatedAt, nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

func (r *RecordRepository) Update(ctx context.Context, rec *download.Record) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET
		 state = ?, progress = ?, downloaded_bytes = ?, total_bytes = ?,
		 speed = ?, eta = ?, error_message = ?, checksum_verified = ?,
		 output_path = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(rec.State), rec.Progress, rec.DownloadedBytes,
		nullInt(rec.TotalBytes), rec.Speed, nullInt(rec.ETA),
		rec.ErrorMessage, string(rec.ChecksumVerified), rec.OutputPath,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
		rec.ID,
	)

	return err
}

func (r *RecordRepository) List(ctx context.Context) ([]*download.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM downloads ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*download.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *RecordRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)

	return err
}

func scanRecord(rows *sql.Rows) (*download.Record, error) {
	var (
		rec              download.Record
		state            string
		checksumVerified string
		totalBytes       sql.NullInt64
		eta              sql.NullInt64
		startedAt        sql.NullTime
		completedAt      sql.NullTime
	)

	err := rows.Scan(
		&rec.ID, &rec.Source.OSName, &rec.Source.OSVersion, &rec.Source.Category,
		&rec.Source.Architecture, &rec.Source.Icon,
		&rec.Source.URL, &rec.Source.Checksum, &rec.Source.ChecksumAlgo,
		&rec.Source.SuggestedFilename,
		&state, &rec.Progress, &rec.DownloadedBytes, &totalBytes, &rec.Speed, &eta,
		&rec.ErrorMessage, &checksumVerified, &rec.OutputPath,
		&rec.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = download.State(state)
	rec.ChecksumVerified = download.ChecksumState(checksumVerified)

	if totalBytes.Valid {
		rec.TotalBytes = &totalBytes.Int64
	}

	if eta.Valid {
		rec.ETA = &eta.Int64
	}

	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}

	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}

	return &rec, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}
