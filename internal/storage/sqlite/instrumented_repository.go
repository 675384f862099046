package sqlite

import (
	"context"
	"database/sql"

	"github.com/isoforge/isoforge/internal/download"
	"github.com/isoforge/isoforge/internal/telemetry"
)

// InstrumentedRecordRepository wraps RecordRepository with telemetry.
type InstrumentedRecordRepository struct {
	repo      *RecordRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRecordRepository creates a new instrumented record repository.
func NewInstrumentedRecordRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedRecordRepository {
	return &InstrumentedRecordRepository{
		repo:      NewRecordRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedRecordRepository) Create(ctx context.Context, rec *download.Record) (int64, error) {
	var id int64

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "create_record", func(ctx context.Context) error {
		id, err = r.repo.Create(ctx, rec)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return id, nil
}

func (r *InstrumentedRecordRepository) Update(ctx context.Context, rec *download.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_record", func(ctx context.Context) error {
		return r.repo.Update(ctx, rec)
	})
}

func (r *InstrumentedRecordRepository) List(ctx context.Context) ([]*download.Record, error) {
	var records []*download.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_records", func(ctx context.Context) error {
		records, err = r.repo.List(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return records, nil
}

func (r *InstrumentedRecordRepository) Delete(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_record", func(ctx context.Context) error {
		return r.repo.Delete(ctx, id)
	})
}
