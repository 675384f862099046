package transfer

import (
	"context"

	"github.com/isoforge/isoforge/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch streams the resource with telemetry around the whole transfer.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	var result *Result

	var err error

	instrumentedErr := f.telemetry.InstrumentFetchOperation(ctx, "fetch", func(ctx context.Context) error {
		result, err = f.fetcher.Fetch(ctx, req, onProgress)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
