package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/isoforge/isoforge/internal/logctx"
)

// PartialSuffix marks an artifact that is still being written. The owning
// record's final path never carries it; completed artifacts are renamed.
const PartialSuffix = ".part"

const (
	defaultBufferSize = 64 * 1024
	progressInterval  = 100 * time.Millisecond
)

// Request describes one outbound fetch of a remote resource.
type Request struct {
	URL      string
	DestPath string // final artifact path; data streams into DestPath+PartialSuffix
	// ResumeOffset is the byte offset to continue from. Zero means a fresh
	// transfer; a positive value issues a range request.
	ResumeOffset int64
}

// Progress is an incremental report emitted while a transfer is running.
type Progress struct {
	Downloaded   int64
	Total        *int64 // nil when the source did not declare a length
	Speed        float64
	RangeCapable bool
	// Restarted is set on the first report when the source ignored a range
	// request and the transfer fell back to a full restart.
	Restarted bool
}

// Result summarizes a transfer that ran to completion.
type Result struct {
	Downloaded   int64
	Total        *int64
	RangeCapable bool
	Restarted    bool
}

// Fetcher streams a remote resource to local disk, reporting progress.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error)
}

// HTTPFetcher fetches resources over HTTP(S), resuming with range requests
// when the source supports them.
type HTTPFetcher struct {
	client      *http.Client
	speedWindow time.Duration
	bufferSize  int
}

// NewHTTPFetcher creates an HTTPFetcher. The speed window smooths the
// reported transfer rate; see config.SpeedWindow.
func NewHTTPFetcher(client *http.Client, speedWindow time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPFetcher{
		client:      client,
		speedWindow: speedWindow,
		bufferSize:  defaultBufferSize,
	}
}

// Fetch streams the resource into the partial file for req.DestPath. It
// returns the context error when cancelled, so callers can tell an aborted
// transfer from a failed one.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &UnreachableSourceError{URL: req.URL, Err: err}
	}

	if req.ResumeOffset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.ResumeOffset))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, &UnreachableSourceError{URL: req.URL, Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &UnreachableSourceError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	offset := req.ResumeOffset
	restarted := false

	if offset > 0 && resp.StatusCode == http.StatusOK {
		// The source ignored the range request. Fall back to a full restart
		// and make it observable.
		restarted = true
		offset = 0

		logger.Warn("source does not support range resumption, restarting from zero", "url", req.URL)
	}

	rangeCapable := resp.StatusCode == http.StatusPartialContent ||
		strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")

	var total *int64
	if resp.ContentLength >= 0 {
		t := offset + resp.ContentLength
		total = &t
	}

	partPath := req.DestPath + PartialSuffix

	out, err := openArtifact(partPath, offset)
	if err != nil {
		return nil, err
	}

	defer out.Close()

	meter := newSpeedMeter(f.speedWindow)
	downloaded := offset

	emit := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	emit(Progress{
		Downloaded:   downloaded,
		Total:        total,
		RangeCapable: rangeCapable,
		Restarted:    restarted,
	})

	buf := make([]byte, f.bufferSize)
	lastEmit := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		nr, readErr := resp.Body.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			if writeErr != nil {
				return nil, &WriteError{Path: partPath, Err: writeErr}
			}

			if nw != nr {
				return nil, &WriteError{Path: partPath, Err: io.ErrShortWrite}
			}

			downloaded += int64(nw)
			meter.Add(int64(nw))

			if time.Since(lastEmit) >= progressInterval {
				emit(Progress{
					Downloaded:   downloaded,
					Total:        total,
					Speed:        meter.Rate(),
					RangeCapable: rangeCapable,
				})
				lastEmit = time.Now()
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}

			// Cancellation aborts the body read; report it as such rather
			// than as a network failure.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, &UnreachableSourceError{URL: req.URL, Err: readErr}
		}
	}

	emit(Progress{
		Downloaded:   downloaded,
		Total:        total,
		Speed:        meter.Rate(),
		RangeCapable: rangeCapable,
	})

	return &Result{
		Downloaded:   downloaded,
		Total:        total,
		RangeCapable: rangeCapable,
		Restarted:    restarted,
	}, nil
}

func openArtifact(partPath string, offset int64) (*os.File, error) {
	if offset > 0 {
		out, err := os.OpenFile(partPath, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, &WriteError{Path: partPath, Err: err}
		}

		return out, nil
	}

	out, err := os.Create(partPath)
	if err != nil {
		return nil, &WriteError{Path: partPath, Err: err}
	}

	return out, nil
}
