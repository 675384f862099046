package transfer

import "fmt"

// UnreachableSourceError represents a failure to fetch the remote resource:
// DNS, connection refused, or a 4xx/5xx response.
type UnreachableSourceError struct {
	URL        string
	StatusCode int   // HTTP status code, 0 for non-HTTP failures
	Err        error // Underlying error, if any
}

func (e *UnreachableSourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source unreachable (HTTP %d): %s", e.StatusCode, e.URL)
	}

	return fmt.Sprintf("source unreachable: %s", e.URL)
}

func (e *UnreachableSourceError) Unwrap() error {
	return e.Err
}

// WriteError represents a local disk or filesystem failure while persisting
// the artifact.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write artifact %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError represents a verification failure: the artifact's
// digest does not match the declared checksum.
type ChecksumMismatchError struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s: expected %s, got %s",
		e.Algorithm, e.Path, e.Expected, e.Actual)
}

// UnsupportedAlgorithmError is returned when a declared checksum names a
// digest algorithm the verifier does not implement.
type UnsupportedAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported checksum algorithm %q", e.Algorithm)
}
