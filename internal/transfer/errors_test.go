package transfer

import (
	"errors"
	"testing"
)

// TestUnreachableSourceError_Error verifies error message formatting
func TestUnreachableSourceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *UnreachableSourceError
		want string
	}{
		{
			name: "with HTTP status code",
			err:  &UnreachableSourceError{URL: "http://example.com/x.iso", StatusCode: 503},
			want: "source unreachable (HTTP 503): http://example.com/x.iso",
		},
		{
			name: "without HTTP status code",
			err:  &UnreachableSourceError{URL: "http://example.com/x.iso"},
			want: "source unreachable: http://example.com/x.iso",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnreachableSourceError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &UnreachableSourceError{URL: "http://example.com", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("UnreachableSourceError should unwrap to the underlying error")
	}
}

func TestWriteError_Error(t *testing.T) {
	err := &WriteError{Path: "/downloads/x.iso.part", Err: errors.New("no space left on device")}

	want := "failed to write artifact /downloads/x.iso.part: no space left on device"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestChecksumMismatchError_Error(t *testing.T) {
	err := &ChecksumMismatchError{
		Path:      "/downloads/x.iso.part",
		Algorithm: "sha256",
		Expected:  "aa",
		Actual:    "bb",
	}

	want := "sha256 checksum mismatch for /downloads/x.iso.part: expected aa, got bb"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
