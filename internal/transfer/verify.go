package transfer

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

const verifyChunkSize = 64 * 1024

// VerifyChecksum streams the artifact at path through the named digest and
// compares it with the declared checksum. Artifacts can be multi-gigabyte,
// so the file is never loaded into memory at once.
//
// Returns *ChecksumMismatchError when the digests differ and
// *UnsupportedAlgorithmError when the algorithm is unknown.
func VerifyChecksum(ctx context.Context, path, expected, algorithm string) error {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return err
	}

	in, err := os.Open(path)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	defer in.Close()

	buf := make([]byte, verifyChunkSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			// hash.Hash.Write never returns an error.
			hasher.Write(buf[:n])
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}

			return fmt.Errorf("failed to read artifact for verification: %w", readErr)
		}
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return &ChecksumMismatchError{
			Path:      path,
			Algorithm: strings.ToLower(algorithm),
			Expected:  strings.ToLower(expected),
			Actual:    actual,
		}
	}

	return nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	}

	return nil, &UnsupportedAlgorithmError{Algorithm: algorithm}
}
