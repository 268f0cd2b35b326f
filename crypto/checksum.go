// Package crypto provides the file checksums exchanged with transfer offers.
package crypto

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the digest length in bytes.
const ChecksumSize = blake2b.Size256

// FileChecksum returns the hex BLAKE2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return ReaderChecksum(file)
}

// ReaderChecksum returns the hex BLAKE2b-256 digest of everything read from r.
func ReaderChecksum(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b hasher: %w", err)
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash file contents: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ValidChecksum reports whether s looks like a digest produced by FileChecksum.
func ValidChecksum(s string) bool {
	if len(s) != ChecksumSize*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
