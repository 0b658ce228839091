package node

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Checksum is the hex SHA-256 of everything r yields.
func Checksum(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// FileChecksum hashes the file at path. The CLI prints it for both ends of a
// transfer so users can compare them.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Checksum(f)
}

// ChunkCount is the number of requests of chunkSize needed for size bytes,
// not counting the final completion request.
func ChunkCount(size, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}
