package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileNameLength bounds the names a peer may offer.
const MaxFileNameLength = 255

var (
	ErrDirectoryTraversal = errors.New("file name escapes the download directory")
	ErrFileNameTooLong    = errors.New("file name too long")
	ErrEmptyFileName      = errors.New("empty file name")
)

// DestinationResolver picks the local path for an offered file. It returns
// false when the offer should wait for a destination chosen later.
type DestinationResolver interface {
	Resolve(fileName string) (string, bool)
}

// ResolverFunc adapts a function to DestinationResolver.
type ResolverFunc func(fileName string) (string, bool)

func (f ResolverFunc) Resolve(fileName string) (string, bool) { return f(fileName) }

// Unresolved leaves every offer without a destination.
var Unresolved = ResolverFunc(func(string) (string, bool) { return "", false })

// ValidateFileName rejects names that are not a single local path element.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrEmptyFileName
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: %d bytes", ErrFileNameTooLong, len(name))
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || !filepath.IsLocal(name) {
		return fmt.Errorf("%w: %q", ErrDirectoryTraversal, name)
	}
	return nil
}

// DirResolver places offered files in Dir. Existing files are kept unless
// Overwrite is set; a numbered name is used instead.
type DirResolver struct {
	Dir       string
	Overwrite bool
}

func (d DirResolver) Resolve(fileName string) (string, bool) {
	path, err := d.Path(fileName)
	if err != nil {
		return "", false
	}
	return path, true
}

// Path is Resolve with the reason for a rejection.
func (d DirResolver) Path(fileName string) (string, error) {
	if err := ValidateFileName(fileName); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	path := filepath.Join(d.Dir, fileName)
	if d.Overwrite {
		return path, nil
	}

	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	for i := 1; ; i++ {
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", err
		}
		if i > 999 {
			return "", fmt.Errorf("no free name for %q in %s", fileName, d.Dir)
		}
		path = filepath.Join(d.Dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
