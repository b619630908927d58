// Package storage resolves transfer names to files under a single root
// directory and refuses any name that would escape it.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// ErrPathEscape indicates a name that resolves outside the storage root.
var ErrPathEscape = errors.New("path escapes storage root")

// ErrNotFound indicates that no regular file exists under the requested name.
var ErrNotFound = errors.New("file not found in storage")

// partSuffix marks a file that is still being written.
const partSuffix = ".part"

// Store is a flat directory of transferred files.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "storage.New",
		"root":     abs,
	}).Debug("Storage root ready")

	return &Store{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps name to a path under the root. The cleaned result must be a
// direct child of the root; names containing separators, "..", or that are
// absolute are rejected with ErrPathEscape.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}

	path := filepath.Join(s.root, name)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel != name {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return path, nil
}

// Size returns the length of the stored file name.
func (s *Store) Size(name string) (int64, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}
	return info.Size(), nil
}

// Open opens the stored file name for reading.
func (s *Store) Open(name string) (*os.File, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, err
}

// Create starts writing name. The data only becomes visible under name after
// Commit.
func (s *Store) Create(name string) (*PartialFile, error) {
	path, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	return CreatePartial(path)
}

// Digest returns the hex BLAKE2b-256 digest of the stored file name.
func (s *Store) Digest(name string) (string, error) {
	f, err := s.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Digest(f)
}

// Digest returns the hex BLAKE2b-256 digest of everything read from r.
func Digest(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the hex BLAKE2b-256 digest of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Digest(f)
}
