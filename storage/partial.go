package storage

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
)

// PartialFile writes to "<path>.part" and renames it to path on Commit, so a
// reader never observes a torn file under the final name.
type PartialFile struct {
	*os.File
	final string
	done  bool
}

// CreatePartial opens "<path>.part" for writing, truncating any leftover.
func CreatePartial(path string) (*PartialFile, error) {
	f, err := os.OpenFile(path+partSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &PartialFile{File: f, final: path}, nil
}

// Path returns the final destination.
func (p *PartialFile) Path() string {
	return p.final
}

// Commit flushes, closes and moves the file into place.
func (p *PartialFile) Commit() error {
	if p.done {
		return errors.New("partial file already finished")
	}
	p.done = true

	if err := p.File.Sync(); err != nil {
		p.File.Close()
		os.Remove(p.File.Name())
		return err
	}
	if err := p.File.Close(); err != nil {
		os.Remove(p.File.Name())
		return err
	}
	return os.Rename(p.File.Name(), p.final)
}

// Abort discards the partial file. It is a no-op after Commit.
func (p *PartialFile) Abort() {
	if p.done {
		return
	}
	p.done = true

	p.File.Close()
	if err := os.Remove(p.File.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "PartialFile.Abort",
			"path":     p.File.Name(),
			"error":    err.Error(),
		}).Warn("Failed to remove partial file")
	}
}
