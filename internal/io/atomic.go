package io

/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package io provides the persistence boundary for sspac: files that readers (browsers,
the PAC server, the next run) must never observe half-written.

Every write goes to a temporary sibling of the destination and is renamed over it only
after a successful flush and fsync. On any failure the temporary file is removed and the
previous content stays untouched.
*/

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultBufferSize is the bufio size used for staged writes.
	DefaultBufferSize = 64 * 1024

	// DefaultFileMode is applied to committed files unless the caller overrides it.
	DefaultFileMode os.FileMode = 0644

	// tmpSuffix marks staged files; it matches what a crashed run may leave behind.
	tmpSuffix = ".tmp"
)

var (
	// ErrAlreadyFinished is returned when writing to, committing or aborting a file twice.
	ErrAlreadyFinished = errors.New("atomic file already committed or aborted")
)

// AtomicFile stages writes for a destination path and publishes them with a rename.
// It is safe for use by multiple goroutines, though writes are serialised.
type AtomicFile struct {
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	tmpPath   string
	finalPath string
	perm      os.FileMode
	written   int64
	finished  bool
}

// Create opens a staged file for path, creating parent directories as needed.
func Create(path string, perm os.FileMode) (*AtomicFile, error) {
	if perm == 0 {
		perm = DefaultFileMode
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*"+tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}

	return &AtomicFile{
		file:      f,
		writer:    bufio.NewWriterSize(f, DefaultBufferSize),
		tmpPath:   f.Name(),
		finalPath: path,
		perm:      perm,
	}, nil
}

// Write implements io.Writer against the staged file.
func (a *AtomicFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return 0, ErrAlreadyFinished
	}
	n, err := a.writer.Write(p)
	a.written += int64(n)
	return n, err
}

// Written returns the number of bytes accepted so far.
func (a *AtomicFile) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}

// Commit flushes, syncs and renames the staged file over the destination.
// If any step fails the staged file is removed and the destination is left as it was.
func (a *AtomicFile) Commit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return ErrAlreadyFinished
	}
	a.finished = true

	if err := a.writer.Flush(); err != nil {
		a.discard()
		return fmt.Errorf("flush %s: %w", a.tmpPath, err)
	}
	if err := a.file.Sync(); err != nil {
		a.discard()
		return fmt.Errorf("sync %s: %w", a.tmpPath, err)
	}
	if err := a.file.Chmod(a.perm); err != nil {
		a.discard()
		return fmt.Errorf("chmod %s: %w", a.tmpPath, err)
	}
	if err := a.file.Close(); err != nil {
		_ = os.Remove(a.tmpPath)
		return fmt.Errorf("close %s: %w", a.tmpPath, err)
	}
	if err := os.Rename(a.tmpPath, a.finalPath); err != nil {
		_ = os.Remove(a.tmpPath)
		return fmt.Errorf("rename %s -> %s: %w", a.tmpPath, a.finalPath, err)
	}
	return nil
}

// Abort drops the staged content. Calling Abort after Commit is a no-op.
func (a *AtomicFile) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return nil
	}
	a.finished = true
	a.discard()
	return nil
}

// discard closes and removes the staged file; callers hold a.mu.
func (a *AtomicFile) discard() {
	_ = a.file.Close()
	_ = os.Remove(a.tmpPath)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	af, err := Create(path, perm)
	if err != nil {
		return err
	}
	if _, err := af.Write(data); err != nil {
		_ = af.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return af.Commit()
}
