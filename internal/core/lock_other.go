//go:build !unix

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

// This file provides an in-process lock for platforms without flock(2).
// Two sspac processes writing the same PAC file are not detected here.

package core

import (
	"sync"
)

var (
	heldLocksMu sync.Mutex
	heldLocks   = make(map[string]struct{})
)

// FileLock definition MUST mirror the unix build's exported surface.
type FileLock struct {
	path string
}

// AcquireLock takes the lock for the PAC file at path without blocking.
func AcquireLock(path string) (*FileLock, error) {
	lockPath := path + LockSuffix
	heldLocksMu.Lock()
	defer heldLocksMu.Unlock()
	if _, ok := heldLocks[lockPath]; ok {
		return nil, ErrGenerationInProgress
	}
	heldLocks[lockPath] = struct{}{}
	return &FileLock{path: lockPath}, nil
}

// Release drops the lock.
func (l *FileLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	heldLocksMu.Lock()
	delete(heldLocks, l.path)
	heldLocksMu.Unlock()
	l.path = ""
	return nil
}
