/*
Package core constants that are not specific to a single component but shared by the
fetch, generation and watch paths. They are defaults; most can be overridden from the
configuration file.
*/
package core

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

import (
	"time"
)

// Application-wide constants for tuning behaviour.
const (
	// --- Network ---

	// DefaultFetchTimeout bounds a single download of the upstream list,
	// including reading the body.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultFetchAttempts is how many times a retryable fetch failure is tried.
	DefaultFetchAttempts = 3

	// MaxListBytes caps the upstream payload. GFWList is well under 1MB encoded;
	// anything this large is not a rule list.
	MaxListBytes = 16 << 20

	// --- Watch / serve ---

	// DefaultWatchInterval is how often the user rules file is polled.
	DefaultWatchInterval = 2 * time.Second

	// MinRegenerateInterval is the minimum spacing between regenerations
	// triggered by user rule edits. Editors often write a file several times
	// in a row on save.
	MinRegenerateInterval = time.Second

	// DefaultUpdateInterval is the period of background upstream updates in serve mode.
	DefaultUpdateInterval = 6 * time.Hour

	// --- Files ---

	// LockSuffix is appended to the PAC path to form the generation lock file.
	LockSuffix = ".lock"
)
