package util

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
	"os"
	"path/filepath"
	"strings"
)

// maxFilenameLength keeps generated names well under common filesystem limits.
const maxFilenameLength = 100

// SanitizeFilename creates a filesystem-safe filename from a URL or other string.
// Scheme prefixes are dropped, problematic characters become underscores, and
// the result is length-limited.
func SanitizeFilename(input string) string {
	input = strings.TrimSpace(input)
	if i := strings.Index(input, "://"); i >= 0 {
		input = input[i+3:]
	}
	input = strings.Trim(input, "/")

	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '&', '=', ' ':
			return '_'
		}
		return r
	}, input)
	if replaced == "" || replaced == "." || replaced == ".." {
		return "_"
	}
	if len(replaced) > maxFilenameLength {
		return replaced[:maxFilenameLength]
	}
	return replaced
}

// ExpandHome replaces a leading "~" with the current user's home directory.
// Paths without one, or when the home directory is unknown, are returned as is.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
