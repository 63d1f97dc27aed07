package rules

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
	"regexp"
	"strings"
)

// Kind is the syntax class of a single filter-list line.
type Kind int

const (
	// KindSkip covers empty lines and `!` comments.
	KindSkip Kind = iota
	// KindException is an `@@` rule: the domain goes direct.
	KindException
	// KindRegex is a regular-expression style rule (`/.../`, `.*`, or an `(a|b)` group).
	KindRegex
	// KindAnchor is a `|` or `||` anchored rule.
	KindAnchor
	// KindPlain is anything else: a bare host or URL fragment.
	KindPlain
)

var kindNames = [...]string{
	KindSkip:      "skip",
	KindException: "exception",
	KindRegex:     "regex",
	KindAnchor:    "anchor",
	KindPlain:     "plain",
}

// String returns a stable lowercase name, used in metrics labels and CLI output.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// alternationGroup spots `(com|net)` style groups outside of slash-delimited rules.
var alternationGroup = regexp.MustCompile(`\([^()]*\|[^()]*\)`)

// Classify returns the syntax class of line. Classes are tested in priority
// order and the first match wins, so every line has exactly one Kind.
func Classify(line string) Kind {
	switch {
	case line == "" || strings.HasPrefix(line, "!"):
		return KindSkip
	case strings.HasPrefix(line, "@@"):
		return KindException
	case strings.Contains(line, ".*") || strings.HasPrefix(line, "/") || alternationGroup.MatchString(line):
		return KindRegex
	case strings.HasPrefix(line, "|"):
		return KindAnchor
	default:
		return KindPlain
	}
}
