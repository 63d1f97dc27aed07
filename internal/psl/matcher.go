package psl

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
Package psl maps hostnames to their registrable domain (public suffix plus one label).

A Matcher wraps a loaded suffix table. It is built once at startup and handed to the rule
parser by pointer; nothing in this package keeps global mutable state, so a Matcher can be
shared across goroutines without locking.
*/

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/miekg/dns"
	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/net/idna"
)

// Matcher resolves registrable domains against an immutable suffix table.
type Matcher struct {
	list *publicsuffix.List
	// ignorePrivate skips rules from the PRIVATE section of the list
	// (e.g. github.io) so that user pages collapse to the operator's domain.
	ignorePrivate bool
}

// findOptions never falls back to a default rule; a nil result means "implicit *".
func (m *Matcher) findOptions() *publicsuffix.FindOptions {
	return &publicsuffix.FindOptions{IgnorePrivate: m.ignorePrivate, DefaultRule: nil}
}

// Default returns a Matcher over the suffix table compiled into publicsuffix-go.
// Private-section rules are ignored.
func Default() *Matcher {
	return &Matcher{list: publicsuffix.DefaultList, ignorePrivate: true}
}

// DefaultWithPrivate is Default with the PRIVATE section taking part in matching.
func DefaultWithPrivate() *Matcher {
	return &Matcher{list: publicsuffix.DefaultList}
}

// Load parses a public_suffix_list.dat stream.
// includePrivate controls whether the PRIVATE section takes part in matching.
func Load(r io.Reader, includePrivate bool) (*Matcher, error) {
	list := publicsuffix.NewList()
	rules, err := list.Load(r, &publicsuffix.ParserOption{PrivateDomains: includePrivate})
	if err != nil {
		return nil, fmt.Errorf("parse suffix list: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("parse suffix list: no rules found")
	}
	return &Matcher{list: list, ignorePrivate: !includePrivate}, nil
}

// LoadFile is Load for a file on disk.
func LoadFile(path string, includePrivate bool) (*Matcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open suffix list %q: %w", path, err)
	}
	defer f.Close()
	return Load(f, includePrivate)
}

// Size reports the number of rules in the underlying table.
func (m *Matcher) Size() int {
	return m.list.Size()
}

// hostProfile converts IDNs without the STD3 and hyphen checks of idna.Lookup.
var hostProfile = idna.New()

// RegistrableDomain returns the public suffix of host extended by one label,
// or "" when host is empty, invalid, or is itself a public suffix.
//
// Matching is longest-match-wins over normal, wildcard and exception rules.
// A host that matches no rule is treated as having a one-label suffix.
// IPv4 literals are returned unchanged; IPv6 literals have no dot and yield "".
// Underscores and "--" inside labels are accepted, as hosts in the wild use them.
func (m *Matcher) RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if v4 := ip.To4(); v4 != nil && !strings.Contains(host, ":") {
			return v4.String()
		}
		return ""
	}

	ascii, err := hostProfile.ToASCII(strings.ToLower(host))
	if err != nil || ascii == "" {
		return ""
	}
	if _, ok := dns.IsDomainName(ascii); !ok || !hostChars(ascii) {
		return ""
	}

	labels := dns.SplitDomainName(ascii)
	suffixLabels := m.suffixLabels(ascii)
	if len(labels) <= suffixLabels {
		// Nothing left to own: the host is a suffix (or shorter).
		return ""
	}

	domain := strings.Join(labels[len(labels)-suffixLabels-1:], ".")
	if !strings.Contains(domain, ".") {
		return ""
	}
	return domain
}

// hostChars reports whether name only uses letters, digits, '-', '_' and '.'.
func hostChars(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// suffixLabels reports how many trailing labels of name form its public suffix.
func (m *Matcher) suffixLabels(name string) int {
	rule := m.list.Find(name, m.findOptions())
	if rule == nil {
		return 1
	}
	n := dns.CountLabel(rule.Value)
	switch rule.Type {
	case publicsuffix.WildcardType:
		n++
	case publicsuffix.ExceptionType:
		n--
	}
	if n < 1 {
		n = 1
	}
	return n
}
