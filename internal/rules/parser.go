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

/*
Package rules turns adblock-style filter lines (GFWList and user override files) into
routing decisions: a set of registrable domains to proxy and a set to reach directly.

Parsing is a dispatch on Kind. Each syntax class has its own handler so that the
contract of every branch can be tested on its own. Lines that cannot be understood
yield no domains; the Builder counts them as anomalies instead of failing.
*/

import (
	"net/url"
	"regexp"
	"strings"
)

// Matcher resolves a hostname to its registrable domain, or "" if there is none.
// *psl.Matcher satisfies it.
type Matcher interface {
	RegistrableDomain(host string) string
}

// Result holds the domains implied by a single line.
type Result struct {
	Proxy  []string
	Direct []string
}

// Empty reports whether the line produced no domains at all.
func (r Result) Empty() bool {
	return len(r.Proxy) == 0 && len(r.Direct) == 0
}

// Parser extracts domains from filter lines. It is stateless apart from the
// shared, read-only Matcher and may be used concurrently.
type Parser struct {
	matcher Matcher
}

// NewParser returns a Parser that canonicalises hosts with m.
func NewParser(m Matcher) *Parser {
	return &Parser{matcher: m}
}

var (
	regexHost      = regexp.MustCompile(`[a-z0-9]+\..*`)
	regexGroup     = regexp.MustCompile(`[a-z]+\.\(.*\)`)
	groupSplitter  = regexp.MustCompile(`[()]`)
	slashWildcard  = regexp.MustCompile(`/([a-zA-Z0-9]+)\*\.`)
	innerWildcard  = regexp.MustCompile(`\*([a-zA-Z0-9_%]+)`)
	leadingPartial = regexp.MustCompile(`^([a-zA-Z0-9_%]+)\*`)
	regexUnescaper = strings.NewReplacer(`\/`, `/`, `\.`, `.`)
)

// Parse returns the proxy and direct domains implied by one line.
func (p *Parser) Parse(line string) Result {
	line = strings.TrimSpace(line)
	switch Classify(line) {
	case KindException:
		return p.parseException(line)
	case KindRegex:
		return p.parseRegex(line)
	case KindAnchor:
		return p.parsePlain(strings.TrimLeft(line, "|"))
	case KindPlain:
		return p.parsePlain(line)
	default:
		return Result{}
	}
}

func (p *Parser) parseException(line string) Result {
	line = strings.TrimLeft(strings.TrimPrefix(line, "@@"), "@!.|")
	if domain := p.surmiseDomain(line); domain != "" {
		return Result{Direct: []string{domain}}
	}
	return Result{}
}

// parseRegex handles slash-delimited and wildcard-heavy rules. Any pattern that
// does not match simply contributes nothing.
func (p *Parser) parseRegex(line string) Result {
	line = regexUnescaper.Replace(line)

	if m := regexHost.FindString(line); m != "" {
		if domain := p.surmiseDomain(m); domain != "" {
			return Result{Proxy: []string{domain}}
		}
	}

	m := regexGroup.FindString(line)
	if m == "" {
		return Result{}
	}
	parts := groupSplitter.Split(m, -1)
	if len(parts) < 2 {
		return Result{}
	}
	var res Result
	for _, alt := range strings.Split(parts[1], "|") {
		if domain := p.surmiseDomain(parts[0] + alt); domain != "" {
			res.Proxy = append(res.Proxy, domain)
		}
	}
	return res
}

func (p *Parser) parsePlain(line string) Result {
	if domain := p.surmiseDomain(line); domain != "" {
		return Result{Proxy: []string{domain}}
	}
	return Result{}
}

// surmiseDomain guesses the host a rule fragment refers to and reduces it to a
// registrable domain.
func (p *Parser) surmiseDomain(rule string) string {
	rule = clearAsterisk(rule)
	if i := strings.IndexByte(rule, '^'); i >= 0 {
		rule = rule[:i]
	}
	rule = strings.TrimLeft(rule, ".")

	if strings.Contains(strings.ToLower(rule), "%2f") {
		if decoded, err := url.PathUnescape(rule); err == nil {
			rule = decoded
		}
	}

	var host string
	switch {
	case strings.HasPrefix(rule, "http:") || strings.HasPrefix(rule, "https:"):
		host = hostname(rule)
	case strings.IndexByte(rule, '/') > 0 || strings.IndexByte(rule, ':') > 0:
		host = hostname("http://" + rule)
	case strings.IndexByte(rule, '.') > 0:
		host = rule
	default:
		return ""
	}
	return p.matcher.RegistrableDomain(host)
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// clearAsterisk removes wildcard fragments that cannot be part of a hostname.
func clearAsterisk(rule string) string {
	if !strings.Contains(rule, "*") {
		return rule
	}
	rule = strings.Trim(rule, "*")
	rule = strings.ReplaceAll(rule, "/*.", "/")
	rule = slashWildcard.ReplaceAllString(rule, "/")
	rule = innerWildcard.ReplaceAllString(rule, "")
	rule = leadingPartial.ReplaceAllString(rule, "")
	return rule
}
