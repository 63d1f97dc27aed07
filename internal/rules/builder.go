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
	"sort"
	"strings"
)

// MaxAnomalySamples bounds how many unparseable lines a Report keeps verbatim.
const MaxAnomalySamples = 10

// Classification is the routing outcome of one rule list. Both slices are
// sorted, free of duplicates and never share an element.
type Classification struct {
	Direct []string
	Proxy  []string
}

// Contains reports whether domain is in the direct and/or proxy set.
func (c Classification) Contains(domain string) (direct, proxy bool) {
	return containsSorted(c.Direct, domain), containsSorted(c.Proxy, domain)
}

// Report summarises a Build run. Anomalies are rule lines that yielded no
// domain; they never stop a build.
type Report struct {
	Lines     int      // total lines seen
	Rules     int      // lines that were not empty or comments
	Anomalies int      // rules that produced nothing
	Samples   []string // first MaxAnomalySamples anomalous lines
}

// Build folds every line through Parse and returns the deduplicated, sorted
// classification. A domain produced as both proxy and direct stays proxy only.
func (p *Parser) Build(lines []string) (Classification, Report) {
	proxy := make(map[string]struct{})
	direct := make(map[string]struct{})
	report := Report{Lines: len(lines)}

	for _, line := range lines {
		if Classify(strings.TrimSpace(line)) == KindSkip {
			continue
		}
		report.Rules++

		res := p.Parse(line)
		if res.Empty() {
			report.Anomalies++
			if len(report.Samples) < MaxAnomalySamples {
				report.Samples = append(report.Samples, line)
			}
			continue
		}
		for _, d := range res.Proxy {
			proxy[d] = struct{}{}
		}
		for _, d := range res.Direct {
			direct[d] = struct{}{}
		}
	}

	for d := range proxy {
		delete(direct, d)
	}

	return Classification{
		Direct: sortedKeys(direct),
		Proxy:  sortedKeys(proxy),
	}, report
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsSorted(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}
