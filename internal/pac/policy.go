package pac

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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/x-stp/sspac/internal/rules"
)

// DirectDirective is what the PAC script returns when no proxy applies.
const DirectDirective = "DIRECT"

// Endpoint is the local SOCKS5 proxy the script points browsers at.
type Endpoint struct {
	Host string
	Port int
}

// Validate checks that the endpoint can be rendered into a directive.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("proxy host is empty")
	}
	for _, r := range e.Host {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune("\"'\\/*<>;", r) {
			return fmt.Errorf("proxy host %q contains invalid character %q", e.Host, r)
		}
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("proxy port %d out of range 1-65535", e.Port)
	}
	return nil
}

// Directive returns the PAC directive for this endpoint, e.g. "SOCKS5 127.0.0.1:1080".
func (e Endpoint) Directive() string {
	return "SOCKS5 " + e.Host + ":" + strconv.Itoa(e.Port)
}

// Route is the outcome of a lookup.
type Route string

const (
	RouteDirect Route = "direct"
	RouteProxy  Route = "proxy"
)

// Policy is the merged routing data. The user and upstream lists stay separate
// so the rendered script can give user rules priority at lookup time as well.
type Policy struct {
	UserDirect []string
	UserProxy  []string
	BaseDirect []string
	BaseProxy  []string
}

// Merge applies user overrides on top of the upstream classification.
// A user proxy domain is removed from the upstream direct list and a user
// direct domain is removed from the upstream proxy list.
func Merge(base, user rules.Classification) Policy {
	return Policy{
		UserDirect: nonNil(user.Direct),
		UserProxy:  nonNil(user.Proxy),
		BaseDirect: without(base.Direct, user.Proxy),
		BaseProxy:  without(base.Proxy, user.Direct),
	}
}

// Payload serialises the policy as [[user_direct,user_proxy],[base_direct,base_proxy]].
// Compact output has no whitespace; otherwise it is indented by two spaces.
func (p Policy) Payload(compact bool) ([]byte, error) {
	data := [2][2][]string{
		{nonNil(p.UserDirect), nonNil(p.UserProxy)},
		{nonNil(p.BaseDirect), nonNil(p.BaseProxy)},
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Flatten collapses the policy into one classification. User entries win
// over upstream entries for the same domain.
func (p Policy) Flatten() rules.Classification {
	proxy := append(append([]string{}, p.UserProxy...), without(p.BaseProxy, p.UserDirect)...)
	direct := append(append([]string{}, p.UserDirect...), without(p.BaseDirect, p.UserProxy)...)
	sort.Strings(proxy)
	sort.Strings(direct)
	return rules.Classification{Direct: dedupSorted(direct), Proxy: dedupSorted(proxy)}
}

// Lookup reports the route the rendered script would choose for host.
// Lists are checked in order: user direct, user proxy, upstream direct, upstream proxy.
func (p Policy) Lookup(host string) Route {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	groups := [2][2][]string{
		{p.UserDirect, p.UserProxy},
		{p.BaseDirect, p.BaseProxy},
	}
	for _, g := range groups {
		if matchDomain(host, g[0]) {
			return RouteDirect
		}
		if matchDomain(host, g[1]) {
			return RouteProxy
		}
	}
	return RouteDirect
}

// FindProxyForURL mirrors the script entry point of the same name.
func (p Policy) FindProxyForURL(url, host string, ep Endpoint) string {
	if p.Lookup(host) == RouteProxy {
		return ep.Directive()
	}
	return DirectDirective
}

// Counts returns the list sizes in payload order.
func (p Policy) Counts() (userDirect, userProxy, baseDirect, baseProxy int) {
	return len(p.UserDirect), len(p.UserProxy), len(p.BaseDirect), len(p.BaseProxy)
}

func matchDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// without returns list minus every element of drop, preserving order.
func without(list, drop []string) []string {
	out := make([]string, 0, len(list))
	if len(drop) == 0 {
		return append(out, list...)
	}
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}
	for _, d := range list {
		if _, ok := skip[d]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func dedupSorted(list []string) []string {
	out := list[:0]
	for _, d := range list {
		if len(out) == 0 || d != out[len(out)-1] {
			out = append(out, d)
		}
	}
	return out
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
