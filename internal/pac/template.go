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
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Placeholders substituted into a template. Substitution is literal and
// happens in a single pass, so values never get re-expanded.
const (
	PlaceholderVersion   = "__version__"
	PlaceholderGenerated = "__generated__"
	PlaceholderModified  = "__modified__"
	PlaceholderSource    = "__gfwlist_from__"
	PlaceholderHost      = "__proxy_host__"
	PlaceholderPort      = "__proxy_port__"
	PlaceholderProxy     = "__proxy__"
	PlaceholderRules     = "__rules__"
)

//go:embed resources/pac-tpl.js
var prettyTemplate string

//go:embed resources/pac-tpl.min.js
var compactTemplate string

// Template is the pair of script skeletons; Compact is used when output compression is on.
type Template struct {
	Pretty  string
	Compact string
}

// DefaultTemplate returns the built-in skeletons.
func DefaultTemplate() Template {
	return Template{Pretty: prettyTemplate, Compact: compactTemplate}
}

// LoadTemplate reads template overrides from disk. An empty path keeps the
// built-in skeleton for that mode.
func LoadTemplate(prettyPath, compactPath string) (Template, error) {
	t := DefaultTemplate()
	if prettyPath != "" {
		b, err := os.ReadFile(prettyPath)
		if err != nil {
			return Template{}, fmt.Errorf("read template %q: %w", prettyPath, err)
		}
		t.Pretty = string(b)
	}
	if compactPath != "" {
		b, err := os.ReadFile(compactPath)
		if err != nil {
			return Template{}, fmt.Errorf("read template %q: %w", compactPath, err)
		}
		t.Compact = string(b)
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Validate makes sure both skeletons have somewhere to put the rules.
func (t Template) Validate() error {
	if !strings.Contains(t.Pretty, PlaceholderRules) {
		return fmt.Errorf("pretty template lacks %s placeholder", PlaceholderRules)
	}
	if !strings.Contains(t.Compact, PlaceholderRules) {
		return fmt.Errorf("compact template lacks %s placeholder", PlaceholderRules)
	}
	return nil
}

func (t Template) pick(compact bool) string {
	if compact {
		return t.Compact
	}
	return t.Pretty
}

// commentSafe makes v safe to place inside a /* */ comment: it cannot close
// the comment or break the line.
func commentSafe(v string) string {
	v = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == '\u2028' || r == '\u2029' || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, v)
	return strings.ReplaceAll(v, "*/", "* /")
}

// render fills every placeholder in tpl.
func render(tpl string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
