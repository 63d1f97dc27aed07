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

/*
Package pac merges upstream and user rule classifications and renders them into a
proxy auto-config script.

Generation is a pure transformation: rule lines, proxy endpoint and template in,
Document out. Writing the script to disk is a separate, explicit Document.Save call so
callers can inspect the result first.
*/

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	xio "github.com/x-stp/sspac/internal/io"
	"github.com/x-stp/sspac/internal/rules"
)

// Version is stamped into every generated script.
const Version = "0.1.0"

// Attribution records where the upstream list came from.
type Attribution struct {
	Source   string // URL or path the upstream list was read from
	Modified string // upstream "Last Modified" token, opaque
}

// Options configure a Generator.
type Options struct {
	Endpoint Endpoint
	Compress bool
	Template Template
	// Now is used for the generation timestamp; defaults to time.Now.
	Now func() time.Time
}

// Generator renders PAC documents. It holds no mutable state and can serve
// concurrent Generate calls.
type Generator struct {
	parser *rules.Parser
	opts   Options
}

// NewGenerator validates opts and returns a Generator that parses with parser.
// A zero Template selects the built-in one.
func NewGenerator(parser *rules.Parser, opts Options) (*Generator, error) {
	if parser == nil {
		return nil, fmt.Errorf("nil rule parser")
	}
	if err := opts.Endpoint.Validate(); err != nil {
		return nil, err
	}
	if opts.Template == (Template{}) {
		opts.Template = DefaultTemplate()
	}
	if err := opts.Template.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{parser: parser, opts: opts}, nil
}

// Endpoint returns the proxy endpoint scripts are rendered for.
func (g *Generator) Endpoint() Endpoint {
	return g.opts.Endpoint
}

// Parser exposes the rule parser, e.g. for explaining single lines.
func (g *Generator) Parser() *rules.Parser {
	return g.parser
}

// Document is one rendered PAC script plus what it was made from.
type Document struct {
	Script      string
	Version     string
	GeneratedAt time.Time
	Source      string
	Modified    string
	Compressed  bool
	Policy      Policy
	Base        rules.Report
	User        rules.Report
	// Fingerprint identifies the routing content (rules, endpoint, template),
	// ignoring the timestamp. Suitable as an HTTP ETag.
	Fingerprint string
}

// Generate classifies both rule lists, merges them with user precedence and
// renders the script. Malformed rule lines are reported, never fatal.
func (g *Generator) Generate(base, user []string, attr Attribution) (*Document, error) {
	baseSet, baseReport := g.parser.Build(base)
	userSet, userReport := g.parser.Build(user)
	policy := Merge(baseSet, userSet)

	payload, err := policy.Payload(g.opts.Compress)
	if err != nil {
		return nil, err
	}

	now := g.opts.Now()
	tpl := g.opts.Template.pick(g.opts.Compress)
	ep := g.opts.Endpoint
	directive, err := json.Marshal(ep.Directive())
	if err != nil {
		return nil, fmt.Errorf("encode directive: %w", err)
	}
	script := render(tpl, map[string]string{
		PlaceholderVersion:   Version,
		PlaceholderGenerated: now.Format(time.RFC1123Z),
		PlaceholderModified:  commentSafe(attr.Modified),
		PlaceholderSource:    commentSafe(attr.Source),
		PlaceholderHost:      ep.Host,
		PlaceholderPort:      strconv.Itoa(ep.Port),
		PlaceholderProxy:     string(directive),
		PlaceholderRules:     string(payload),
	})

	h := xxh3.New()
	_, _ = h.WriteString(tpl)
	_, _ = h.WriteString("\x00" + ep.Directive() + "\x00" + attr.Modified + "\x00")
	_, _ = h.Write(payload)

	return &Document{
		Script:      script,
		Version:     Version,
		GeneratedAt: now,
		Source:      attr.Source,
		Modified:    attr.Modified,
		Compressed:  g.opts.Compress,
		Policy:      policy,
		Base:        baseReport,
		User:        userReport,
		Fingerprint: fmt.Sprintf("%016x", h.Sum64()),
	}, nil
}

// Save atomically replaces the file at path with the script.
func (d *Document) Save(path string) error {
	if err := xio.WriteFile(path, []byte(d.Script), xio.DefaultFileMode); err != nil {
		return fmt.Errorf("save pac %s: %w", path, err)
	}
	return nil
}

// Holder publishes the most recent good Document to concurrent readers.
type Holder struct {
	doc atomic.Pointer[Document]
}

// Load returns the current document, or nil before the first Store.
func (h *Holder) Load() *Document {
	return h.doc.Load()
}

// Store replaces the current document.
func (h *Holder) Store(d *Document) {
	h.doc.Store(d)
}
