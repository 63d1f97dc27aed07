package pac

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/x-stp/sspac/internal/psl"
	"github.com/x-stp/sspac/internal/rules"
)

var fixedNow = time.Date(2024, time.March, 5, 10, 30, 0, 0, time.FixedZone("", 8*3600))

func newTestGenerator(t *testing.T, compress bool) *Generator {
	t.Helper()
	g, err := NewGenerator(rules.NewParser(psl.Default()), Options{
		Endpoint: Endpoint{Host: "127.0.0.1", Port: 1080},
		Compress: compress,
		Now:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerateEndToEnd(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, false)

	base := []string{"||tracker.example.org^", "@@||cdn.example.org^", "||blocked.test^"}
	user := []string{"@@||tracker.example.org"}

	doc, err := g.Generate(base, user, Attribution{Source: "https://example.invalid/gfwlist.txt", Modified: "Tue, 05 Mar 2024"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ep := g.Endpoint()
	for _, host := range []string{"tracker.example.org", "cdn.example.org"} {
		if got := doc.Policy.FindProxyForURL("https://"+host+"/", host, ep); got != "DIRECT" {
			t.Errorf("FindProxyForURL(%s) = %q, want DIRECT", host, got)
		}
	}
	if got := doc.Policy.FindProxyForURL("http://www.blocked.test/", "www.blocked.test", ep); got != "SOCKS5 127.0.0.1:1080" {
		t.Errorf("FindProxyForURL(www.blocked.test) = %q", got)
	}
	if got := doc.Policy.FindProxyForURL("http://unrelated.example.net/", "unrelated.example.net", ep); got != "DIRECT" {
		t.Errorf("unlisted host should go direct, got %q", got)
	}

	flat := doc.Policy.Flatten()
	if direct, proxy := flat.Contains("example.org"); !direct || proxy {
		t.Errorf("example.org should be direct only, got direct=%t proxy=%t", direct, proxy)
	}

	for _, want := range []string{
		`var proxy = "SOCKS5 127.0.0.1:1080";`,
		"sspac " + Version,
		"Generated: Tue, 05 Mar 2024 10:30:00 +0800",
		"GFWList last modified: Tue, 05 Mar 2024",
		"GFWList from: https://example.invalid/gfwlist.txt",
		"function FindProxyForURL(url, host)",
		`"blocked.test"`,
	} {
		if !strings.Contains(doc.Script, want) {
			t.Errorf("script missing %q", want)
		}
	}
	if strings.Contains(doc.Script, "__") {
		t.Errorf("script still contains a placeholder:\n%s", doc.Script)
	}
	if doc.Base.Rules != 3 || doc.User.Rules != 1 {
		t.Errorf("unexpected reports: base=%+v user=%+v", doc.Base, doc.User)
	}
}

func TestGenerateCompactPayload(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, true)

	doc, err := g.Generate([]string{"||blocked.test^"}, []string{"@@||example.org"}, Attribution{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := `rules=[[["example.org"],[]],[[],["blocked.test"]]];`
	if !strings.Contains(doc.Script, want) {
		t.Fatalf("compact script lacks %q:\n%s", want, doc.Script)
	}
	if !doc.Compressed {
		t.Fatalf("expected Compressed to be set")
	}
}

func TestGenerateFingerprint(t *testing.T) {
	t.Parallel()
	base := []string{"||blocked.test^"}

	g1 := newTestGenerator(t, false)
	d1, _ := g1.Generate(base, nil, Attribution{Modified: "m"})

	g2, err := NewGenerator(rules.NewParser(psl.Default()), Options{
		Endpoint: Endpoint{Host: "127.0.0.1", Port: 1080},
		Now:      func() time.Time { return fixedNow.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	d2, _ := g2.Generate(base, nil, Attribution{Modified: "m"})
	if d1.Fingerprint != d2.Fingerprint {
		t.Errorf("fingerprint should ignore the timestamp: %s != %s", d1.Fingerprint, d2.Fingerprint)
	}

	g3, _ := NewGenerator(rules.NewParser(psl.Default()), Options{Endpoint: Endpoint{Host: "127.0.0.1", Port: 1081}})
	d3, _ := g3.Generate(base, nil, Attribution{Modified: "m"})
	if d1.Fingerprint == d3.Fingerprint {
		t.Errorf("fingerprint should change with the endpoint")
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	t.Parallel()
	p := rules.NewParser(psl.Default())

	testCases := []struct {
		name string
		opts Options
	}{
		{"empty host", Options{Endpoint: Endpoint{Port: 1080}}},
		{"port zero", Options{Endpoint: Endpoint{Host: "127.0.0.1"}}},
		{"quote in host", Options{Endpoint: Endpoint{Host: `127.0.0.1";alert(1);"`, Port: 1080}}},
		{"space in host", Options{Endpoint: Endpoint{Host: "127.0.0.1 x", Port: 1080}}},
		{"backslash in host", Options{Endpoint: Endpoint{Host: `a\b`, Port: 1080}}},
		{"comment in host", Options{Endpoint: Endpoint{Host: "a*/b", Port: 1080}}},
		{"port too large", Options{Endpoint: Endpoint{Host: "127.0.0.1", Port: 70000}}},
		{"template without rules", Options{Endpoint: Endpoint{Host: "h", Port: 1}, Template: Template{Pretty: "x", Compact: "y"}}},
	}
	for _, tc := range testCases {
		if _, err := NewGenerator(p, tc.opts); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if _, err := NewGenerator(nil, Options{Endpoint: Endpoint{Host: "h", Port: 1}}); err == nil {
		t.Errorf("nil parser: expected error")
	}
}

func TestDocumentSave(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, false)
	doc, err := g.Generate([]string{"||blocked.test^"}, nil, Attribution{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pac", "sspac.pac")
	if err := doc.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != doc.Script {
		t.Fatalf("saved content differs from script")
	}
}

func TestLoadTemplate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	custom := filepath.Join(dir, "custom.js")
	if err := os.WriteFile(custom, []byte("var r = __rules__; // __proxy_host__"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tpl, err := LoadTemplate(custom, "")
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if tpl.Compact != DefaultTemplate().Compact {
		t.Errorf("compact template should stay the built-in one")
	}

	g, err := NewGenerator(rules.NewParser(psl.Default()), Options{Endpoint: Endpoint{Host: "10.0.0.1", Port: 1}, Template: tpl})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	doc, err := g.Generate(nil, nil, Attribution{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(doc.Script, "var r = [") || !strings.HasSuffix(doc.Script, "// 10.0.0.1") {
		t.Errorf("unexpected render: %q", doc.Script)
	}

	if _, err := LoadTemplate(filepath.Join(dir, "missing.js"), ""); err == nil {
		t.Errorf("expected error for missing template")
	}
}

func TestHolder(t *testing.T) {
	t.Parallel()
	var h Holder
	if h.Load() != nil {
		t.Fatalf("empty holder should return nil")
	}
	d := &Document{Script: "x"}
	h.Store(d)
	if got := h.Load(); !reflect.DeepEqual(got, d) {
		t.Fatalf("Load = %+v", got)
	}
}
