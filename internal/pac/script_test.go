package pac

import (
	"strings"
	"testing"

	"github.com/dop251/goja"
)

// runScript evaluates a rendered PAC script and returns its FindProxyForURL.
func runScript(t *testing.T, script string) (*goja.Runtime, func(host string) string) {
	t.Helper()
	vm := goja.New()
	if _, err := vm.RunString(script); err != nil {
		t.Fatalf("script does not evaluate: %v\n%s", err, script)
	}
	fn, ok := goja.AssertFunction(vm.Get("FindProxyForURL"))
	if !ok {
		t.Fatalf("FindProxyForURL is not a function")
	}
	return vm, func(host string) string {
		t.Helper()
		v, err := fn(goja.Undefined(), vm.ToValue("http://"+host+"/"), vm.ToValue(host))
		if err != nil {
			t.Fatalf("FindProxyForURL(%q): %v", host, err)
		}
		return v.String()
	}
}

func TestScriptMatchesPolicy(t *testing.T) {
	t.Parallel()
	base := []string{"||blocked.test^", "@@||cdn.blocked.test^", "||tracker.example.org^"}
	user := []string{"@@||tracker.example.org", "||mine.example.com"}
	hosts := []string{
		"blocked.test",
		"www.blocked.test",
		"WWW.BLOCKED.TEST.",
		"cdn.blocked.test",
		"img.cdn.blocked.test",
		"tracker.example.org",
		"a.mine.example.com",
		"mine.example.com.",
		"notblocked.test",
		"bank.example",
		"",
	}

	for _, compress := range []bool{false, true} {
		g := newTestGenerator(t, compress)
		doc, err := g.Generate(base, user, Attribution{Source: "https://example.invalid/gfwlist.txt", Modified: "m"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		_, find := runScript(t, doc.Script)
		for _, host := range hosts {
			want := doc.Policy.FindProxyForURL("http://"+host+"/", host, g.Endpoint())
			if got := find(host); got != want {
				t.Errorf("compress=%t %q: script = %q, policy = %q", compress, host, got, want)
			}
		}
	}
}

func TestScriptMetadataCannotEscapeComment(t *testing.T) {
	t.Parallel()
	attr := Attribution{
		Source:   "https://example.invalid/*/x\n*/ var fromSource=1; /*",
		Modified: "Mon */ var pwned=1; FindProxyForURL=function(){return 'PROXY evil:8080'}; /*",
	}

	for _, compress := range []bool{false, true} {
		g := newTestGenerator(t, compress)
		doc, err := g.Generate([]string{"||blocked.test^"}, nil, attr)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		vm, find := runScript(t, doc.Script)
		if v := vm.Get("pwned"); v != nil && !goja.IsUndefined(v) {
			t.Errorf("compress=%t: metadata executed as script", compress)
		}
		if v := vm.Get("fromSource"); v != nil && !goja.IsUndefined(v) {
			t.Errorf("compress=%t: source URL executed as script", compress)
		}
		if got := find("www.blocked.test"); got != "SOCKS5 127.0.0.1:1080" {
			t.Errorf("compress=%t: blocked host = %q", compress, got)
		}
		if got := find("bank.example"); got != "DIRECT" {
			t.Errorf("compress=%t: unlisted host = %q", compress, got)
		}
		if !strings.Contains(doc.Script, "Mon * / var pwned=1") {
			t.Errorf("compress=%t: modified token not kept in readable form", compress)
		}
	}
}

func TestCommentSafe(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"Tue, 05 Mar 2024 10:30:00 -0500": "Tue, 05 Mar 2024 10:30:00 -0500",
		"a */ b":                          "a * / b",
		"a**/b":                           "a** /b",
		"line\r\nbreak":                   "line  break",
		"sep\u2028x":                      "sep x",
	}
	for in, want := range testCases {
		if got := commentSafe(in); got != want {
			t.Errorf("commentSafe(%q) = %q, want %q", in, got, want)
		}
	}
}
