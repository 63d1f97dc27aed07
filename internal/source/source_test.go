package source

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/x-stp/sspac/internal/core"
)

const listText = "[AutoProxy 0.2.9]\r\n! Checksum: abc\r\n! Last Modified: Tue, 05 Mar 2024 10:30:00 -0500\r\n||blocked.test\r\n@@||cdn.example.org\n"

// wrap encodes text the way upstream publishes it: base64 split into 64-column lines.
func wrap(text string) []byte {
	enc := base64.StdEncoding.EncodeToString([]byte(text))
	var b strings.Builder
	for len(enc) > 64 {
		b.WriteString(enc[:64])
		b.WriteString("\n")
		enc = enc[64:]
	}
	b.WriteString(enc)
	b.WriteString("\n")
	return []byte(b.String())
}

func TestDecode(t *testing.T) {
	t.Parallel()

	lines, err := Decode(wrap(listText))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []string{
		"! [AutoProxy 0.2.9]",
		"! Checksum: abc",
		"! Last Modified: Tue, 05 Mar 2024 10:30:00 -0500",
		"||blocked.test",
		"@@||cdn.example.org",
		"",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Decode = %q, want %q", lines, want)
	}
}

func TestDecodeUnpadded(t *testing.T) {
	t.Parallel()
	raw := base64.RawStdEncoding.EncodeToString([]byte("a\nb"))
	lines, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(lines, []string{"! a", "b"}) {
		t.Fatalf("Decode = %q", lines)
	}
}

func TestDecodeFailure(t *testing.T) {
	t.Parallel()
	invalidUTF8 := base64.StdEncoding.EncodeToString([]byte("||ex\xff\xfeample.com\n"))
	for _, in := range []string{"", "  \n", "not base64 at all!!", invalidUTF8} {
		_, err := Decode([]byte(in))
		if err == nil {
			t.Errorf("Decode(%q): expected error", in)
			continue
		}
		if core.KindOf(err) != core.KindDecodeFailure {
			t.Errorf("Decode(%q): kind = %s", in, core.KindOf(err))
		}
	}
}

func TestExtractModified(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		lines []string
		want  string
	}{
		{[]string{"! Last Modified: Tue, 05 Mar 2024 10:30:00 -0500"}, "Tue, 05 Mar 2024 10:30:00 -0500"},
		{[]string{"! foo", "! Last Modified:   x  ", "! Last Modified: y"}, "x"},
		{[]string{"! Last modified: lowercase does not count"}, ""},
		{nil, ""},
	}
	for _, tc := range testCases {
		if got := ExtractModified(tc.lines); got != tc.want {
			t.Errorf("ExtractModified(%q) = %q, want %q", tc.lines, got, tc.want)
		}
	}
}

func TestFetchRemote(t *testing.T) {
	t.Parallel()
	payload := wrap(listText)
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/gfwlist.txt", http.StatusFound)
	})
	mux.HandleFunc("/gfwlist.txt", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("missing User-Agent")
		}
		_, _ = w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "cache", "gfwlist.txt")
	p := NewProvider(&HTTPFetcher{Client: srv.Client()}, cache)

	src, err := p.FetchRemote(context.Background(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("FetchRemote: %v", err)
	}
	if src.Origin != Remote || src.Location != srv.URL+"/gfwlist.txt" {
		t.Errorf("unexpected source: %+v", src)
	}
	if src.Modified != "Tue, 05 Mar 2024 10:30:00 -0500" {
		t.Errorf("Modified = %q", src.Modified)
	}

	if _, err := os.Stat(cache); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("FetchRemote must not write the cache on its own")
	}
	if err := p.Cache(src); err != nil {
		t.Fatalf("Cache: %v", err)
	}

	cached, err := os.ReadFile(cache)
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	if string(cached) != string(payload) {
		t.Errorf("cache holds %q, want raw payload", cached)
	}

	local, err := p.LoadLocal(cache)
	if err != nil {
		t.Fatalf("LoadLocal: %v", err)
	}
	if !reflect.DeepEqual(local.Lines, src.Lines) || local.Origin != LocalCache {
		t.Errorf("local copy differs from remote: %+v", local)
	}
}

func TestFetchRemoteErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		status    int
		body      string
		kind      core.Kind
		retryable bool
	}{
		{"server error", http.StatusBadGateway, "", core.KindSourceUnavailable, true},
		{"not found", http.StatusNotFound, "", core.KindSourceUnavailable, false},
		{"garbage", http.StatusOK, "%%%", core.KindDecodeFailure, false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			cache := filepath.Join(t.TempDir(), "gfwlist.txt")
			p := NewProvider(&HTTPFetcher{Client: srv.Client()}, cache)
			_, err := p.FetchRemote(context.Background(), srv.URL)
			if err == nil {
				t.Fatal("expected error")
			}
			if core.KindOf(err) != tc.kind || core.IsRetryable(err) != tc.retryable {
				t.Errorf("err = %v (kind %s, retryable %t)", err, core.KindOf(err), core.IsRetryable(err))
			}
			if _, statErr := os.Stat(cache); !errors.Is(statErr, os.ErrNotExist) {
				t.Errorf("cache must not be written on failure")
			}
		})
	}
}

func TestLoadLocalMissing(t *testing.T) {
	t.Parallel()
	p := NewProvider(nil, "")
	_, err := p.LoadLocal(filepath.Join(t.TempDir(), "nope.txt"))
	if core.KindOf(err) != core.KindSourceUnavailable {
		t.Fatalf("err = %v, want source unavailable", err)
	}
}

func TestLoadUser(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := NewProvider(nil, "")

	src, err := p.LoadUser(filepath.Join(dir, "missing.txt"))
	if err != nil {
		t.Fatalf("missing user file: %v", err)
	}
	if len(src.Lines) != 0 || src.Origin != User {
		t.Errorf("expected empty user source, got %+v", src)
	}

	path := filepath.Join(dir, "user-rules.txt")
	if err := os.WriteFile(path, []byte("! mine\r\n||a.example.com\r\n"), 0644); err != nil {
		t.Fatal(err)
	}
	src, err = p.LoadUser(path)
	if err != nil {
		t.Fatalf("LoadUser: %v", err)
	}
	if !reflect.DeepEqual(src.Lines, []string{"! mine", "||a.example.com"}) {
		t.Errorf("Lines = %q", src.Lines)
	}
}

type flakyFetcher struct {
	calls   atomic.Int32
	failFor int32
	body    []byte
}

func (f *flakyFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if f.calls.Add(1) <= f.failFor {
		return nil, "", core.NewError(core.KindSourceUnavailable, "temporary", true)
	}
	return f.body, url, nil
}

func TestLoadRetriesAndReadsUser(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.txt")
	if err := os.WriteFile(userPath, []byte("@@||example.org\n"), 0644); err != nil {
		t.Fatal(err)
	}

	f := &flakyFetcher{failFor: 1, body: wrap(listText)}
	p := NewProvider(f, "")
	base, user, err := p.Load(context.Background(), Request{
		RemoteURL: "https://example.invalid/gfwlist.txt",
		UserPath:  userPath,
		Attempts:  2,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", f.calls.Load())
	}
	if base.Origin != Remote || base.Location != "https://example.invalid/gfwlist.txt" {
		t.Errorf("base = %+v", base)
	}
	if !reflect.DeepEqual(user.Lines, []string{"@@||example.org"}) {
		t.Errorf("user = %+v", user)
	}
}

func TestLoadLocalFallbackError(t *testing.T) {
	t.Parallel()
	p := NewProvider(nil, "")
	_, _, err := p.Load(context.Background(), Request{LocalPath: filepath.Join(t.TempDir(), "missing")})
	if core.KindOf(err) != core.KindSourceUnavailable {
		t.Fatalf("err = %v", err)
	}
}

func TestOriginString(t *testing.T) {
	t.Parallel()
	for o, want := range map[Origin]string{Remote: "remote", LocalCache: "local", User: "user", Origin(9): "unknown"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q", o, o.String())
		}
	}
}
