package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/x-stp/sspac/internal/core"
	"github.com/x-stp/sspac/internal/pac"
	"github.com/x-stp/sspac/internal/psl"
	"github.com/x-stp/sspac/internal/rules"
)

var testEndpoint = pac.Endpoint{Host: "127.0.0.1", Port: 1080}

func newDocument(t *testing.T) *pac.Document {
	t.Helper()
	g, err := pac.NewGenerator(rules.NewParser(psl.Default()), pac.Options{
		Endpoint: testEndpoint,
		Now:      func() time.Time { return time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	doc, err := g.Generate(
		[]string{"||blocked.test^", "@@||cdn.example.org^", "|http://"},
		[]string{"||mine.example.com"},
		pac.Attribution{Source: "https://example.invalid/gfwlist.txt", Modified: "m1"},
	)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return doc
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServePAC(t *testing.T) {
	t.Parallel()
	holder := &pac.Holder{}
	h := New(holder, testEndpoint, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/proxy.pac", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before first generation: code = %d", rec.Code)
	}

	doc := newDocument(t)
	holder.Store(doc)

	rec := do(t, h, http.MethodGet, "/proxy.pac", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypePAC {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != doc.Script {
		t.Errorf("body differs from document")
	}
	etag := rec.Header().Get("ETag")
	if etag != `"`+doc.Fingerprint+`"` {
		t.Fatalf("ETag = %q", etag)
	}

	rec = do(t, h, http.MethodGet, "/proxy.pac", http.Header{"If-None-Match": {etag}})
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET code = %d, want 304", rec.Code)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()
	holder := &pac.Holder{}
	holder.Store(newDocument(t))
	h := New(holder, testEndpoint, nil).Handler()

	testCases := []struct {
		query     string
		code      int
		route     string
		directive string
	}{
		{"host=www.blocked.test", http.StatusOK, "proxy", "SOCKS5 127.0.0.1:1080"},
		{"host=cdn.example.org", http.StatusOK, "direct", "DIRECT"},
		{"host=a.mine.example.com", http.StatusOK, "proxy", "SOCKS5 127.0.0.1:1080"},
		{"host=https://blocked.test/path", http.StatusOK, "proxy", "SOCKS5 127.0.0.1:1080"},
		{"", http.StatusBadRequest, "", ""},
	}
	for _, tc := range testCases {
		rec := do(t, h, http.MethodGet, "/lookup?"+tc.query, nil)
		if rec.Code != tc.code {
			t.Errorf("%q: code = %d, want %d", tc.query, rec.Code, tc.code)
			continue
		}
		if tc.code != http.StatusOK {
			continue
		}
		var resp lookupResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Route != tc.route || resp.Directive != tc.directive {
			t.Errorf("%q: got %+v", tc.query, resp)
		}
	}
}

func TestStatusAndHealth(t *testing.T) {
	t.Parallel()
	holder := &pac.Holder{}
	h := New(holder, testEndpoint, nil).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ready": false`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	holder.Store(newDocument(t))
	rec = do(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Modified != "m1" || resp.Source != "https://example.invalid/gfwlist.txt" {
		t.Errorf("attribution = %+v", resp)
	}
	if resp.Domains["base_proxy"] != 1 || resp.Domains["user_proxy"] != 1 || resp.Domains["base_direct"] != 1 {
		t.Errorf("domains = %v", resp.Domains)
	}
	if resp.Base.Anomalies != 1 || len(resp.Base.Samples) != 1 {
		t.Errorf("base report = %+v", resp.Base)
	}
}

func TestUpdateEndpoint(t *testing.T) {
	t.Parallel()
	doc := newDocument(t)

	testCases := []struct {
		name   string
		err    error
		code   int
		status string
	}{
		{"updated", nil, http.StatusOK, "updated"},
		{"not modified", core.ErrNotModified, http.StatusOK, "not_modified"},
		{"busy", core.ErrGenerationInProgress, http.StatusConflict, ""},
		{"upstream down", core.NewError(core.KindSourceUnavailable, "down", true), http.StatusBadGateway, ""},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var gotForce bool
			update := func(ctx context.Context, force bool) (*pac.Document, error) {
				gotForce = force
				if tc.err != nil {
					return nil, tc.err
				}
				return doc, nil
			}
			h := New(&pac.Holder{}, testEndpoint, update).Handler()

			rec := do(t, h, http.MethodPost, "/update?force=true", nil)
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tc.code, rec.Body.String())
			}
			if !gotForce {
				t.Errorf("force flag not passed through")
			}
			if tc.status != "" {
				var resp map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if resp["status"] != tc.status {
					t.Errorf("status = %q, want %q", resp["status"], tc.status)
				}
			}
		})
	}

	h := New(&pac.Holder{}, testEndpoint, nil).Handler()
	if rec := do(t, h, http.MethodPost, "/update", nil); rec.Code != http.StatusNotImplemented {
		t.Errorf("disabled update code = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/update", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /update code = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	h := New(&pac.Holder{}, testEndpoint, nil).Handler()
	if rec := do(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics code = %d", rec.Code)
	}
}
