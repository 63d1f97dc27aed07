package source

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
Package source loads the rule lists sspac generates from: the upstream GFWList (fetched
over HTTP or read from its local cache) and the user override file.

The upstream list is base64-wrapped text. Decoding it, caching the raw payload and
extracting the "Last Modified" token all happen here, so the generator only ever sees
plain lines.
*/

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/x-stp/sspac/internal/client"
	"github.com/x-stp/sspac/internal/core"
	xio "github.com/x-stp/sspac/internal/io"
	"github.com/x-stp/sspac/internal/metrics"
)

// Origin says where a RuleSource came from.
type Origin int

const (
	Remote Origin = iota
	LocalCache
	User
)

func (o Origin) String() string {
	switch o {
	case Remote:
		return "remote"
	case LocalCache:
		return "local"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

// modifiedPrefix marks the only metadata line that is inspected.
const modifiedPrefix = "! Last Modified:"

// RuleSource is a decoded rule list.
type RuleSource struct {
	Lines    []string
	Origin   Origin
	Modified string // opaque, compared for equality only
	Location string // URL after redirects, or file path
	Raw      []byte // payload as fetched; set for Remote only
}

// Fetcher downloads a URL. finalURL is the location after redirects.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, finalURL string, err error)
}

// HTTPFetcher fetches with the shared client from internal/client.
type HTTPFetcher struct {
	// Client overrides the shared client; used in tests.
	Client *http.Client
}

// Fetch implements Fetcher. Transport errors, timeouts and 5xx/429 responses
// are retryable SourceUnavailable errors; other non-2xx statuses are not.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	c := f.Client
	if c == nil {
		c = client.GetHTTPClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", core.Wrap(core.KindSourceUnavailable, "build request", err, false)
	}
	req.Header.Set("User-Agent", client.UserAgent)

	resp, err := c.Do(req)
	if err != nil {
		return nil, "", core.Wrap(core.KindSourceUnavailable, "fetch "+url, err, ctx.Err() == nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, "", core.NewError(core.KindSourceUnavailable,
			fmt.Sprintf("fetch %s: unexpected status %s", url, resp.Status), retryable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, core.MaxListBytes+1))
	if err != nil {
		return nil, "", core.Wrap(core.KindSourceUnavailable, "read body of "+url, err, true)
	}
	if len(body) > core.MaxListBytes {
		return nil, "", core.NewError(core.KindSourceUnavailable,
			fmt.Sprintf("fetch %s: payload exceeds %d bytes", url, core.MaxListBytes), false)
	}
	return body, resp.Request.URL.String(), nil
}

// Decode turns a base64-wrapped list into lines. The first line gets a "! "
// prefix so the list header is treated as a comment.
func Decode(raw []byte) ([]string, error) {
	compact := bytes.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if len(compact) == 0 {
		return nil, core.NewError(core.KindDecodeFailure, "decode list: empty payload", false)
	}

	text, err := base64.StdEncoding.DecodeString(string(compact))
	if err != nil {
		var rawErr error
		if text, rawErr = base64.RawStdEncoding.DecodeString(string(compact)); rawErr != nil {
			return nil, core.Wrap(core.KindDecodeFailure, "decode list", err, false)
		}
	}

	if !utf8.Valid(text) {
		return nil, core.NewError(core.KindDecodeFailure, "decode list: payload is not valid UTF-8", false)
	}

	lines := strings.Split("! "+string(text), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines, nil
}

// ExtractModified returns the value of the "! Last Modified:" line, or "".
func ExtractModified(lines []string) string {
	for _, l := range lines {
		if strings.HasPrefix(l, modifiedPrefix) {
			_, v, _ := strings.Cut(l, ":")
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Provider loads rule sources. The zero value is not usable; see NewProvider.
type Provider struct {
	fetcher   Fetcher
	cachePath string
}

// NewProvider returns a Provider that caches fetched payloads at cachePath.
// An empty cachePath disables caching.
func NewProvider(f Fetcher, cachePath string) *Provider {
	if f == nil {
		f = &HTTPFetcher{}
	}
	return &Provider{fetcher: f, cachePath: cachePath}
}

// FetchRemote downloads and decodes the upstream list. It writes nothing; see Cache.
func (p *Provider) FetchRemote(ctx context.Context, url string) (*RuleSource, error) {
	m := metrics.GetMetrics()
	defer metrics.MeasureDuration(m.FetchDuration, map[string]string{"origin": Remote.String()})()

	body, finalURL, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		m.RecordFetch(Remote.String(), 0, err, core.KindOf(err).String())
		return nil, err
	}
	lines, err := Decode(body)
	if err != nil {
		m.RecordFetch(Remote.String(), 0, err, core.KindOf(err).String())
		return nil, err
	}
	m.RecordFetch(Remote.String(), len(body), nil, "")

	if finalURL == "" {
		finalURL = url
	}
	return &RuleSource{
		Lines:    lines,
		Origin:   Remote,
		Modified: ExtractModified(lines),
		Location: finalURL,
		Raw:      body,
	}, nil
}

// Cache stores an accepted remote payload as the local copy. Nothing is
// written until the caller has validated src, so a rejected list never
// replaces the last good one.
func (p *Provider) Cache(src *RuleSource) error {
	if p.cachePath == "" || src == nil || src.Origin != Remote || len(src.Raw) == 0 {
		return nil
	}
	if err := xio.WriteFile(p.cachePath, src.Raw, xio.DefaultFileMode); err != nil {
		return fmt.Errorf("cache list at %s: %w", p.cachePath, err)
	}
	return nil
}

// LoadLocal reads and decodes a cached upstream payload.
func (p *Provider) LoadLocal(path string) (*RuleSource, error) {
	m := metrics.GetMetrics()
	defer metrics.MeasureDuration(m.FetchDuration, map[string]string{"origin": LocalCache.String()})()

	body, err := os.ReadFile(path)
	if err != nil {
		err = core.Wrap(core.KindSourceUnavailable, "read cached list "+path, err, false)
		m.RecordFetch(LocalCache.String(), 0, err, core.KindSourceUnavailable.String())
		return nil, err
	}
	lines, err := Decode(body)
	if err != nil {
		m.RecordFetch(LocalCache.String(), 0, err, core.KindDecodeFailure.String())
		return nil, fmt.Errorf("cached list %s: %w", path, err)
	}
	m.RecordFetch(LocalCache.String(), len(body), nil, "")

	return &RuleSource{
		Lines:    lines,
		Origin:   LocalCache,
		Modified: ExtractModified(lines),
		Location: path,
	}, nil
}

// LoadUser reads the plain-text user rule file. A missing file is an empty
// list: users start without overrides.
func (p *Provider) LoadUser(path string) (*RuleSource, error) {
	src := &RuleSource{Origin: User, Location: path}
	if path == "" {
		return src, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return src, nil
		}
		return nil, core.Wrap(core.KindSourceUnavailable, "read user rules "+path, err, false)
	}
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	src.Lines = strings.Split(strings.TrimRight(text, "\n"), "\n")
	return src, nil
}

// Request names the sources for one generation run.
type Request struct {
	RemoteURL string // fetch upstream from here when set
	LocalPath string // otherwise read the cached upstream payload
	UserPath  string
	Timeout   time.Duration // bound on the remote fetch; 0 means core.DefaultFetchTimeout
	Attempts  int           // retry budget for retryable fetch failures
}

// Load fetches the upstream list and reads the user list concurrently.
// The first failure cancels the other load and is returned.
func (p *Provider) Load(ctx context.Context, req Request) (base, user *RuleSource, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if req.RemoteURL != "" {
			timeout := req.Timeout
			if timeout <= 0 {
				timeout = core.DefaultFetchTimeout
			}
			err = core.Retry(gctx, req.Attempts, func(ctx context.Context) error {
				fctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				var ferr error
				base, ferr = p.FetchRemote(fctx, req.RemoteURL)
				return ferr
			})
		} else {
			base, err = p.LoadLocal(req.LocalPath)
		}
		return err
	})
	g.Go(func() error {
		var err error
		user, err = p.LoadUser(req.UserPath)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return base, user, nil
}
