package updater

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
Package updater drives generation runs: load sources, skip unchanged upstream lists,
render, save atomically, persist the upstream token and publish the result.

Every entry point (CLI command, HTTP handler, watcher, periodic loop) funnels into the
same run method, which holds both an in-process mutex and the on-disk lock for the
destination PAC path.
*/

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/x-stp/sspac/internal/client"
	"github.com/x-stp/sspac/internal/config"
	"github.com/x-stp/sspac/internal/core"
	"github.com/x-stp/sspac/internal/metrics"
	"github.com/x-stp/sspac/internal/pac"
	"github.com/x-stp/sspac/internal/psl"
	"github.com/x-stp/sspac/internal/rules"
	"github.com/x-stp/sspac/internal/source"
)

// Trigger labels for metrics and logs.
const (
	TriggerUpdate     = "update"
	TriggerRegenerate = "regenerate"
	TriggerSchedule   = "schedule"
	TriggerWatch      = "watch"
	TriggerHTTP       = "http"
)

// Generation outcomes.
const (
	outcomeSuccess     = "success"
	outcomeNotModified = "not_modified"
	outcomeError       = "error"
)

// Updater owns the generation pipeline for one config.
type Updater struct {
	cfg      *config.Config
	provider *source.Provider
	gen      *pac.Generator
	holder   *pac.Holder

	// mu serialises runs in this process; the file lock covers other processes.
	mu sync.Mutex
}

// New assembles an Updater from already-built parts.
func New(cfg *config.Config, provider *source.Provider, gen *pac.Generator, holder *pac.Holder) *Updater {
	if holder == nil {
		holder = &pac.Holder{}
	}
	return &Updater{cfg: cfg, provider: provider, gen: gen, holder: holder}
}

// FromConfig builds the whole pipeline described by cfg: shared HTTP client,
// suffix table, parser, template and generator.
func FromConfig(cfg *config.Config, holder *pac.Holder) (*Updater, error) {
	if err := client.InitHTTPClient(&client.Config{
		RequestTimeout: cfg.Fetch.Timeout.Std(),
		ProxyURL:       cfg.Fetch.Proxy,
	}); err != nil {
		return nil, fmt.Errorf("configure http client: %w", err)
	}

	var matcher *psl.Matcher
	switch {
	case cfg.PAC.SuffixList != "":
		m, err := psl.LoadFile(cfg.PAC.SuffixList, cfg.PAC.IncludePrivate)
		if err != nil {
			return nil, err
		}
		matcher = m
	case cfg.PAC.IncludePrivate:
		matcher = psl.DefaultWithPrivate()
	default:
		matcher = psl.Default()
	}

	tpl, err := pac.LoadTemplate(cfg.PAC.Template, cfg.PAC.CompactTemplate)
	if err != nil {
		return nil, err
	}

	gen, err := pac.NewGenerator(rules.NewParser(matcher), pac.Options{
		Endpoint: pac.Endpoint{Host: cfg.Local.Address, Port: cfg.Local.Port},
		Compress: cfg.PAC.Compress,
		Template: tpl,
	})
	if err != nil {
		return nil, err
	}

	provider := source.NewProvider(&source.HTTPFetcher{}, cfg.PAC.LocalGFWList)
	return New(cfg, provider, gen, holder), nil
}

// Holder returns where published documents go.
func (u *Updater) Holder() *pac.Holder { return u.holder }

// Generator returns the generator used for every run.
func (u *Updater) Generator() *pac.Generator { return u.gen }

// Config returns the bound config.
func (u *Updater) Config() *config.Config { return u.cfg }

// Update fetches the upstream list and regenerates when its "Last Modified"
// token differs from the recorded one (or force is set). It returns
// core.ErrNotModified when there is nothing to do.
func (u *Updater) Update(ctx context.Context, force bool) (*pac.Document, error) {
	return u.UpdateWithTrigger(ctx, force, TriggerUpdate)
}

// UpdateWithTrigger is Update with an explicit metrics label.
func (u *Updater) UpdateWithTrigger(ctx context.Context, force bool, trigger string) (*pac.Document, error) {
	return u.run(ctx, trigger, true, !force)
}

// Regenerate rebuilds the PAC file from the cached upstream list and the
// current user rules. It runs after user rules change.
func (u *Updater) Regenerate(ctx context.Context) (*pac.Document, error) {
	return u.RegenerateWithTrigger(ctx, TriggerRegenerate)
}

// RegenerateWithTrigger is Regenerate with an explicit metrics label.
func (u *Updater) RegenerateWithTrigger(ctx context.Context, trigger string) (*pac.Document, error) {
	return u.run(ctx, trigger, false, false)
}

// Preview generates a document without saving or publishing it.
// remote selects the upstream URL over the local cache.
func (u *Updater) Preview(ctx context.Context, remote bool) (*pac.Document, error) {
	base, user, err := u.provider.Load(ctx, u.request(remote))
	if err != nil {
		return nil, err
	}
	return u.gen.Generate(base.Lines, user.Lines, pac.Attribution{Source: base.Location, Modified: base.Modified})
}

func (u *Updater) request(remote bool) source.Request {
	req := source.Request{
		LocalPath: u.cfg.PAC.LocalGFWList,
		UserPath:  u.cfg.PAC.UserRules,
		Timeout:   u.cfg.Fetch.Timeout.Std(),
		Attempts:  u.cfg.Fetch.Retries,
	}
	if remote {
		req.RemoteURL = u.cfg.PAC.GFWListURL
	}
	return req
}

func (u *Updater) run(ctx context.Context, trigger string, remote, skipUnchanged bool) (doc *pac.Document, err error) {
	m := metrics.GetMetrics()
	defer metrics.MeasureDuration(m.GenerationDuration, map[string]string{"trigger": trigger})()
	defer func() {
		switch {
		case err == nil:
			m.RecordGeneration(trigger, outcomeSuccess, len(doc.Script), doc.GeneratedAt)
		case core.IsNotModified(err):
			m.RecordGeneration(trigger, outcomeNotModified, 0, time.Time{})
		default:
			m.RecordGeneration(trigger, outcomeError, 0, time.Time{})
		}
	}()

	if !u.mu.TryLock() {
		return nil, core.ErrGenerationInProgress
	}
	defer u.mu.Unlock()

	lock, err := core.AcquireLock(u.cfg.PAC.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			log.Printf("updater: failed to release lock: %v", rerr)
		}
	}()

	base, user, err := u.provider.Load(ctx, u.request(remote))
	if err != nil {
		return nil, err
	}

	if remote {
		if base.Modified == "" {
			return nil, core.NewError(core.KindDecodeFailure,
				"upstream list has no \"Last Modified\" line; refusing to use it", false)
		}
		if err := u.provider.Cache(base); err != nil {
			// The fetched list is still good; a stale cache only matters offline.
			log.Printf("updater: %v", err)
		}
		if skipUnchanged && base.Modified == u.cfg.PAC.GFWListModified {
			log.Printf("updater: gfwlist unchanged since %s", base.Modified)
			return nil, core.ErrNotModified
		}
	}

	doc, err = u.gen.Generate(base.Lines, user.Lines, pac.Attribution{Source: base.Location, Modified: base.Modified})
	if err != nil {
		return nil, err
	}
	recordReports(m, doc)

	if err := doc.Save(u.cfg.PAC.Path); err != nil {
		return nil, err
	}
	if remote && base.Modified != u.cfg.PAC.GFWListModified {
		if err := u.cfg.SetModified(base.Modified); err != nil {
			// The PAC file is already in place; next run will just regenerate.
			log.Printf("updater: failed to persist gfwlist token: %v", err)
		}
	}
	u.holder.Store(doc)

	log.Printf("updater: wrote %s (%d bytes, trigger=%s, modified=%q)", u.cfg.PAC.Path, len(doc.Script), trigger, doc.Modified)
	if doc.Base.Anomalies+doc.User.Anomalies > 0 {
		log.Printf("updater: %d rule lines produced no domain", doc.Base.Anomalies+doc.User.Anomalies)
	}
	return doc, nil
}

func recordReports(m *metrics.Metrics, doc *pac.Document) {
	ud, up, bd, bp := doc.Policy.Counts()
	m.RecordRules("base", doc.Base.Rules, doc.Base.Anomalies, bd, bp)
	m.RecordRules("user", doc.User.Rules, doc.User.Anomalies, ud, up)
}

// Run calls Update every interval until ctx ends. The first update happens
// immediately. Failures are retried sooner, backing off up to the interval.
func (u *Updater) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = core.DefaultUpdateInterval
	}
	failures := 0
	for {
		_, err := u.UpdateWithTrigger(ctx, false, TriggerSchedule)
		wait := interval
		switch {
		case err == nil || core.IsNotModified(err):
			failures = 0
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return ctx.Err()
			}
		default:
			failures++
			if b := core.Backoff(failures); b < wait {
				wait = b
			}
			log.Printf("updater: scheduled update failed (%d in a row), next try in %s: %v",
				failures, wait.Round(time.Second), err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
