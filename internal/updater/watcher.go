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

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"

	"github.com/x-stp/sspac/internal/core"
	"github.com/x-stp/sspac/internal/metrics"
)

// Watcher actions, used as metric labels.
const (
	actionRegenerate = "regenerate"
	actionThrottled  = "throttled"
	actionTouched    = "touched"
	actionFailed     = "failed"
)

// fileState identifies one version of the watched file.
type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
	sum     uint64
}

// Watcher polls the user rules file and calls OnChange when its content
// changes. Bursts of edits are throttled to one call per MinInterval; a change
// that arrives while throttled is delivered on a later poll.
type Watcher struct {
	Path     string
	Interval time.Duration
	OnChange func(ctx context.Context) error

	limiter *rate.Limiter
	last    fileState
	pending bool
}

// NewWatcher returns a Watcher for path. interval <= 0 selects core.DefaultWatchInterval.
func NewWatcher(path string, interval time.Duration, onChange func(ctx context.Context) error) *Watcher {
	if interval <= 0 {
		interval = core.DefaultWatchInterval
	}
	return &Watcher{
		Path:     path,
		Interval: interval,
		OnChange: onChange,
		limiter:  rate.NewLimiter(rate.Every(core.MinRegenerateInterval), 1),
	}
}

// WatchUserRules returns a Watcher that regenerates u's PAC file whenever the
// configured user rules file changes.
func (u *Updater) WatchUserRules() *Watcher {
	return NewWatcher(u.cfg.PAC.UserRules, u.cfg.Serve.WatchInterval.Std(), func(ctx context.Context) error {
		_, err := u.RegenerateWithTrigger(ctx, TriggerWatch)
		return err
	})
}

// Run polls until ctx is done. The state at start is the baseline; it does
// not trigger OnChange.
func (w *Watcher) Run(ctx context.Context) error {
	state, err := w.stat(w.last)
	if err != nil {
		log.Printf("watcher: initial stat of %s failed: %v", w.Path, err)
	}
	w.last = state
	log.Printf("watcher: watching %s every %s", w.Path, w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll checks the file once and fires OnChange if needed. It reports whether
// OnChange was called.
func (w *Watcher) poll(ctx context.Context) bool {
	m := metrics.GetMetrics()

	state, err := w.stat(w.last)
	if err != nil {
		log.Printf("watcher: stat %s: %v", w.Path, err)
		return false
	}
	if state != w.last {
		if state.exists == w.last.exists && state.sum == w.last.sum {
			// Saved without changes; remember the new mtime only.
			w.last = state
			if metrics.IsMetricsEnabled() {
				m.WatcherTriggers.WithLabelValues(actionTouched).Inc()
			}
		} else {
			w.last = state
			w.pending = true
		}
	}

	if !w.pending {
		return false
	}
	if !w.limiter.Allow() {
		if metrics.IsMetricsEnabled() {
			m.WatcherTriggers.WithLabelValues(actionThrottled).Inc()
		}
		return false
	}

	w.pending = false
	if err := w.OnChange(ctx); err != nil {
		if errors.Is(err, core.ErrGenerationInProgress) {
			// Someone else is writing; try again next tick.
			w.pending = true
		}
		log.Printf("watcher: regeneration after change to %s failed: %v", w.Path, err)
		if metrics.IsMetricsEnabled() {
			m.WatcherTriggers.WithLabelValues(actionFailed).Inc()
		}
		return true
	}
	if metrics.IsMetricsEnabled() {
		m.WatcherTriggers.WithLabelValues(actionRegenerate).Inc()
	}
	return true
}

// stat returns the current state of the file. Content is only hashed when
// the size or mtime differ from prev.
func (w *Watcher) stat(prev fileState) (fileState, error) {
	info, err := os.Stat(w.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileState{}, nil
	}
	if err != nil {
		return prev, err
	}

	state := fileState{exists: true, modTime: info.ModTime(), size: info.Size()}
	if prev.exists && state.modTime.Equal(prev.modTime) && state.size == prev.size {
		state.sum = prev.sum
		return state, nil
	}

	data, err := os.ReadFile(w.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileState{}, nil
		}
		return prev, err
	}
	state.sum = xxh3.Hash(data)
	return state, nil
}
