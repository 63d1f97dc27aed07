// Package server exposes the current PAC document over HTTP.
package server

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
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/x-stp/sspac/internal/core"
	"github.com/x-stp/sspac/internal/metrics"
	"github.com/x-stp/sspac/internal/pac"
	"github.com/x-stp/sspac/internal/rules"
)

// ContentTypePAC is what browsers expect for proxy auto-config files.
const ContentTypePAC = "application/x-ns-proxy-autoconfig"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 5 * time.Second

// UpdateFunc runs an upstream update; see updater.Updater.UpdateWithTrigger.
type UpdateFunc func(ctx context.Context, force bool) (*pac.Document, error)

// Server serves whatever document the holder currently publishes.
type Server struct {
	holder   *pac.Holder
	endpoint pac.Endpoint
	update   UpdateFunc
	router   chi.Router
}

// New builds the router. update may be nil, which disables POST /update.
func New(holder *pac.Holder, endpoint pac.Endpoint, update UpdateFunc) *Server {
	s := &Server{holder: holder, endpoint: endpoint, update: update}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, instrument)

	r.Get("/proxy.pac", s.servePAC)
	r.Get("/lookup", s.lookup)
	r.Get("/status", s.status)
	r.Get("/healthz", s.health)
	r.Post("/update", s.runUpdate)
	r.Handle("/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("server: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records per-route request counts and latencies.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metrics.IsMetricsEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m := metrics.GetMetrics()
		m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) servePAC(w http.ResponseWriter, r *http.Request) {
	doc := s.holder.Load()
	if doc == nil {
		http.Error(w, "no PAC file generated yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", ContentTypePAC)
	w.Header().Set("ETag", `"`+doc.Fingerprint+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "proxy.pac", doc.GeneratedAt, strings.NewReader(doc.Script))
}

type lookupResponse struct {
	Host      string `json:"host"`
	Route     string `json:"route"`
	Directive string `json:"directive"`
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	doc := s.holder.Load()
	if doc == nil {
		writeError(w, http.StatusServiceUnavailable, "no PAC file generated yet")
		return
	}
	host := strings.TrimSpace(r.URL.Query().Get("host"))
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Hostname()
		}
	}
	if host == "" {
		writeError(w, http.StatusBadRequest, "missing host parameter")
		return
	}

	route := doc.Policy.Lookup(host)
	directive := pac.DirectDirective
	if route == pac.RouteProxy {
		directive = s.endpoint.Directive()
	}
	writeJSON(w, http.StatusOK, lookupResponse{Host: host, Route: string(route), Directive: directive})
}

type reportJSON struct {
	Lines     int      `json:"lines"`
	Rules     int      `json:"rules"`
	Anomalies int      `json:"anomalies"`
	Samples   []string `json:"anomaly_samples,omitempty"`
}

func toReportJSON(r rules.Report) reportJSON {
	return reportJSON{Lines: r.Lines, Rules: r.Rules, Anomalies: r.Anomalies, Samples: r.Samples}
}

type statusResponse struct {
	Version     string         `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
	Modified    string         `json:"gfwlist_modified"`
	Source      string         `json:"gfwlist_from"`
	Compressed  bool           `json:"compressed"`
	Fingerprint string         `json:"fingerprint"`
	Proxy       string         `json:"proxy"`
	Domains     map[string]int `json:"domains"`
	Base        reportJSON     `json:"base"`
	User        reportJSON     `json:"user"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	doc := s.holder.Load()
	if doc == nil {
		writeError(w, http.StatusServiceUnavailable, "no PAC file generated yet")
		return
	}
	ud, up, bd, bp := doc.Policy.Counts()
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     doc.Version,
		GeneratedAt: doc.GeneratedAt,
		Modified:    doc.Modified,
		Source:      doc.Source,
		Compressed:  doc.Compressed,
		Fingerprint: doc.Fingerprint,
		Proxy:       s.endpoint.Directive(),
		Domains: map[string]int{
			"user_direct": ud,
			"user_proxy":  up,
			"base_direct": bd,
			"base_proxy":  bp,
		},
		Base: toReportJSON(doc.Base),
		User: toReportJSON(doc.User),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ready": s.holder.Load() != nil})
}

func (s *Server) runUpdate(w http.ResponseWriter, r *http.Request) {
	if s.update == nil {
		writeError(w, http.StatusNotImplemented, "updates are disabled")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	doc, err := s.update(r.Context(), force)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":      "updated",
			"modified":    doc.Modified,
			"fingerprint": doc.Fingerprint,
		})
	case core.IsNotModified(err):
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_modified"})
	case errors.Is(err, core.ErrGenerationInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case core.KindOf(err) == core.KindSourceUnavailable || core.KindOf(err) == core.KindDecodeFailure:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
