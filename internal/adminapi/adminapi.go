// Package adminapi implements the built-in Admin API of SPEC_FULL.md §6:
// read-only status endpoints plus the POST /api/reload trigger, routed
// through github.com/go-chi/chi/v5 (a direct dependency of the teacher's
// go.mod; the teacher's own admin.go wires equivalent endpoints onto a
// plain http.ServeMux, but chi's pattern-based routing fits a growing REST
// surface better and the pack's go.mod already pulls it in directly).
package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/config"
	"github.com/hostgate/hostgate/internal/reload"
	"github.com/hostgate/hostgate/internal/snapshot"
)

// SnapshotSource is the read side of the Reload Controller; satisfied by
// *reload.Controller.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

// ReloadFunc adapts a concrete reload.Controller.Reload method (which also
// takes a context.Context and returns a *reload.Result) into the shape
// handleReload calls.
type ReloadFunc func(rawTOML []byte) (version string, portsOpened, portsDrained []int, err error)

// API wires the Admin API's handlers onto a chi.Router.
type API struct {
	snapshots SnapshotSource
	reload    ReloadFunc
	log       *zap.Logger
	startedAt time.Time
}

// New builds an Admin API handler. reload may be nil, in which case
// POST /api/reload responds 503.
func New(snapshots SnapshotSource, reload ReloadFunc, log *zap.Logger) http.Handler {
	a := &API{snapshots: snapshots, reload: reload, log: log, startedAt: time.Now()}
	r := chi.NewRouter()
	r.Get("/api/health", a.handleHealth)
	r.Get("/api/health/detailed", a.handleHealthDetailed)
	r.Get("/api/sites", a.handleSites)
	r.Post("/api/reload", a.handleReload)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is a liveness probe: 200 once any snapshot has ever been
// published, per SPEC_FULL.md §6.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshots.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type siteHealthView struct {
	Name     string            `json:"name"`
	Hostname string            `json:"hostname"`
	Port     int               `json:"port"`
	Groups   []groupHealthView `json:"upstream_groups,omitempty"`
}

type groupHealthView struct {
	Name      string           `json:"name"`
	Endpoints []endpointHealth `json:"endpoints"`
}

type endpointHealth struct {
	URL         string `json:"url"`
	Health      string `json:"health"`
	ActiveConns int64  `json:"active_conns"`
}

// handleHealthDetailed reports per-site, per-upstream health and live
// connection counts, per SPEC_FULL.md §6's "detailed health" endpoint.
func (a *API) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshots.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	version := snap.Version
	sites := make([]siteHealthView, 0, len(snap.Sites()))
	for _, s := range snap.Sites() {
		view := siteHealthView{Name: s.Name, Hostname: s.PrimaryHostname, Port: s.Port}
		for name, g := range s.UpstreamGroups {
			gv := groupHealthView{Name: name}
			for _, ep := range g.Endpoints {
				gv.Endpoints = append(gv.Endpoints, endpointHealth{
					URL:         ep.Key(),
					Health:      ep.HealthState().String(),
					ActiveConns: ep.ActiveConns(),
				})
			}
			view.Groups = append(view.Groups, gv)
		}
		sites = append(sites, view)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(a.startedAt).String(),
		"sites":   sites,
	})
}

type siteSummary struct {
	Name      string   `json:"name"`
	Hostname  string   `json:"hostname"`
	Aliases   []string `json:"aliases,omitempty"`
	Port      int      `json:"port"`
	Default   bool     `json:"default"`
	APIOnly   bool     `json:"api_only"`
	ProxyMode bool     `json:"proxy_enabled"`
	SSL       bool     `json:"ssl_enabled"`
}

// handleSites lists every configured site with sensitive fields redacted:
// no SSL key paths or ACME contact emails leave this endpoint, per
// SPEC_FULL.md §6.
func (a *API) handleSites(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshots.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	summaries := make([]siteSummary, 0, len(snap.Sites()))
	for _, s := range snap.Sites() {
		summaries = append(summaries, siteSummary{
			Name:      s.Name,
			Hostname:  s.PrimaryHostname,
			Aliases:   s.AliasHostnames,
			Port:      s.Port,
			Default:   s.IsDefault,
			APIOnly:   s.APIOnly,
			ProxyMode: s.ProxyEnabled,
			SSL:       s.SSL != nil && s.SSL.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": summaries})
}

// handleReload accepts a raw TOML body and applies it through the Reload
// Controller, per SPEC_FULL.md §6's POST /api/reload.
func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reload not configured"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	version, opened, drained, err := a.reload(body)
	if err != nil {
		a.log.Warn("admin-triggered reload failed", zap.Error(err))
		var verr *reload.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusConflict, map[string]any{"applied": false, "errors": issueViews(verr.Issues)})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"applied": false, "errors": []issueView{{Severity: "error", Message: err.Error()}}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"applied":       true,
		"version":       version,
		"ports_opened":  opened,
		"ports_drained": drained,
	})
}

type issueView struct {
	Severity string `json:"severity"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

func issueViews(issues []config.Issue) []issueView {
	views := make([]issueView, 0, len(issues))
	for _, iss := range issues {
		views = append(views, issueView{Severity: iss.Severity.String(), Field: iss.Field, Message: iss.Message})
	}
	return views
}
