// Package server is the read-only triage dashboard: aggregate stats, the
// incident list, and per-incident detail with the feedback trail. It binds
// to localhost and exposes no mutation endpoints.
package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/secfaro/dlptriage/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server serves the dashboard over an incident store.
type Server struct {
	st    *store.Store
	pages map[string]*template.Template
	mux   *http.ServeMux
	log   *zap.SugaredLogger
}

// New creates a dashboard server.
func New(st *store.Store, log *zap.SugaredLogger) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"pct": func(f float64) string {
			return fmt.Sprintf("%.0f%%", f*100)
		},
		"verdictClass": verdictClass,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page clones the base so it gets its own "content" definition.
	pageNames := []string{"index.html", "incident.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{st: st, pages: pages, mux: http.NewServeMux(), log: log}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/incident/", s.handleIncident)
	s.mux.HandleFunc("/api/stats", s.handleAPIStats)
	s.mux.HandleFunc("/api/incidents", s.handleAPIIncidents)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := s.st.GetStats()
	if err != nil {
		s.internalError(w, "loading stats", err)
		return
	}
	incidents, err := s.st.GetRecentIncidents(50)
	if err != nil {
		s.internalError(w, "loading incidents", err)
		return
	}
	runs, err := s.st.GetRecentRuns(10)
	if err != nil {
		s.internalError(w, "loading runs", err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Stats":     stats,
		"Incidents": incidents,
		"Runs":      runs,
	})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/incident/")
	if id == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	incident, err := s.st.GetIncident(id)
	if err != nil {
		s.internalError(w, "loading incident", err)
		return
	}
	if incident == nil {
		http.NotFound(w, r)
		return
	}

	analysis, err := s.st.GetAnalysis(id)
	if err != nil {
		s.internalError(w, "loading analysis", err)
		return
	}
	trail, err := s.st.GetFeedbackTrail(id)
	if err != nil {
		s.internalError(w, "loading feedback", err)
		return
	}

	s.render(w, "incident.html", map[string]any{
		"Incident": incident,
		"Analysis": analysis,
		"Feedback": trail,
	})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.GetStats()
	if err != nil {
		s.internalError(w, "loading stats", err)
		return
	}
	s.writeJSON(w, map[string]any{
		"total_incidents":    stats.TotalIncidents,
		"pending_incidents":  stats.PendingIncidents,
		"analyzed_incidents": stats.AnalyzedIncidents,
		"verdict_counts":     stats.VerdictCounts,
		"feedback_count":     stats.FeedbackCount,
		"accuracy":           stats.Accuracy,
		"total_tokens":       stats.TotalTokens,
		"last_7_days":        stats.Last7Days,
	})
}

func (s *Server) handleAPIIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.st.GetRecentIncidents(100)
	if err != nil {
		s.internalError(w, "loading incidents", err)
		return
	}

	type incidentJSON struct {
		IncidentID   string  `json:"incident_id"`
		Status       string  `json:"status"`
		IncidentDate string  `json:"incident_date"`
		UserEmail    *string `json:"user_email"`
		FileName     *string `json:"file_name"`
		Severity     *string `json:"severity"`
		Verdict      *string `json:"verdict,omitempty"`
	}

	out := make([]incidentJSON, 0, len(incidents))
	for _, inc := range incidents {
		item := incidentJSON{
			IncidentID:   inc.ID,
			Status:       inc.Status,
			IncidentDate: inc.IncidentDate,
			UserEmail:    inc.UserEmail,
			FileName:     inc.FileName,
			Severity:     inc.Severity,
		}
		if inc.Status == store.StatusAnalyzed {
			if analysis, err := s.st.GetAnalysis(inc.ID); err == nil && analysis != nil {
				item.Verdict = &analysis.Verdict
			}
		}
		out = append(out, item)
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("encoding json response", "err", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.log.Errorw("request failed", "action", action, "err", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Errorw("template not found", "name", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.log.Errorw("rendering template", "name", name, "err", err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func verdictClass(verdict string) string {
	switch verdict {
	case store.VerdictTruePositive:
		return "verdict-tp"
	case store.VerdictFalsePositive:
		return "verdict-fp"
	case store.VerdictRequiresReview:
		return "verdict-rr"
	default:
		return "verdict-unknown"
	}
}

// Serve starts the dashboard on localhost at the given port.
func Serve(st *store.Store, port int, log *zap.SugaredLogger) error {
	srv, err := New(st, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Infow("dashboard listening", "addr", "http://"+addr)
	return http.ListenAndServe(addr, srv.Handler())
}
