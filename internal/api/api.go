// Package api serves run history and log files over a read-only REST API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/pathpolicy"
	"github.com/joescharf/obox/internal/report"
	"github.com/joescharf/obox/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	logDir  string
	version string
}

// NewServer creates a new API server over s. logDir is the directory listed
// by /api/v1/logs.
func NewServer(s store.Store, logDir, version string) *Server {
	return &Server{store: s, logDir: logDir, version: version}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/runs", s.listRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/summary", s.runSummary)
	mux.HandleFunc("GET /api/v1/runs/{id}/logs/{fork}", s.runLog)

	mux.HandleFunc("GET /api/v1/logs", s.listLogs)
	mux.HandleFunc("GET /api/v1/logs/{name}", s.getLog)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store lookup errors to HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAmbiguous):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// --- Runs ---

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.NewRunRecords(runs))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.NewRunRecord(run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}
	if err := s.store.DeleteRun(r.Context(), run.ID); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type summaryResponse struct {
	Total        int     `json:"total"`
	Successful   int     `json:"successful"`
	Failed       int     `json:"failed"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AllSucceeded bool    `json:"all_succeeded"`
	Text         string  `json:"text"`
}

func (s *Server) runSummary(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}
	sum := report.Build(run.Results, run.LogDir)
	writeJSON(w, http.StatusOK, summaryResponse{
		Total:        sum.Total,
		Successful:   sum.Successful,
		Failed:       sum.Failed,
		TotalCostUSD: sum.TotalCost,
		InputTokens:  sum.InputTokens,
		OutputTokens: sum.OutputTokens,
		AllSucceeded: sum.AllSucceeded(),
		Text:         sum.Text(),
	})
}

// runLog serves the primary log ("primary" or 0) or the log of one fork.
// Only files inside the run's log directory are served.
func (s *Server) runLog(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}

	path, err := runLogPath(run, r.PathValue("fork"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !pathpolicy.IsAllowed(path, []string{run.LogDir}) {
		writeError(w, http.StatusForbidden, "log path outside run log directory")
		return
	}
	serveLogFile(w, r, path)
}

func runLogPath(run *models.Run, fork string) (string, error) {
	if fork == "primary" || fork == "0" {
		if run.PrimaryLog == "" {
			return "", fmt.Errorf("run %s has no primary log", run.ID)
		}
		return run.PrimaryLog, nil
	}
	idx, err := strconv.Atoi(fork)
	if err != nil {
		return "", fmt.Errorf("invalid fork %q", fork)
	}
	for _, res := range run.Results {
		if res.ForkIndex == idx && res.LogPath != "" {
			return res.LogPath, nil
		}
	}
	return "", fmt.Errorf("run %s has no log for fork %d", run.ID, idx)
}

// --- Logs ---

type logEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.logDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logs := make([]logEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logEntry{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].ModTime.After(logs[j].ModTime) })
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".log") {
		writeError(w, http.StatusBadRequest, "invalid log file name")
		return
	}
	serveLogFile(w, r, filepath.Join(s.logDir, name))
}

func serveLogFile(w http.ResponseWriter, r *http.Request, path string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "log file not found")
		return
	}
	if err != nil {
		slog.Warn("failed to read log file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
