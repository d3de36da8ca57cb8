package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/zonesync/internal/engine"
	"github.com/BadgerOps/zonesync/internal/scheduler"
	"github.com/BadgerOps/zonesync/internal/store"
	"github.com/BadgerOps/zonesync/internal/zone"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// writeJSON encodes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// parseLimit reads ?limit=, defaulting to def and capping at maxN.
func parseLimit(r *http.Request, def, maxN int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxN {
		n = maxN
	}
	return n, nil
}

// handleHealth reports liveness and the job state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"job":    string(s.coord.Status().State),
	})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Job      engine.JobStatus  `json:"job"`
	Schedule *scheduler.Status `json:"schedule,omitempty"`
}

func (s *Server) statusResponse() StatusResponse {
	resp := StatusResponse{Job: s.coord.Status()}
	if s.sched != nil {
		st := s.sched.Status()
		resp.Schedule = &st
	}
	return resp
}

// handleAPIStatus returns the current job snapshot and schedule.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statusResponse())
}

// handleAPIStatusStream pushes a "status" event on every job status change
// until the client disconnects or the server shuts down.
func (s *Server) handleAPIStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	// The stream outlives the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("failed to clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sendEvent := func(data any) error {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", jsonData); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := r.Context()
	for {
		// Take the channel before the snapshot so no update is missed.
		changed := s.coord.StatusChanged()
		if err := sendEvent(s.statusResponse()); err != nil {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// handleAPIDownload starts a run in the background.
func (s *Server) handleAPIDownload(w http.ResponseWriter, r *http.Request) {
	runID, err := s.coord.TriggerRun(s.runCtx, engine.TriggerManual)
	if errors.Is(err, engine.ErrJobAlreadyRunning) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to trigger run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start download")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"run_id": runID,
	})
}

// handleAPIDownloadStop requests a cooperative stop of the active run.
func (s *Server) handleAPIDownloadStop(w http.ResponseWriter, r *http.Request) {
	if !s.coord.RequestStop() {
		s.writeError(w, http.StatusConflict, "no download job is running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// AutoDownloadRequest is the body of POST /api/auto-download.
type AutoDownloadRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleAPIAutoDownload toggles scheduled runs.
func (s *Server) handleAPIAutoDownload(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}

	var req AutoDownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.sched.SetEnabled(r.Context(), *req.Enabled); err != nil {
		s.logger.Error("failed to toggle scheduled downloads", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save setting")
		return
	}
	s.writeJSON(w, http.StatusOK, s.sched.Status())
}

// handleAPILogs returns recent pipeline log entries, newest first.
func (s *Server) handleAPILogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.logs == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}

	entries := s.logs.Recent(limit)
	if level := strings.ToUpper(r.URL.Query().Get("level")); level != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Level) == level {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleAPIDownloadLogs returns per-TLD download history, newest first.
func (s *Server) handleAPIDownloadLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logs, err := s.store.ListDownloadLogs(r.Context(), strings.ToLower(r.URL.Query().Get("tld")), limit)
	if err != nil {
		s.logger.Error("failed to list download logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list download logs")
		return
	}
	if logs == nil {
		logs = []store.DownloadLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// handleAPIRuns returns run history, newest first.
func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// handleAPIStats returns record totals per TLD.
func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.RecordStats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleAPIRecords looks up stored records by tld, domain and type.
func (s *Server) handleAPIRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filter := store.RecordFilter{
		TLD:        strings.ToLower(q.Get("tld")),
		DomainName: strings.TrimSuffix(strings.ToLower(q.Get("domain")), "."),
		RecordType: strings.ToUpper(q.Get("type")),
		Limit:      limit,
	}
	if filter.TLD == "" && filter.DomainName == "" {
		s.writeError(w, http.StatusBadRequest, "tld or domain query parameter is required")
		return
	}

	records, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	s.writeJSON(w, http.StatusOK, toRecordJSON(records))
}

type recordJSON struct {
	DomainName   string `json:"domain_name"`
	TLD          string `json:"tld"`
	RecordType   string `json:"record_type"`
	RecordData   string `json:"record_data"`
	TTL          uint32 `json:"ttl"`
	DownloadDate string `json:"download_date"`
}

func toRecordJSON(records []zone.Record) []recordJSON {
	out := make([]recordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, recordJSON{
			DomainName:   rec.DomainName,
			TLD:          rec.TLD,
			RecordType:   rec.RecordType,
			RecordData:   rec.RecordData,
			TTL:          rec.TTL,
			DownloadDate: store.DateKey(rec.DownloadDate),
		})
	}
	return out
}
