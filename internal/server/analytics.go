package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/zonesync/internal/store"
)

const (
	defaultDiffPerPage   = 100
	maxDiffPerPage       = 1000
	defaultSearchPerPage = 50
	maxSearchPerPage     = 100
	minSearchLength      = 2
)

// pagination is the page window of a paged response.
type pagination struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int64 `json:"pages"`
}

// parsePage reads ?page= (1-based) and ?per_page=, capping per_page at maxN.
func parsePage(r *http.Request, def, maxN int) (pagination, error) {
	p := pagination{Page: 1, PerPage: def}
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("page must be a positive integer")
		}
		p.Page = n
	}
	if raw := q.Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("per_page must be a positive integer")
		}
		p.PerPage = min(n, maxN)
	}
	return p, nil
}

func (p pagination) offset() int { return (p.Page - 1) * p.PerPage }

func (p pagination) withTotal(total int64) pagination {
	p.Total = total
	p.Pages = (total + int64(p.PerPage) - 1) / int64(p.PerPage)
	return p
}

// comparisonParams reads the tld, old_date and new_date every snapshot
// comparison requires.
func comparisonParams(r *http.Request) (tld string, oldDate, newDate time.Time, err error) {
	q := r.URL.Query()
	tld = strings.ToLower(q.Get("tld"))
	rawOld, rawNew := q.Get("old_date"), q.Get("new_date")
	if tld == "" || rawOld == "" || rawNew == "" {
		return "", time.Time{}, time.Time{}, fmt.Errorf("tld, old_date and new_date are required")
	}
	if oldDate, err = time.Parse("2006-01-02", rawOld); err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("old_date must be YYYY-MM-DD")
	}
	if newDate, err = time.Parse("2006-01-02", rawNew); err != nil {
		return "", time.Time{}, time.Time{}, fmt.Errorf("new_date must be YYYY-MM-DD")
	}
	return tld, oldDate, newDate, nil
}

// handleAPIRecordTypeStats returns record counts per type.
func (s *Server) handleAPIRecordTypeStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.RecordTypeStats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute record type stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute record type stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"types": counts})
}

func (s *Server) handleAPIAvailableTLDs(w http.ResponseWriter, r *http.Request) {
	tlds, err := s.store.AvailableTLDs(r.Context())
	if err != nil {
		s.logger.Error("failed to list available tlds", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list available tlds")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tlds": tlds})
}

// handleAPIAvailableDates lists snapshot dates, newest first, optionally for one TLD.
func (s *Server) handleAPIAvailableDates(w http.ResponseWriter, r *http.Request) {
	dates, err := s.store.AvailableDates(r.Context(), strings.ToLower(r.URL.Query().Get("tld")))
	if err != nil {
		s.logger.Error("failed to list available dates", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list available dates")
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, store.DateKey(d))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dates": out})
}

// SearchResponse is the body of GET /api/search.
type SearchResponse struct {
	Records []recordJSON `json:"records"`
	pagination
}

// handleAPISearch pages records whose domain name contains ?q=.
func (s *Server) handleAPISearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.ToLower(strings.TrimSpace(q.Get("q")))
	if len(query) < minSearchLength {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("q must be at least %d characters", minSearchLength))
		return
	}
	p, err := parsePage(r, defaultSearchPerPage, maxSearchPerPage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.store.SearchRecords(r.Context(), store.SearchQuery{
		Query:      query,
		TLD:        strings.ToLower(q.Get("tld")),
		RecordType: strings.ToUpper(q.Get("type")),
		Limit:      p.PerPage,
		Offset:     p.offset(),
	})
	if err != nil {
		s.logger.Error("search failed", "query", query, "error", err)
		s.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, SearchResponse{
		Records:    toRecordJSON(res.Records),
		pagination: p.withTotal(res.Total),
	})
}

// DomainDiffResponse is the body of the dropped and new domain listings.
type DomainDiffResponse struct {
	TLD     string   `json:"tld"`
	OldDate string   `json:"old_date"`
	NewDate string   `json:"new_date"`
	Domains []string `json:"domains"`
	pagination
}

func (s *Server) handleAPIDroppedDomains(w http.ResponseWriter, r *http.Request) {
	s.serveDomainDiff(w, r, "dropped", s.store.DroppedDomains)
}

func (s *Server) handleAPINewDomains(w http.ResponseWriter, r *http.Request) {
	s.serveDomainDiff(w, r, "new", s.store.NewDomains)
}

func (s *Server) serveDomainDiff(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	list func(ctx context.Context, c store.Comparison) (*store.DomainPage, error),
) {
	tld, oldDate, newDate, err := comparisonParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := parsePage(r, defaultDiffPerPage, maxDiffPerPage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := list(r.Context(), store.Comparison{
		TLD:     tld,
		OldDate: oldDate,
		NewDate: newDate,
		Limit:   p.PerPage,
		Offset:  p.offset(),
	})
	if err != nil {
		s.logger.Error("failed to list "+kind+" domains", "tld", tld, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list "+kind+" domains")
		return
	}
	s.writeJSON(w, http.StatusOK, DomainDiffResponse{
		TLD:        tld,
		OldDate:    store.DateKey(oldDate),
		NewDate:    store.DateKey(newDate),
		Domains:    page.Domains,
		pagination: p.withTotal(page.Total),
	})
}

// handleAPIDomainChanges summarizes how a TLD changed between two snapshots.
func (s *Server) handleAPIDomainChanges(w http.ResponseWriter, r *http.Request) {
	tld, oldDate, newDate, err := comparisonParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.store.CompareSnapshots(r.Context(), tld, oldDate, newDate)
	if err != nil {
		s.logger.Error("failed to compare snapshots", "tld", tld, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compare snapshots")
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}
