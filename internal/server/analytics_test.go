package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/BadgerOps/zonesync/internal/store"
	"github.com/BadgerOps/zonesync/internal/zone"
)

func seedSnapshots(t *testing.T, env *testEnv) {
	t.Helper()
	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	rec := func(domain, data string, date time.Time) zone.Record {
		return zone.Record{DomainName: domain, TLD: "com", RecordType: "NS", RecordData: data, TTL: 3600, DownloadDate: date}
	}
	records := []zone.Record{
		rec("alpha.com", "ns1.alpha.com.", day1),
		rec("bravo.com", "ns1.bravo.com.", day1),
		rec("charlie.com", "ns1.charlie.com.", day1),
		rec("bravo.com", "ns2.bravo.com.", day2),
		rec("charlie.com", "ns1.charlie.com.", day2),
		rec("delta.com", "ns1.delta.com.", day2),
	}
	if _, err := env.store.InsertBatch(context.Background(), records); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}
}

func TestAvailableTLDsAndDatesEndpoints(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/available-tlds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	tlds := decode[map[string][]string](t, w)
	if len(tlds["tlds"]) != 1 || tlds["tlds"][0] != "com" {
		t.Errorf("unexpected tlds: %v", tlds)
	}

	w = env.do(t, http.MethodGet, "/api/available-dates?tld=COM", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	dates := decode[map[string][]string](t, w)
	if got := dates["dates"]; len(got) != 2 || got[0] != "2026-03-15" || got[1] != "2026-03-14" {
		t.Errorf("unexpected dates: %v", got)
	}
}

func TestDroppedDomainsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/dropped-domains?tld=com&old_date=2026-03-14&new_date=2026-03-15", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[DomainDiffResponse](t, w)
	if resp.Total != 1 || len(resp.Domains) != 1 || resp.Domains[0] != "alpha.com" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Page != 1 || resp.PerPage != defaultDiffPerPage || resp.Pages != 1 {
		t.Errorf("unexpected pagination: %+v", resp.pagination)
	}
	if resp.OldDate != "2026-03-14" || resp.NewDate != "2026-03-15" {
		t.Errorf("unexpected dates echoed: %+v", resp)
	}
}

func TestNewDomainsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/new-domains?tld=com&old_date=2026-03-14&new_date=2026-03-15&per_page=5000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[DomainDiffResponse](t, w)
	if resp.Total != 1 || resp.Domains[0] != "delta.com" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.PerPage != maxDiffPerPage {
		t.Errorf("per_page = %d, want capped at %d", resp.PerPage, maxDiffPerPage)
	}
}

func TestDomainDiffEmptyPage(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/dropped-domains?tld=com&old_date=2026-03-01&new_date=2026-03-15", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[DomainDiffResponse](t, w)
	if resp.Total != 0 || resp.Pages != 0 || resp.Domains == nil {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDomainChangesEndpoint(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/domain-changes?tld=com&old_date=2026-03-14&new_date=2026-03-15", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decode[store.ChangeSummary](t, w)
	want := store.ChangeSummary{
		TLD: "com", OldDate: "2026-03-14", NewDate: "2026-03-15",
		OldCount: 3, NewCount: 3, Dropped: 1, Added: 1, Modified: 1,
	}
	if got != want {
		t.Errorf("domain changes = %+v, want %+v", got, want)
	}
}

func TestComparisonParamValidation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name   string
		target string
	}{
		{"missing tld", "/api/dropped-domains?old_date=2026-03-14&new_date=2026-03-15"},
		{"missing new_date", "/api/new-domains?tld=com&old_date=2026-03-14"},
		{"bad old_date", "/api/domain-changes?tld=com&old_date=14-03-2026&new_date=2026-03-15"},
		{"bad page", "/api/dropped-domains?tld=com&old_date=2026-03-14&new_date=2026-03-15&page=0"},
		{"bad per_page", "/api/new-domains?tld=com&old_date=2026-03-14&new_date=2026-03-15&per_page=x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.target, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/search?q=BRAVO&per_page=1&page=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[SearchResponse](t, w)
	if resp.Total != 2 || resp.Pages != 2 || resp.Page != 2 {
		t.Errorf("unexpected pagination: %+v", resp.pagination)
	}
	if len(resp.Records) != 1 || resp.Records[0].DownloadDate != "2026-03-14" || resp.Records[0].RecordData != "ns1.bravo.com." {
		t.Errorf("unexpected records: %+v", resp.Records)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	env := setupTestServer(t)

	for _, target := range []string{"/api/search", "/api/search?q=a", "/api/search?q=%20b%20"} {
		w := env.do(t, http.MethodGet, target, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestRecordTypeStatsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	seedSnapshots(t, env)

	w := env.do(t, http.MethodGet, "/api/stats/record-types", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[map[string][]store.TypeCount](t, w)
	if got := resp["types"]; len(got) != 1 || got[0] != (store.TypeCount{Type: "NS", Count: 6}) {
		t.Errorf("unexpected type stats: %+v", resp)
	}
}
