package store

import (
	"context"
	"testing"
	"time"

	"github.com/BadgerOps/zonesync/internal/zone"
)

var nextDate = testDate.AddDate(0, 0, 1)

func dated(rec zone.Record, date time.Time) zone.Record {
	rec.DownloadDate = date
	return rec
}

// seedSnapshots stores two days of com plus one net record:
//
//	2026-03-14: a.com, b.com (NS+A), c.com
//	2026-03-15: b.com (NS changed), c.com, d.com
func seedSnapshots(t *testing.T, s *Store) {
	t.Helper()
	net := testRecord("a.net", "NS", "ns1.a.net.")
	net.TLD = "net"

	records := []zone.Record{
		testRecord("a.com", "NS", "ns1.a.com."),
		testRecord("b.com", "NS", "ns1.b.com."),
		testRecord("b.com", "A", "192.0.2.1"),
		testRecord("c.com", "NS", "ns1.c.com."),
		dated(testRecord("b.com", "NS", "ns2.b.com."), nextDate),
		dated(testRecord("b.com", "A", "192.0.2.1"), nextDate),
		dated(testRecord("c.com", "NS", "ns1.c.com."), nextDate),
		dated(testRecord("d.com", "NS", "ns1.d.com."), nextDate),
		net,
	}
	if _, err := s.InsertBatch(context.Background(), records); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}
}

func TestAvailableTLDsAndDates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tlds, err := s.AvailableTLDs(ctx)
	if err != nil {
		t.Fatalf("AvailableTLDs() failed: %v", err)
	}
	if len(tlds) != 0 {
		t.Errorf("expected no tlds on empty store, got %v", tlds)
	}

	seedSnapshots(t, s)

	tlds, err = s.AvailableTLDs(ctx)
	if err != nil {
		t.Fatalf("AvailableTLDs() failed: %v", err)
	}
	if len(tlds) != 2 || tlds[0] != "com" || tlds[1] != "net" {
		t.Errorf("AvailableTLDs() = %v, want [com net]", tlds)
	}

	dates, err := s.AvailableDates(ctx, "com")
	if err != nil {
		t.Fatalf("AvailableDates() failed: %v", err)
	}
	if len(dates) != 2 || !dates[0].Equal(nextDate) || !dates[1].Equal(testDate) {
		t.Errorf("AvailableDates(com) = %v, want newest first", dates)
	}

	dates, err = s.AvailableDates(ctx, "net")
	if err != nil {
		t.Fatalf("AvailableDates() failed: %v", err)
	}
	if len(dates) != 1 {
		t.Errorf("AvailableDates(net) = %v, want one date", dates)
	}
}

func TestDroppedAndNewDomains(t *testing.T) {
	s := newTestStore(t)
	seedSnapshots(t, s)
	ctx := context.Background()
	cmp := Comparison{TLD: "com", OldDate: testDate, NewDate: nextDate, Limit: 10}

	dropped, err := s.DroppedDomains(ctx, cmp)
	if err != nil {
		t.Fatalf("DroppedDomains() failed: %v", err)
	}
	if dropped.Total != 1 || len(dropped.Domains) != 1 || dropped.Domains[0] != "a.com" {
		t.Errorf("DroppedDomains() = %+v, want [a.com]", dropped)
	}

	added, err := s.NewDomains(ctx, cmp)
	if err != nil {
		t.Fatalf("NewDomains() failed: %v", err)
	}
	if added.Total != 1 || len(added.Domains) != 1 || added.Domains[0] != "d.com" {
		t.Errorf("NewDomains() = %+v, want [d.com]", added)
	}
}

func TestDroppedDomainsPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var records []zone.Record
	for _, d := range []string{"e.com", "a.com", "c.com", "b.com", "d.com"} {
		records = append(records, testRecord(d, "NS", "ns1."+d+"."))
	}
	records = append(records, dated(testRecord("keep.com", "NS", "ns1.keep.com."), nextDate))
	if _, err := s.InsertBatch(ctx, records); err != nil {
		t.Fatalf("InsertBatch() failed: %v", err)
	}

	page, err := s.DroppedDomains(ctx, Comparison{TLD: "com", OldDate: testDate, NewDate: nextDate, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("DroppedDomains() failed: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Domains) != 2 || page.Domains[0] != "c.com" || page.Domains[1] != "d.com" {
		t.Errorf("page = %v, want [c.com d.com]", page.Domains)
	}
}

func TestDroppedDomainsUnknownDate(t *testing.T) {
	s := newTestStore(t)
	seedSnapshots(t, s)

	page, err := s.DroppedDomains(context.Background(), Comparison{
		TLD: "com", OldDate: testDate.AddDate(0, 0, -7), NewDate: nextDate, Limit: 10,
	})
	if err != nil {
		t.Fatalf("DroppedDomains() failed: %v", err)
	}
	if page.Total != 0 || page.Domains == nil || len(page.Domains) != 0 {
		t.Errorf("expected empty non-nil page, got %+v", page)
	}
}

func TestCompareSnapshots(t *testing.T) {
	s := newTestStore(t)
	seedSnapshots(t, s)

	sum, err := s.CompareSnapshots(context.Background(), "com", testDate, nextDate)
	if err != nil {
		t.Fatalf("CompareSnapshots() failed: %v", err)
	}
	want := ChangeSummary{
		TLD: "com", OldDate: "2026-03-14", NewDate: "2026-03-15",
		OldCount: 3, NewCount: 3, Dropped: 1, Added: 1, Modified: 1, NetChange: 0,
	}
	if *sum != want {
		t.Errorf("CompareSnapshots() = %+v, want %+v", *sum, want)
	}
}

func TestSearchRecords(t *testing.T) {
	s := newTestStore(t)
	seedSnapshots(t, s)
	ctx := context.Background()

	page, err := s.SearchRecords(ctx, SearchQuery{Query: "b.co", Limit: 10})
	if err != nil {
		t.Fatalf("SearchRecords() failed: %v", err)
	}
	if page.Total != 4 || len(page.Records) != 4 {
		t.Fatalf("expected 4 b.com records, got total=%d len=%d", page.Total, len(page.Records))
	}
	if page.Records[0].RecordType != "A" || page.Records[2].RecordType != "NS" {
		t.Errorf("unexpected order: %+v", page.Records)
	}

	page, err = s.SearchRecords(ctx, SearchQuery{Query: "b.co", RecordType: "NS", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("SearchRecords() failed: %v", err)
	}
	if page.Total != 2 || len(page.Records) != 1 || !page.Records[0].DownloadDate.Equal(testDate) {
		t.Errorf("unexpected NS page: %+v", page)
	}

	page, err = s.SearchRecords(ctx, SearchQuery{Query: "a.", TLD: "net", Limit: 10})
	if err != nil {
		t.Fatalf("SearchRecords() failed: %v", err)
	}
	if page.Total != 1 || page.Records[0].TLD != "net" {
		t.Errorf("unexpected tld filtered page: %+v", page)
	}
}

func TestSearchRecordsEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	seedSnapshots(t, s)

	for _, q := range []string{"%", "_.com"} {
		page, err := s.SearchRecords(context.Background(), SearchQuery{Query: q, Limit: 10})
		if err != nil {
			t.Fatalf("SearchRecords(%q) failed: %v", q, err)
		}
		if page.Total != 0 {
			t.Errorf("SearchRecords(%q) matched %d records, want literal match only", q, page.Total)
		}
	}
}

func TestRecordTypeStats(t *testing.T) {
	s := newTestStore(t)
	seedSnapshots(t, s)

	counts, err := s.RecordTypeStats(context.Background())
	if err != nil {
		t.Fatalf("RecordTypeStats() failed: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("expected 2 types, got %+v", counts)
	}
	if counts[0] != (TypeCount{Type: "NS", Count: 7}) || counts[1] != (TypeCount{Type: "A", Count: 2}) {
		t.Errorf("RecordTypeStats() = %+v", counts)
	}
}

func TestLikePattern(t *testing.T) {
	tests := map[string]string{
		"example": "%example%",
		"50%":     `%50\%%`,
		"a_b":     `%a\_b%`,
		`c:\d`:    `%c:\\d%`,
	}
	for in, want := range tests {
		if got := LikePattern(in); got != want {
			t.Errorf("LikePattern(%q) = %q, want %q", in, got, want)
		}
	}
}
