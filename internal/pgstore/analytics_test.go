package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/BadgerOps/zonesync/internal/store"
)

var nextDate = testDate.AddDate(0, 0, 1)

func TestAvailableTLDs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT tld FROM zone_records ORDER BY tld")).
		WillReturnRows(sqlmock.NewRows([]string{"tld"}).AddRow("com").AddRow("net"))

	tlds, err := s.AvailableTLDs(context.Background())
	if err != nil {
		t.Fatalf("AvailableTLDs() failed: %v", err)
	}
	if len(tlds) != 2 || tlds[1] != "net" {
		t.Errorf("AvailableTLDs() = %v", tlds)
	}
	expectationsMet(t, mock)
}

func TestAvailableDates(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT download_date FROM zone_records WHERE tld = $1 ORDER BY download_date DESC")).
		WithArgs("com").
		WillReturnRows(sqlmock.NewRows([]string{"download_date"}).AddRow(nextDate).AddRow(testDate))

	dates, err := s.AvailableDates(context.Background(), "com")
	if err != nil {
		t.Fatalf("AvailableDates() failed: %v", err)
	}
	if len(dates) != 2 || !dates[0].Equal(nextDate) {
		t.Errorf("AvailableDates() = %v", dates)
	}
	expectationsMet(t, mock)
}

func TestAvailableDatesAllTLDs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("^" + regexp.QuoteMeta("SELECT DISTINCT download_date FROM zone_records ORDER BY download_date DESC") + "$").
		WillReturnRows(sqlmock.NewRows([]string{"download_date"}))

	dates, err := s.AvailableDates(context.Background(), "")
	if err != nil {
		t.Fatalf("AvailableDates() failed: %v", err)
	}
	if dates == nil || len(dates) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", dates)
	}
	expectationsMet(t, mock)
}

func TestDroppedDomains(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(countDomainsOnlyIn)).
		WithArgs("com", "2026-03-14", "2026-03-15").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta(domainsOnlyIn + " ORDER BY a.domain_name LIMIT $4 OFFSET $5")).
		WithArgs("com", "2026-03-14", "2026-03-15", 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{"domain_name"}).AddRow("a.com").AddRow("b.com"))

	page, err := s.DroppedDomains(context.Background(), store.Comparison{
		TLD: "com", OldDate: testDate, NewDate: nextDate, Limit: 2,
	})
	if err != nil {
		t.Fatalf("DroppedDomains() failed: %v", err)
	}
	if page.Total != 3 || len(page.Domains) != 2 || page.Domains[0] != "a.com" {
		t.Errorf("unexpected page: %+v", page)
	}
	expectationsMet(t, mock)
}

func TestNewDomainsSwapsDates(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(countDomainsOnlyIn)).
		WithArgs("com", "2026-03-15", "2026-03-14").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	page, err := s.NewDomains(context.Background(), store.Comparison{
		TLD: "com", OldDate: testDate, NewDate: nextDate, Limit: 10,
	})
	if err != nil {
		t.Fatalf("NewDomains() failed: %v", err)
	}
	if page.Total != 0 || page.Domains == nil {
		t.Errorf("unexpected page: %+v", page)
	}
	expectationsMet(t, mock)
}

func TestCompareSnapshots(t *testing.T) {
	s, mock := newMockStore(t)
	count := func(n int64) *sqlmock.Rows { return sqlmock.NewRows([]string{"count"}).AddRow(n) }

	distinct := regexp.QuoteMeta("SELECT COUNT(DISTINCT domain_name) FROM zone_records")
	mock.ExpectQuery(distinct).WithArgs("com", "2026-03-14").WillReturnRows(count(10))
	mock.ExpectQuery(distinct).WithArgs("com", "2026-03-15").WillReturnRows(count(12))
	mock.ExpectQuery(regexp.QuoteMeta(countDomainsOnlyIn)).WithArgs("com", "2026-03-14", "2026-03-15").WillReturnRows(count(1))
	mock.ExpectQuery(regexp.QuoteMeta(countDomainsOnlyIn)).WithArgs("com", "2026-03-15", "2026-03-14").WillReturnRows(count(3))
	mock.ExpectQuery(regexp.QuoteMeta(modifiedDomainsQuery)).WithArgs("com", "2026-03-14", "2026-03-15").WillReturnRows(count(2))

	sum, err := s.CompareSnapshots(context.Background(), "com", testDate, nextDate)
	if err != nil {
		t.Fatalf("CompareSnapshots() failed: %v", err)
	}
	want := store.ChangeSummary{
		TLD: "com", OldDate: "2026-03-14", NewDate: "2026-03-15",
		OldCount: 10, NewCount: 12, Dropped: 1, Added: 3, Modified: 2, NetChange: 2,
	}
	if *sum != want {
		t.Errorf("CompareSnapshots() = %+v, want %+v", *sum, want)
	}
	expectationsMet(t, mock)
}

func TestCompareSnapshotsError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(DISTINCT domain_name)")).
		WillReturnError(sql.ErrConnDone)

	if _, err := s.CompareSnapshots(context.Background(), "com", testDate, nextDate); !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected wrapped ErrConnDone, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSearchRecords(t *testing.T) {
	s, mock := newMockStore(t)

	where := ` WHERE domain_name LIKE $1 ESCAPE '\' AND record_type = $2`
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM zone_records" + where)).
		WithArgs(`%ex\_ample%`, "NS").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM zone_records" + where + " ORDER BY domain_name, record_type, download_date DESC LIMIT $3 OFFSET $4")).
		WithArgs(`%ex\_ample%`, "NS", 50, 50).
		WillReturnRows(sqlmock.NewRows([]string{"domain_name", "tld", "record_type", "record_data", "ttl", "download_date"}).
			AddRow("ex_ample.com", "com", "NS", "ns1.", int64(300), testDate))

	page, err := s.SearchRecords(context.Background(), store.SearchQuery{
		Query: "ex_ample", RecordType: "NS", Limit: 50, Offset: 50,
	})
	if err != nil {
		t.Fatalf("SearchRecords() failed: %v", err)
	}
	if page.Total != 1 || len(page.Records) != 1 || page.Records[0].TTL != 300 {
		t.Errorf("unexpected page: %+v", page)
	}
	expectationsMet(t, mock)
}

func TestRecordTypeStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT record_type, COUNT(*) AS count FROM zone_records GROUP BY record_type")).
		WillReturnRows(sqlmock.NewRows([]string{"record_type", "count"}).
			AddRow("NS", int64(7)).
			AddRow("A", int64(2)))

	counts, err := s.RecordTypeStats(context.Background())
	if err != nil {
		t.Fatalf("RecordTypeStats() failed: %v", err)
	}
	if len(counts) != 2 || counts[0] != (store.TypeCount{Type: "NS", Count: 7}) {
		t.Errorf("RecordTypeStats() = %+v", counts)
	}
	expectationsMet(t, mock)
}
