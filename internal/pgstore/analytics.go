package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/BadgerOps/zonesync/internal/store"
	"github.com/BadgerOps/zonesync/internal/zone"
)

// ============================================================================
// Snapshot Analytics
// ============================================================================

// AvailableTLDs returns every TLD with stored records
func (s *Store) AvailableTLDs(ctx context.Context) ([]string, error) {
	tlds := []string{}
	if err := s.db.SelectContext(ctx, &tlds, "SELECT DISTINCT tld FROM zone_records ORDER BY tld"); err != nil {
		return nil, fmt.Errorf("failed to list tlds: %w", err)
	}
	return tlds, nil
}

// AvailableDates returns snapshot dates, newest first
func (s *Store) AvailableDates(ctx context.Context, tld string) ([]time.Time, error) {
	query := "SELECT DISTINCT download_date FROM zone_records"
	var args []any
	if tld != "" {
		query += " WHERE tld = $1"
		args = append(args, tld)
	}
	query += " ORDER BY download_date DESC"

	dates := []time.Time{}
	if err := s.db.SelectContext(ctx, &dates, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list download dates: %w", err)
	}
	for i := range dates {
		dates[i] = dates[i].UTC()
	}
	return dates, nil
}

// domainsOnlyIn selects the distinct domains of one snapshot that are absent
// from another. $1 is the tld, $2 the snapshot read and $3 the one compared.
const domainsOnlyIn = `SELECT DISTINCT a.domain_name FROM zone_records a
WHERE a.tld = $1 AND a.download_date = $2::date
AND NOT EXISTS (
	SELECT 1 FROM zone_records b
	WHERE b.tld = $1 AND b.download_date = $3::date AND b.domain_name = a.domain_name
)`

const countDomainsOnlyIn = "SELECT COUNT(*) FROM (" + domainsOnlyIn + ") diff"

// DroppedDomains pages domains present on the old date and gone on the new one
func (s *Store) DroppedDomains(ctx context.Context, c store.Comparison) (*store.DomainPage, error) {
	return s.domainDiff(ctx, c.TLD, c.OldDate, c.NewDate, c.Limit, c.Offset)
}

// NewDomains pages domains present on the new date and missing on the old one
func (s *Store) NewDomains(ctx context.Context, c store.Comparison) (*store.DomainPage, error) {
	return s.domainDiff(ctx, c.TLD, c.NewDate, c.OldDate, c.Limit, c.Offset)
}

func (s *Store) domainDiff(ctx context.Context, tld string, from, to time.Time, limit, offset int) (*store.DomainPage, error) {
	args := []any{tld, store.DateKey(from), store.DateKey(to)}
	page := &store.DomainPage{Domains: []string{}}

	if err := s.db.GetContext(ctx, &page.Total, countDomainsOnlyIn, args...); err != nil {
		return nil, fmt.Errorf("failed to count domain diff: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	query := domainsOnlyIn + " ORDER BY a.domain_name"
	if limit > 0 {
		query += " LIMIT $4 OFFSET $5"
		args = append(args, limit, offset)
	}
	if err := s.db.SelectContext(ctx, &page.Domains, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query domain diff: %w", err)
	}
	return page, nil
}

const modifiedDomainsQuery = `SELECT COUNT(DISTINCT o.domain_name) FROM zone_records o
JOIN zone_records n ON n.domain_name = o.domain_name
	AND n.tld = o.tld AND n.record_type = o.record_type
	AND n.download_date = $3::date
WHERE o.tld = $1 AND o.download_date = $2::date AND n.record_data <> o.record_data`

// CompareSnapshots summarizes how a TLD changed between two dates
func (s *Store) CompareSnapshots(ctx context.Context, tld string, oldDate, newDate time.Time) (*store.ChangeSummary, error) {
	oldKey, newKey := store.DateKey(oldDate), store.DateKey(newDate)
	sum := &store.ChangeSummary{TLD: tld, OldDate: oldKey, NewDate: newKey}

	const distinct = "SELECT COUNT(DISTINCT domain_name) FROM zone_records WHERE tld = $1 AND download_date = $2::date"
	if err := s.db.GetContext(ctx, &sum.OldCount, distinct, tld, oldKey); err != nil {
		return nil, fmt.Errorf("failed to count old snapshot: %w", err)
	}
	if err := s.db.GetContext(ctx, &sum.NewCount, distinct, tld, newKey); err != nil {
		return nil, fmt.Errorf("failed to count new snapshot: %w", err)
	}
	if err := s.db.GetContext(ctx, &sum.Dropped, countDomainsOnlyIn, tld, oldKey, newKey); err != nil {
		return nil, fmt.Errorf("failed to count dropped domains: %w", err)
	}
	if err := s.db.GetContext(ctx, &sum.Added, countDomainsOnlyIn, tld, newKey, oldKey); err != nil {
		return nil, fmt.Errorf("failed to count new domains: %w", err)
	}
	if err := s.db.GetContext(ctx, &sum.Modified, modifiedDomainsQuery, tld, oldKey, newKey); err != nil {
		return nil, fmt.Errorf("failed to count modified domains: %w", err)
	}

	sum.NetChange = sum.NewCount - sum.OldCount
	return sum, nil
}

// SearchRecords pages records whose domain name contains the query
func (s *Store) SearchRecords(ctx context.Context, q store.SearchQuery) (*store.RecordPage, error) {
	where := ` WHERE domain_name LIKE ? ESCAPE '\'`
	args := []any{store.LikePattern(q.Query)}
	if q.TLD != "" {
		where += " AND tld = ?"
		args = append(args, q.TLD)
	}
	if q.RecordType != "" {
		where += " AND record_type = ?"
		args = append(args, q.RecordType)
	}

	page := &store.RecordPage{Records: []zone.Record{}}
	if err := s.db.GetContext(ctx, &page.Total, s.db.Rebind("SELECT COUNT(*) FROM zone_records"+where), args...); err != nil {
		return nil, fmt.Errorf("failed to count search results: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	query := "SELECT domain_name, tld, record_type, record_data, ttl, download_date FROM zone_records" +
		where + " ORDER BY domain_name, record_type, download_date DESC"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to search zone records: %w", err)
	}
	for _, r := range rows {
		page.Records = append(page.Records, r.toRecord())
	}
	return page, nil
}

// RecordTypeStats returns record counts per record type, largest first
func (s *Store) RecordTypeStats(ctx context.Context) ([]store.TypeCount, error) {
	counts := []store.TypeCount{}
	if err := s.db.SelectContext(ctx, &counts,
		"SELECT record_type, COUNT(*) AS count FROM zone_records GROUP BY record_type ORDER BY count DESC, record_type",
	); err != nil {
		return nil, fmt.Errorf("failed to count records by type: %w", err)
	}
	return counts, nil
}
