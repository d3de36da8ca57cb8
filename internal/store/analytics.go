package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BadgerOps/zonesync/internal/zone"
)

// ============================================================================
// Snapshot Analytics
// ============================================================================

// AvailableTLDs returns every TLD with stored records
func (s *Store) AvailableTLDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tld FROM zone_records ORDER BY tld")
	if err != nil {
		return nil, fmt.Errorf("failed to list tlds: %w", err)
	}
	defer rows.Close()

	tlds := []string{}
	for rows.Next() {
		var tld string
		if err := rows.Scan(&tld); err != nil {
			return nil, fmt.Errorf("failed to scan tld: %w", err)
		}
		tlds = append(tlds, tld)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tlds: %w", err)
	}
	return tlds, nil
}

// AvailableDates returns snapshot dates, newest first
func (s *Store) AvailableDates(ctx context.Context, tld string) ([]time.Time, error) {
	query := "SELECT DISTINCT download_date FROM zone_records"
	var args []interface{}
	if tld != "" {
		query += " WHERE tld = ?"
		args = append(args, tld)
	}
	query += " ORDER BY download_date DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list download dates: %w", err)
	}
	defer rows.Close()

	dates := []time.Time{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan download date: %w", err)
		}
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse download date %q: %w", raw, err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating download dates: %w", err)
	}
	return dates, nil
}

// domainsOnlyIn selects the distinct domains of one snapshot that are absent
// from another. Arguments: tld, from, tld, to.
const domainsOnlyIn = `
	SELECT DISTINCT a.domain_name FROM zone_records a
	WHERE a.tld = ? AND a.download_date = ?
	AND NOT EXISTS (
		SELECT 1 FROM zone_records b
		WHERE b.tld = ? AND b.download_date = ? AND b.domain_name = a.domain_name
	)
`

// DroppedDomains pages domains present on the old date and gone on the new one
func (s *Store) DroppedDomains(ctx context.Context, c Comparison) (*DomainPage, error) {
	return s.domainDiff(ctx, c.TLD, c.OldDate, c.NewDate, c.Limit, c.Offset)
}

// NewDomains pages domains present on the new date and missing on the old one
func (s *Store) NewDomains(ctx context.Context, c Comparison) (*DomainPage, error) {
	return s.domainDiff(ctx, c.TLD, c.NewDate, c.OldDate, c.Limit, c.Offset)
}

func (s *Store) domainDiff(ctx context.Context, tld string, from, to time.Time, limit, offset int) (*DomainPage, error) {
	args := []interface{}{tld, DateKey(from), tld, DateKey(to)}
	page := &DomainPage{Domains: []string{}}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ("+domainsOnlyIn+")", args...,
	).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count domain diff: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}

	query := domainsOnlyIn + " ORDER BY a.domain_name"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain diff: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		page.Domains = append(page.Domains, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domain diff: %w", err)
	}
	return page, nil
}

// CompareSnapshots summarizes how a TLD changed between two dates
func (s *Store) CompareSnapshots(ctx context.Context, tld string, oldDate, newDate time.Time) (*ChangeSummary, error) {
	oldKey, newKey := DateKey(oldDate), DateKey(newDate)
	sum := &ChangeSummary{TLD: tld, OldDate: oldKey, NewDate: newKey}

	const distinct = "SELECT COUNT(DISTINCT domain_name) FROM zone_records WHERE tld = ? AND download_date = ?"
	if err := s.db.QueryRowContext(ctx, distinct, tld, oldKey).Scan(&sum.OldCount); err != nil {
		return nil, fmt.Errorf("failed to count old snapshot: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, distinct, tld, newKey).Scan(&sum.NewCount); err != nil {
		return nil, fmt.Errorf("failed to count new snapshot: %w", err)
	}

	diff := "SELECT COUNT(*) FROM (" + domainsOnlyIn + ")"
	if err := s.db.QueryRowContext(ctx, diff, tld, oldKey, tld, newKey).Scan(&sum.Dropped); err != nil {
		return nil, fmt.Errorf("failed to count dropped domains: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, diff, tld, newKey, tld, oldKey).Scan(&sum.Added); err != nil {
		return nil, fmt.Errorf("failed to count new domains: %w", err)
	}

	const modified = `
		SELECT COUNT(DISTINCT o.domain_name) FROM zone_records o
		JOIN zone_records n ON n.domain_name = o.domain_name
			AND n.tld = o.tld AND n.record_type = o.record_type
			AND n.download_date = ?
		WHERE o.tld = ? AND o.download_date = ? AND n.record_data <> o.record_data
	`
	if err := s.db.QueryRowContext(ctx, modified, newKey, tld, oldKey).Scan(&sum.Modified); err != nil {
		return nil, fmt.Errorf("failed to count modified domains: %w", err)
	}

	sum.NetChange = sum.NewCount - sum.OldCount
	return sum, nil
}

// SearchRecords pages records whose domain name contains the query
func (s *Store) SearchRecords(ctx context.Context, q SearchQuery) (*RecordPage, error) {
	where := ` WHERE domain_name LIKE ? ESCAPE '\'`
	args := []interface{}{LikePattern(q.Query)}
	if q.TLD != "" {
		where += " AND tld = ?"
		args = append(args, q.TLD)
	}
	if q.RecordType != "" {
		where += " AND record_type = ?"
		args = append(args, q.RecordType)
	}

	page := &RecordPage{Records: []zone.Record{}}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM zone_records"+where, args...).Scan(&page.Total); err != nil {
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search zone records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec zone.Record
		var date string
		if err := rows.Scan(
			&rec.DomainName, &rec.TLD, &rec.RecordType, &rec.RecordData, &rec.TTL, &date,
		); err != nil {
			return nil, fmt.Errorf("failed to scan zone record: %w", err)
		}
		if rec.DownloadDate, err = time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("failed to parse download date %q: %w", date, err)
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}
	return page, nil
}

// RecordTypeStats returns record counts per record type, largest first
func (s *Store) RecordTypeStats(ctx context.Context) ([]TypeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT record_type, COUNT(*) FROM zone_records GROUP BY record_type ORDER BY COUNT(*) DESC, record_type",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count records by type: %w", err)
	}
	defer rows.Close()

	counts := []TypeCount{}
	for rows.Next() {
		var c TypeCount
		if err := rows.Scan(&c.Type, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating type counts: %w", err)
	}
	return counts, nil
}
