// Package zone turns master-file formatted zone data into ZoneRecords.
package zone

import (
	"fmt"
	"strings"
	"time"
)

// Record is one resource record extracted from a zone file.
type Record struct {
	DomainName   string    `json:"domain_name"`
	TLD          string    `json:"tld"`
	RecordType   string    `json:"record_type"`
	RecordData   string    `json:"record_data"`
	TTL          uint32    `json:"ttl"`
	DownloadDate time.Time `json:"download_date"`
}

// Key returns the storage uniqueness key of the record.
func (r Record) Key() string {
	return r.DomainName + "|" + r.TLD + "|" + r.RecordType + "|" + r.DownloadDate.Format("2006-01-02")
}

// DefaultRecordTypes is the allow-list applied when none is configured.
var DefaultRecordTypes = []string{"NS", "A", "AAAA", "CNAME", "MX", "TXT", "SOA"}

// LineWarning describes a line that was skipped because it could not be parsed.
type LineWarning struct {
	Line   int    `json:"line"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// WarningFunc receives skipped-line warnings as they occur.
type WarningFunc func(LineWarning)

// DecompressionError is returned when the compressed stream is corrupt.
// It aborts the current zone only.
type DecompressionError struct {
	Format string
	Err    error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompressing %s stream: %v", e.Format, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

// NormalizeTypes upper-cases and de-duplicates a record type list.
func NormalizeTypes(types []string) []string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
