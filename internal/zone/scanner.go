package zone

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxLineBytes bounds a single zone line; longer lines are skipped.
const DefaultMaxLineBytes = 1 << 20

// Options configures a Scanner.
type Options struct {
	// RecordTypes restricts emitted records to these types. Empty emits all.
	RecordTypes []string
	// OnWarning receives every skipped malformed line.
	OnWarning    WarningFunc
	MaxLineBytes int
}

// Stats counts what a Scanner has seen so far.
type Stats struct {
	Format          Format `json:"format"`
	Lines           int    `json:"lines"`
	Records         int    `json:"records"`
	Warnings        int    `json:"warnings"`
	Filtered        int    `json:"filtered"`
	CompressedBytes int64  `json:"compressed_bytes"`
}

// Scanner reads zone records one at a time from a possibly compressed stream.
// Only one line is held in memory at once. A Scanner is single pass: once Scan
// returns false it keeps returning false and cannot be rewound.
type Scanner struct {
	src   *sourceReader
	tld   string
	date  time.Time
	opts  Options
	allow map[string]bool

	started bool
	done    bool
	r       *bufio.Reader
	closeFn func() error
	buf     []byte

	rec   Record
	err   error
	stats Stats
}

// NewScanner creates a Scanner that stamps every record with tld and date.
// Decompression starts lazily on the first call to Scan.
func NewScanner(r io.Reader, tld string, date time.Time, opts Options) *Scanner {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	var allow map[string]bool
	if types := NormalizeTypes(opts.RecordTypes); len(types) > 0 {
		allow = make(map[string]bool, len(types))
		for _, t := range types {
			allow[t] = true
		}
	}
	return &Scanner{
		src:   &sourceReader{r: r},
		tld:   strings.ToLower(strings.TrimSuffix(tld, ".")),
		date:  date,
		opts:  opts,
		allow: allow,
	}
}

// Scan advances to the next record. It returns false at end of input or on
// a fatal error, which Err then reports.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		dec, format, closeFn, err := openDecoder(s.src)
		s.stats.Format = format
		if err != nil {
			s.finish(s.wrapErr(err))
			return false
		}
		s.r = bufio.NewReaderSize(dec, 64*1024)
		s.closeFn = closeFn
	}

	for {
		raw, tooLong, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
			} else {
				s.finish(s.wrapErr(err))
			}
			return false
		}
		s.stats.Lines++

		if tooLong {
			s.warn(truncate(string(raw), 200), fmt.Sprintf("line exceeds %d bytes", s.opts.MaxLineBytes))
			continue
		}

		line := string(raw)
		rec, outcome, reason := s.parseLine(line)
		switch outcome {
		case lineRecord:
			s.rec = rec
			s.stats.Records++
			return true
		case lineWarn:
			s.warn(strings.TrimRight(line, "\r\n"), reason)
		case lineFiltered:
			s.stats.Filtered++
		}
	}
}

// Record returns the record produced by the last successful Scan.
func (s *Scanner) Record() Record { return s.rec }

// Err returns the error that stopped scanning, if any.
func (s *Scanner) Err() error { return s.err }

// Stats returns counters for the lines consumed so far.
func (s *Scanner) Stats() Stats {
	st := s.stats
	st.CompressedBytes = s.src.n
	return st
}

// Close releases decoder resources. It does not close the underlying reader.
func (s *Scanner) Close() error {
	s.done = true
	if s.closeFn == nil {
		return nil
	}
	fn := s.closeFn
	s.closeFn = nil
	return fn()
}

func (s *Scanner) finish(err error) {
	s.err = err
	_ = s.Close()
}

func (s *Scanner) warn(raw, reason string) {
	s.stats.Warnings++
	if s.opts.OnWarning != nil {
		s.opts.OnWarning(LineWarning{Line: s.stats.Lines, Raw: raw, Reason: reason})
	}
}

// wrapErr distinguishes failures of the raw input from decoder failures.
func (s *Scanner) wrapErr(err error) error {
	var de *DecompressionError
	if errors.As(err, &de) {
		return err
	}
	if s.src.err != nil {
		return fmt.Errorf("reading zone stream: %w", s.src.err)
	}
	if s.stats.Format != FormatPlain && s.stats.Format != "" {
		return &DecompressionError{Format: string(s.stats.Format), Err: err}
	}
	return fmt.Errorf("reading zone stream: %w", err)
}

// readLine returns the next line without its terminator handling applied.
// Lines longer than MaxLineBytes are drained and reported with tooLong set.
func (s *Scanner) readLine() (line []byte, tooLong bool, err error) {
	s.buf = s.buf[:0]
	for {
		chunk, rerr := s.r.ReadSlice('\n')
		if !tooLong {
			if len(s.buf)+len(chunk) > s.opts.MaxLineBytes {
				tooLong = true
				keep := s.opts.MaxLineBytes - len(s.buf)
				if keep > 0 {
					s.buf = append(s.buf, chunk[:keep]...)
				}
			} else {
				s.buf = append(s.buf, chunk...)
			}
		}

		switch {
		case rerr == nil:
			return s.buf, tooLong, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF):
			if len(s.buf) == 0 && !tooLong {
				return nil, false, io.EOF
			}
			return s.buf, tooLong, nil
		default:
			return nil, false, rerr
		}
	}
}

type lineOutcome int

const (
	lineSkip lineOutcome = iota
	lineWarn
	lineFiltered
	lineRecord
)

// parseLine applies the per-line rules: blank lines, comments and directives
// are skipped silently; malformed records are skipped with a reason.
func (s *Scanner) parseLine(line string) (Record, lineOutcome, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] == ';' || trimmed[0] == '$' {
		return Record{}, lineSkip, ""
	}

	fields, rdataStart := splitFields(trimmed, 4)
	if len(fields) < 4 || rdataStart < 0 {
		n := len(fields)
		if rdataStart >= 0 {
			n++
		}
		return Record{}, lineWarn, fmt.Sprintf("expected at least 5 fields, got %d", n)
	}

	ttl, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Record{}, lineWarn, fmt.Sprintf("invalid ttl %q", fields[1])
	}
	if !strings.EqualFold(fields[2], "IN") {
		return Record{}, lineWarn, fmt.Sprintf("unsupported class %q", fields[2])
	}

	rtype := strings.ToUpper(fields[3])
	if s.allow != nil && !s.allow[rtype] {
		return Record{}, lineFiltered, ""
	}

	return Record{
		DomainName:   strings.TrimSuffix(strings.ToLower(fields[0]), "."),
		TLD:          s.tld,
		RecordType:   rtype,
		RecordData:   trimmed[rdataStart:],
		TTL:          uint32(ttl),
		DownloadDate: s.date,
	}, lineRecord, ""
}

// splitFields returns the first n whitespace separated fields of line and the
// byte offset where the remainder begins, or -1 when nothing follows them.
func splitFields(line string, n int) ([]string, int) {
	fields := make([]string, 0, n)
	i := 0
	for len(fields) < n {
		for i < len(line) && isSpace(line[i]) {
			i++
		}
		if i >= len(line) {
			return fields, -1
		}
		start := i
		for i < len(line) && !isSpace(line[i]) {
			i++
		}
		fields = append(fields, line[start:i])
	}
	for i < len(line) && isSpace(line[i]) {
		i++
	}
	if i >= len(line) {
		return fields, -1
	}
	return fields, i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
