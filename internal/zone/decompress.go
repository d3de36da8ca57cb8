package zone

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format identifies the container of a zone stream.
type Format string

const (
	FormatPlain Format = "plain"
	FormatGzip  Format = "gzip"
	FormatZstd  Format = "zstd"
	FormatXZ    Format = "xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// DetectFormat inspects the leading bytes of a stream.
func DetectFormat(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGzip
	case bytes.HasPrefix(head, zstdMagic):
		return FormatZstd
	case bytes.HasPrefix(head, xzMagic):
		return FormatXZ
	default:
		return FormatPlain
	}
}

// sourceReader remembers the first error produced by the raw input so it can
// be told apart from decoder failures.
type sourceReader struct {
	r   io.Reader
	n   int64
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// openDecoder wraps src with the decoder matching its magic bytes.
// The returned close function releases decoder resources.
func openDecoder(src io.Reader) (io.Reader, Format, func() error, error) {
	br := bufio.NewReaderSize(src, 64*1024)
	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, "", nil, err
	}

	format := DetectFormat(head)
	noop := func() error { return nil }

	switch format {
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, nil, &DecompressionError{Format: string(format), Err: err}
		}
		return zr, format, zr.Close, nil
	case FormatZstd:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, format, nil, &DecompressionError{Format: string(format), Err: err}
		}
		return dec, format, func() error { dec.Close(); return nil }, nil
	case FormatXZ:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, format, nil, &DecompressionError{Format: string(format), Err: err}
		}
		return xr, format, noop, nil
	default:
		return br, format, noop, nil
	}
}
