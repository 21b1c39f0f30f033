// Package mgf decodes the MGF text exchange format for MS/MS spectra.
//
// An MGF file is a concatenation of variable-length records, each bounded by
// a BEGIN IONS / END IONS marker pair, containing KEY=VALUE precursor params
// followed by one (m/z, intensity) peak pair per line. Lines outside a
// record (headers, comments) are ignored.
//
// The package offers two views over the same decoder: Reader yields fully
// parsed records for construction-time streaming, Scanner yields only record
// ids and byte spans for offset indexing. ParseRecord re-decodes a single
// record from an exact byte span with the same rules, so a span extracted by
// Scanner always re-parses to the record Reader produced for it.
package mgf

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mzdex/mzdex"
	"github.com/mzdex/mzdex/spectrum"
)

const (
	beginMarker = "BEGIN IONS"
	endMarker   = "END IONS"
)

// Reader decodes records from an MGF stream, one Next call per record.
// Readers are not safe for concurrent use.
type Reader struct {
	lr *lineReader
}

// NewReader returns a Reader decoding records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{lr: newLineReader(r)}
}

// Next returns the next record in the stream. It returns io.EOF once the
// stream is exhausted, and an error wrapping mzdex.ErrParse on a malformed
// record.
func (r *Reader) Next() (*spectrum.Record, error) {
	rec, _, err := next(r.lr, false)
	return rec, err
}

// ParseRecord decodes exactly one record from data, which must hold the byte
// span of a single record as reported by Scanner. Re-parsing the same span
// always yields an identical record.
func ParseRecord(data []byte) (*spectrum.Record, error) {
	lr := newLineReader(bytes.NewReader(data))

	rec, _, err := next(lr, false)
	if err == io.EOF {
		return nil, errors.Wrap(mzdex.ErrParse, "no record in byte span")
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// next scans forward to the next record. With spanOnly set it skips peak
// parsing and fills only the id, for index construction. The returned span
// covers the bytes from the start of the BEGIN IONS line through the end of
// the END IONS line.
func next(lr *lineReader, spanOnly bool) (*spectrum.Record, Span, error) {
	// skip to the begin marker
	var start int64
	for {
		ln, off, err := lr.next()
		if err != nil {
			return nil, Span{}, err // io.EOF included
		}

		if string(bytes.TrimSpace(ln)) == beginMarker {
			start = off
			break
		}
	}

	p := newRecordParser()

	for {
		ln, _, err := lr.next()
		if err == io.EOF {
			return nil, Span{}, errors.Wrap(mzdex.ErrParse, "unterminated record: missing END IONS")
		}
		if err != nil {
			return nil, Span{}, err
		}

		trimmed := string(bytes.TrimSpace(ln))
		if trimmed == endMarker {
			break
		}
		if trimmed == "" {
			continue
		}

		if err := p.line(trimmed, spanOnly); err != nil {
			return nil, Span{}, err
		}
	}

	rec := p.rec
	if err := rec.Validate(); err != nil {
		return nil, Span{}, errors.Wrapf(mzdex.ErrParse, "%v", err)
	}

	return rec, Span{ID: rec.ID, Offset: start, Length: lr.offset - start}, nil
}

// recordParser accumulates one record line by line.
type recordParser struct {
	rec *spectrum.Record
}

func newRecordParser() *recordParser {
	return &recordParser{
		rec: &spectrum.Record{
			PrecursorIntensity: math.NaN(),
			RetentionTime:      math.NaN(),
		},
	}
}

// line consumes one non-empty line between the record markers. Param lines
// carry an '=' before any numeric content; everything else must be a peak.
func (p *recordParser) line(ln string, spanOnly bool) error {
	if i := strings.IndexByte(ln, '='); i >= 0 && !isPeakLine(ln) {
		return p.param(strings.ToLower(strings.TrimSpace(ln[:i])), strings.TrimSpace(ln[i+1:]), spanOnly)
	}

	if spanOnly {
		return nil
	}

	return p.peak(ln)
}

func (p *recordParser) param(key, val string, spanOnly bool) error {
	switch key {
	case "title":
		p.rec.ID = val
	case "pepmass":
		if spanOnly {
			return nil
		}

		fields := strings.Fields(val)
		if len(fields) == 0 {
			return errors.Wrap(mzdex.ErrParse, "empty PEPMASS")
		}

		mz, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return errors.Wrapf(mzdex.ErrParse, "bad PEPMASS value %q", fields[0])
		}
		p.rec.PrecursorMZ = mz

		if len(fields) > 1 {
			in, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return errors.Wrapf(mzdex.ErrParse, "bad PEPMASS intensity %q", fields[1])
			}
			p.rec.PrecursorIntensity = in
		}
	case "charge":
		if !spanOnly {
			p.rec.Charge = parseCharge(val)
		}
	case "rtinseconds":
		if spanOnly {
			return nil
		}

		rt, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return errors.Wrapf(mzdex.ErrParse, "bad RTINSECONDS value %q", val)
		}
		p.rec.RetentionTime = rt
	default:
		if spanOnly {
			return nil
		}

		if p.rec.Params == nil {
			p.rec.Params = make(map[string]string)
		}
		p.rec.Params[key] = val
	}

	return nil
}

// peak parses an "<m/z> <intensity> [...]" line. Extra columns (e.g. a peak
// charge) are ignored.
func (p *recordParser) peak(ln string) error {
	fields := strings.Fields(ln)
	if len(fields) < 2 {
		return errors.Wrapf(mzdex.ErrParse, "bad peak line %q", ln)
	}

	mz, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return errors.Wrapf(mzdex.ErrParse, "bad peak m/z %q", fields[0])
	}

	in, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return errors.Wrapf(mzdex.ErrParse, "bad peak intensity %q", fields[1])
	}

	p.rec.MZ = append(p.rec.MZ, mz)
	p.rec.Intensity = append(p.rec.Intensity, in)

	return nil
}

// isPeakLine reports whether the line starts like a numeric peak entry.
// Peak lines begin with a digit, sign or decimal point; param lines begin
// with the param name.
func isPeakLine(ln string) bool {
	if ln == "" {
		return false
	}

	switch c := ln[0]; {
	case c >= '0' && c <= '9':
		return true
	case c == '+' || c == '-' || c == '.':
		return true
	default:
		return false
	}
}

// parseCharge normalizes an MGF CHARGE value. Accepted forms are a plain
// integer, a sign-prefixed integer, or the MGF convention of a trailing sign
// ("2+" is 2, "3-" is -3). Anything else, including missing values, means an
// unknown charge and maps to 0, matching the sanitizing behavior of common
// MGF readers rather than failing the record.
func parseCharge(val string) int {
	s := strings.TrimSpace(val)
	if s == "" {
		return 0
	}

	neg := false
	switch s[len(s)-1] {
	case '+':
		s = s[:len(s)-1]
	case '-':
		neg = true
		s = s[:len(s)-1]
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if neg && n > 0 {
		n = -n
	}

	return n
}

// lineReader yields lines while tracking exact byte offsets, including line
// terminators, so spans re-extract byte-identically.
type lineReader struct {
	r      *bufio.Reader
	offset int64
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns the next line without its terminator, the byte offset of the
// line's first byte, or io.EOF at the end of input.
func (lr *lineReader) next() ([]byte, int64, error) {
	start := lr.offset

	ln, err := lr.r.ReadBytes('\n')
	lr.offset += int64(len(ln))
	if err != nil {
		if err == io.EOF && len(ln) > 0 {
			// final line without a terminator
			return trimEOL(ln), start, nil
		}

		return nil, 0, err
	}

	return trimEOL(ln), start, nil
}

func trimEOL(ln []byte) []byte {
	ln = bytes.TrimSuffix(ln, []byte("\n"))
	ln = bytes.TrimSuffix(ln, []byte("\r"))

	return ln
}
