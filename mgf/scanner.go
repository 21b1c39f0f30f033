package mgf

import "io"

// Span locates one record inside its source: the byte offset of its BEGIN
// IONS line and the length through the end of its END IONS line. Reading
// exactly these bytes and passing them to ParseRecord reproduces the record.
type Span struct {
	// ID is the record identifier (TITLE).
	ID string
	// Offset is the span start relative to the beginning of the source.
	Offset int64
	// Length is the span size in bytes.
	Length int64
}

// Scanner walks an MGF stream in a single linear pass, yielding one Span per
// record without materializing peak arrays. It buffers only the current
// line, never the whole source, and does not backtrack. Scanners are not
// safe for concurrent use.
type Scanner struct {
	lr *lineReader
}

// NewScanner returns a Scanner over r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{lr: newLineReader(r)}
}

// Next returns the span of the next record. It returns io.EOF once the
// stream is exhausted, and an error wrapping mzdex.ErrParse on a record
// whose structure cannot be delimited (e.g. missing END IONS).
func (s *Scanner) Next() (Span, error) {
	_, span, err := next(s.lr, true)
	if err != nil {
		return Span{}, err
	}

	return span, nil
}
