// Package ondemand implements the byte-offset indexed spectra backend.
//
// Construction streams each source once through the mgf scanner, recording
// only each record's id and byte span. Reads seek back into the source and
// re-parse just the requested span with the same decoder, so repeated reads
// of one position are byte-identical. At most one source file handle is open
// at any time, held in a capacity-one cache with evict-on-switch semantics.
//
// Query has no metadata index: every predicate query re-reads all records,
// which is the documented baseline cost of this backend. The MetadataCache
// option trades memory for an opportunistic scalar cache populated by the
// first query scan.
package ondemand

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mzdex/mzdex"
	"github.com/mzdex/mzdex/mgf"
	"github.com/mzdex/mzdex/spectrum"
)

// entry locates one record: the source file (by position in Dataset.files)
// and the exact byte span of the record within it. Entries are built once at
// construction and never exposed outside the package.
type entry struct {
	id     string
	file   int
	offset int64
	length int64
}

type options struct {
	metaCache bool
}

// Option is a func that modifies the dataset's configuration options.
type Option func(*options)

// MetadataCache makes the first Query scan retain the scalar metadata of
// every record, so later queries match against memory and re-read only the
// records they return. Off by default; purely a performance option, matching
// semantics are unchanged.
func MetadataCache() Option {
	return func(opts *options) {
		opts.metaCache = true
	}
}

// Dataset is the on-demand backend. It implements the mzdex.Dataset
// interface. A Dataset is not safe for concurrent use: reads mutate the
// cached file handle. Use one instance per goroutine or serialize calls.
type Dataset struct {
	log *logrus.Logger

	files   []string
	entries []entry
	byID    map[string]int

	handle handleCache

	cacheMeta bool
	// meta holds scalar-only record copies once a query scan has populated
	// them; nil until then.
	meta []*spectrum.Record
}

// Open builds the index with a single linear scan per source file and
// returns the dataset. No peak data is materialized. Construction fails with
// mzdex.ErrParse on an undelimitable record and mzdex.ErrDuplicateID on a
// repeated id, within or across files.
func Open(log *logrus.Logger, paths []string, opts ...Option) (*Dataset, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	d := &Dataset{
		log:       log,
		byID:      make(map[string]int),
		cacheMeta: cfg.metaCache,
	}

	for _, path := range paths {
		if err := d.scan(path); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Dataset) scan(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "could not open source file: %s", path)
	}
	defer f.Close()

	file := len(d.files)
	d.files = append(d.files, path)

	s := mgf.NewScanner(f)

	n := 0
	for {
		span, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "could not index %s", path)
		}

		if _, ok := d.byID[span.ID]; ok {
			return errors.Wrapf(mzdex.ErrDuplicateID, "id %q in %s", span.ID, path)
		}

		d.byID[span.ID] = len(d.entries)
		d.entries = append(d.entries, entry{
			id:     span.ID,
			file:   file,
			offset: span.Offset,
			length: span.Length,
		})
		n++
	}

	d.log.Debugf("indexed %v records in %v", n, path)

	return nil
}

// Get re-reads and re-parses the record at position i.
func (d *Dataset) Get(i int) (*spectrum.Record, error) {
	if i < 0 || i >= len(d.entries) {
		return nil, errors.Wrapf(mzdex.ErrOutOfRange, "index %v, length %v", i, len(d.entries))
	}

	return d.read(d.entries[i])
}

// GetByID re-reads and re-parses the record with the given id.
func (d *Dataset) GetByID(id string) (*spectrum.Record, error) {
	i, ok := d.byID[id]
	if !ok {
		return nil, errors.Wrapf(mzdex.ErrNotFound, "id %q", id)
	}

	return d.read(d.entries[i])
}

// Len returns the number of indexed records.
func (d *Dataset) Len() int {
	return len(d.entries)
}

// Batch returns the records at the given positions, in input order.
// Sequential index runs read from the cached handle without reopening;
// that is a performance property, correctness does not depend on it.
func (d *Dataset) Batch(indices []int) ([]*spectrum.Record, error) {
	out := make([]*spectrum.Record, 0, len(indices))

	for _, i := range indices {
		rec, err := d.Get(i)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// Query scans the whole dataset: without a metadata cache every record is
// re-read and matched, which costs O(n) span reads per call by design.
func (d *Dataset) Query(filters ...mzdex.Filter) ([]*spectrum.Record, error) {
	if err := mzdex.ValidateFilters(filters); err != nil {
		return nil, err
	}

	if d.meta != nil {
		return d.queryCached(filters)
	}

	var cache []*spectrum.Record
	if d.cacheMeta {
		cache = make([]*spectrum.Record, 0, len(d.entries))
	}

	var out []*spectrum.Record
	for _, e := range d.entries {
		rec, err := d.read(e)
		if err != nil {
			return nil, err
		}

		if d.cacheMeta {
			cache = append(cache, scalarsOnly(rec))
		}

		if mzdex.MatchesAll(rec, filters) {
			out = append(out, rec)
		}
	}

	if d.cacheMeta {
		d.meta = cache
		d.log.Debugf("populated metadata cache with %v entries", len(cache))
	}

	return out, nil
}

// queryCached matches against the scalar cache and re-reads only the
// matching records, preserving ingestion order.
func (d *Dataset) queryCached(filters []mzdex.Filter) ([]*spectrum.Record, error) {
	var out []*spectrum.Record

	for i, m := range d.meta {
		if !mzdex.MatchesAll(m, filters) {
			continue
		}

		rec, err := d.read(d.entries[i])
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// Close releases the cached file handle.
func (d *Dataset) Close() error {
	return d.handle.Close()
}

// read extracts the entry's exact byte span from its source and re-parses it
// with the construction-time decoder. The source is assumed immutable after
// indexing; any read failure is a storage error, not something to repair.
func (d *Dataset) read(e entry) (*spectrum.Record, error) {
	f, err := d.handle.acquire(d.files[e.file])
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "%v", err)
	}

	buf := make([]byte, e.length)
	if _, err := f.ReadAt(buf, e.offset); err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "could not read span at %v+%v in %s: %v", e.offset, e.length, d.files[e.file], err)
	}

	rec, err := mgf.ParseRecord(buf)
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "could not re-parse span at %v+%v in %s: %v", e.offset, e.length, d.files[e.file], err)
	}

	return rec, nil
}

// scalarsOnly copies a record without its peak arrays for the query cache.
func scalarsOnly(rec *spectrum.Record) *spectrum.Record {
	return &spectrum.Record{
		ID:                 rec.ID,
		PrecursorMZ:        rec.PrecursorMZ,
		PrecursorIntensity: rec.PrecursorIntensity,
		Charge:             rec.Charge,
		RetentionTime:      rec.RetentionTime,
		Params:             rec.Params,
	}
}
