// Package inmem implements the resident spectra backend: the whole source is
// parsed once at construction and every record is held in memory. Reads are
// direct container operations with no I/O. Memory footprint is proportional
// to the total record size; there is no internal guard against exhausting it.
package inmem

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mzdex/mzdex"
	"github.com/mzdex/mzdex/mgf"
	"github.com/mzdex/mzdex/spectrum"
)

// Dataset holds all records of one or more MGF sources in ingestion order.
// It implements the mzdex.Dataset interface.
type Dataset struct {
	records []*spectrum.Record
	byID    map[string]int
}

// Open parses each source file exactly once and returns the fully populated
// dataset. It fails with mzdex.ErrParse on a malformed record and with
// mzdex.ErrDuplicateID when an id repeats, within or across files; on
// failure no dataset is returned.
func Open(log *logrus.Logger, paths []string) (*Dataset, error) {
	d := &Dataset{
		byID: make(map[string]int),
	}

	for _, path := range paths {
		if err := d.load(path); err != nil {
			return nil, err
		}

		log.Debugf("loaded %v records after parsing %v", len(d.records), path)
	}

	return d, nil
}

func (d *Dataset) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "could not open source file: %s", path)
	}
	defer f.Close()

	r := mgf.NewReader(f)

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "could not parse %s", path)
		}

		if _, ok := d.byID[rec.ID]; ok {
			return errors.Wrapf(mzdex.ErrDuplicateID, "id %q in %s", rec.ID, path)
		}

		d.byID[rec.ID] = len(d.records)
		d.records = append(d.records, rec)
	}
}

// Get returns the record at position i.
func (d *Dataset) Get(i int) (*spectrum.Record, error) {
	if i < 0 || i >= len(d.records) {
		return nil, errors.Wrapf(mzdex.ErrOutOfRange, "index %v, length %v", i, len(d.records))
	}

	return d.records[i], nil
}

// GetByID returns the record with the given id.
func (d *Dataset) GetByID(id string) (*spectrum.Record, error) {
	i, ok := d.byID[id]
	if !ok {
		return nil, errors.Wrapf(mzdex.ErrNotFound, "id %q", id)
	}

	return d.records[i], nil
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.records)
}

// Batch returns the records at the given positions, in input order.
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

// Query returns the records matching all filters, in ingestion order.
func (d *Dataset) Query(filters ...mzdex.Filter) ([]*spectrum.Record, error) {
	if err := mzdex.ValidateFilters(filters); err != nil {
		return nil, err
	}

	var out []*spectrum.Record
	for _, rec := range d.records {
		if mzdex.MatchesAll(rec, filters) {
			out = append(out, rec)
		}
	}

	return out, nil
}

// Close implements io.Closer. The resident backend holds no resources.
func (d *Dataset) Close() error {
	return nil
}
