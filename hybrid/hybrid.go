// Package hybrid implements the two-store spectra backend: scalar metadata
// in a SQL metadata store, peak arrays in a keyed array store, composed
// behind the dataset contract. Predicate queries run against the metadata
// store; array payloads are fetched by key and joined back in ingestion
// order.
//
// Two storage configurations exist, fixed when the dataset is built: the
// default keeps arrays in a separate chunked blob file next to the metadata
// store, the EmbedArrays option folds them into BLOB columns of the
// metadata store itself so one connection serves both halves of a read.
package hybrid

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mzdex/mzdex"
	"github.com/mzdex/mzdex/metastore"
	"github.com/mzdex/mzdex/peakstore"
	"github.com/mzdex/mzdex/spectrum"
)

const (
	metaFile  = "spectra.db"
	peaksFile = "peaks.blob"
)

// Dataset is the hybrid backend. It implements the mzdex.Dataset interface.
// Concurrent use is bounded by the underlying stores' guarantees.
type Dataset struct {
	log *logrus.Logger

	meta *metastore.Store
	// peaks is nil when the metadata store embeds the arrays.
	peaks *peakstore.Reader
}

// Open opens a previously built dataset directory.
func Open(log *logrus.Logger, dir string) (*Dataset, error) {
	meta, err := metastore.Open(log, filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}

	d := &Dataset{
		log:  log,
		meta: meta,
	}

	if !meta.EmbedsArrays() {
		path := filepath.Join(dir, peaksFile)
		if _, err := os.Stat(path); err != nil {
			meta.Close()
			return nil, errors.Wrapf(err, "metadata store references a missing array store: %s", path)
		}

		d.peaks, err = peakstore.Open(log, path)
		if err != nil {
			meta.Close()
			return nil, err
		}

		log.Debugf("opened hybrid dataset: %v records, %v array chunks", meta.Count(), d.peaks.Chunks())
	}

	return d, nil
}

// Get returns the record at position i: one primary-key row fetch plus one
// array fetch, joined into a record.
func (d *Dataset) Get(i int) (*spectrum.Record, error) {
	if i < 0 || i >= d.meta.Count() {
		return nil, errors.Wrapf(mzdex.ErrOutOfRange, "index %v, length %v", i, d.meta.Count())
	}

	row, err := d.meta.RowAt(i)
	if err != nil {
		return nil, err
	}

	return d.join(row)
}

// GetByID returns the record with the given id.
func (d *Dataset) GetByID(id string) (*spectrum.Record, error) {
	row, err := d.meta.RowByID(id)
	if err != nil {
		return nil, err
	}

	return d.join(row)
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return d.meta.Count()
}

// Batch fetches all rows in one metadata round trip, fetches the arrays for
// the unique positions in ascending order (one chunk decode per chunk), and
// zips the records back into input order.
func (d *Dataset) Batch(indices []int) ([]*spectrum.Record, error) {
	n := d.meta.Count()
	for _, i := range indices {
		if i < 0 || i >= n {
			return nil, errors.Wrapf(mzdex.ErrOutOfRange, "index %v, length %v", i, n)
		}
	}

	rows, err := d.meta.RowsAt(indices)
	if err != nil {
		return nil, err
	}

	recs, err := d.joinAll(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*spectrum.Record, len(indices))
	for pos, i := range indices {
		out[pos] = recs[i]
	}

	return out, nil
}

// Query runs the predicate as a single metadata query ordered by the
// primary key, then bulk-fetches arrays for exactly the matched rows.
func (d *Dataset) Query(filters ...mzdex.Filter) ([]*spectrum.Record, error) {
	rows, err := d.meta.QueryRows(filters)
	if err != nil {
		return nil, err
	}

	out := make([]*spectrum.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := d.join(row)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// Close closes both stores.
func (d *Dataset) Close() error {
	err := d.meta.Close()

	if d.peaks != nil {
		if perr := d.peaks.Close(); err == nil {
			err = perr
		}
	}

	return err
}

// join completes a metadata row into a full record, pulling the arrays from
// the array store unless the row already carries them. A row whose metadata
// promises peaks but whose payload is gone is a fatal inconsistency, not a
// recoverable null.
func (d *Dataset) join(row *metastore.Row) (*spectrum.Record, error) {
	mz, intensity := row.MZ, row.Intensity

	if d.peaks != nil {
		var err error
		mz, intensity, err = d.peaks.Arrays(row.Chunk, row.ID, row.NumPeaks)
		if err != nil {
			return nil, err
		}
	}

	return &spectrum.Record{
		ID:                 row.ID,
		PrecursorMZ:        row.PrecursorMZ,
		PrecursorIntensity: row.PrecursorIntensity,
		Charge:             row.Charge,
		RetentionTime:      row.RetentionTime,
		MZ:                 mz,
		Intensity:          intensity,
		Params:             row.Params,
	}, nil
}

// joinAll joins a batch of rows in ascending position order so the array
// store's chunk cache sees a monotone access pattern.
func (d *Dataset) joinAll(rows map[int]*metastore.Row) (map[int]*spectrum.Record, error) {
	order := make([]int, 0, len(rows))
	for i := range rows {
		order = append(order, i)
	}
	sort.Ints(order)

	out := make(map[int]*spectrum.Record, len(rows))
	for _, i := range order {
		rec, err := d.join(rows[i])
		if err != nil {
			return nil, err
		}

		out[i] = rec
	}

	return out, nil
}
