// Package mzdex provides uniform read access to collections of MS/MS spectra
// stored in MGF files, across several storage strategies that trade memory,
// load time and read latency differently.
//
// A Dataset is constructed once from one or more source files and is
// read-only afterwards. Three implementations are provided:
//
//   - inmem: parses everything up front and keeps all records resident.
//   - ondemand: builds a byte-offset index in a single streaming pass and
//     re-reads exact byte spans per access, holding at most one open file
//     handle at a time.
//   - hybrid: keeps scalar metadata in an embedded SQL store and peak arrays
//     in a keyed numeric blob store, joining the two per read.
package mzdex

import (
	"io"

	"github.com/mzdex/mzdex/spectrum"
)

// Dataset is the interface every spectra storage backend implements.
// A backend can be as simple as a slice of parsed records, or more complex,
// like a pair of coordinated store files. All operations are read-only and
// none of them mutates dataset state after construction.
type Dataset interface {
	// Get returns the record at the 0-based position i in ingestion order.
	// It returns ErrOutOfRange when i is outside [0, Len()).
	Get(i int) (*spectrum.Record, error)
	// GetByID returns the record whose id equals id, or ErrNotFound.
	GetByID(id string) (*spectrum.Record, error)
	// Len returns the total number of records. It is O(1) after construction
	// and constant for the lifetime of the dataset.
	Len() int
	// Batch returns the records for the given positions, in the same order as
	// indices. Indices may be unsorted and may repeat; they are not assumed
	// contiguous. Any position outside [0, Len()) fails the whole call with
	// ErrOutOfRange.
	Batch(indices []int) ([]*spectrum.Record, error)
	// Query returns the records matching the conjunction of filters, in
	// ingestion order. Filters compare scalar metadata fields only; peak
	// arrays are never queryable.
	Query(filters ...Filter) ([]*spectrum.Record, error)
	// Close releases any resources held by the backend (file handles, store
	// connections). The dataset must not be used after Close.
	io.Closer
}
