// Package spectrum defines the immutable value type for one MS/MS spectrum:
// its identifier, precursor metadata and peak arrays.
package spectrum

import (
	"math"

	"github.com/pkg/errors"
)

// Record holds one spectrum. Records are created by the mgf decoder during
// dataset construction and are never mutated afterwards.
type Record struct {
	// ID is the record identifier (the MGF TITLE), unique within a dataset.
	ID string
	// PrecursorMZ is the precursor mass-to-charge ratio (first PEPMASS field).
	PrecursorMZ float64
	// PrecursorIntensity is the optional second PEPMASS field, NaN when absent.
	PrecursorIntensity float64
	// Charge is the precursor charge. 0 means unknown; "3-" parses to -3.
	Charge int
	// RetentionTime is RTINSECONDS, NaN when absent.
	RetentionTime float64
	// MZ holds the peak m/z values in source order. The source format keeps
	// them non-decreasing; that is not re-validated here.
	MZ []float64
	// Intensity holds the peak intensities, one per MZ entry.
	Intensity []float64
	// Params carries any remaining scalar MGF params unchanged, keyed by
	// lowercased param name.
	Params map[string]string
}

// Validate checks the construction-time invariants of a decoded record.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("record has no TITLE")
	}
	if len(r.MZ) != len(r.Intensity) {
		return errors.Errorf("peak array length mismatch: %d m/z values, %d intensities", len(r.MZ), len(r.Intensity))
	}
	return nil
}

// NumPeaks returns the number of peaks in the record.
func (r *Record) NumPeaks() int {
	return len(r.MZ)
}

// HasRetentionTime reports whether the record carries a retention time.
func (r *Record) HasRetentionTime() bool {
	return !math.IsNaN(r.RetentionTime)
}
