package metastore

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mzdex/mzdex"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func testRows() []*Row {
	return []*Row{
		{
			Idx: 0, ID: "A", PrecursorMZ: 445.12, PrecursorIntensity: 12345.6,
			Charge: 2, RetentionTime: 102.5, NumPeaks: 2, Chunk: 0,
			Params:    map[string]string{"scans": "1"},
			MZ:        []float64{100.1, 101.5},
			Intensity: []float64{200.2, 300.75},
		},
		{
			Idx: 1, ID: "B", PrecursorMZ: 512.3, PrecursorIntensity: math.NaN(),
			Charge: 3, RetentionTime: math.NaN(), NumPeaks: 1, Chunk: 0,
			MZ:        []float64{110.0},
			Intensity: []float64{10.0},
		},
		{
			Idx: 2, ID: "C", PrecursorMZ: 623.77, PrecursorIntensity: math.NaN(),
			Charge: 2, RetentionTime: 300.1, NumPeaks: 0, Chunk: 1,
		},
	}
}

func createStore(t *testing.T, embed bool) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "spectra.db")

	s, err := Create(newTestLogger(), path, embed)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.InsertRows(testRows()))

	return s, path
}

func requireRowEqual(t *testing.T, want, got *Row, embedded bool) {
	t.Helper()

	require.Equal(t, want.Idx, got.Idx)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.PrecursorMZ, got.PrecursorMZ)
	require.Equal(t, want.Charge, got.Charge)
	require.Equal(t, want.NumPeaks, got.NumPeaks)
	require.Equal(t, want.Chunk, got.Chunk)
	require.Equal(t, want.Params, got.Params)

	if math.IsNaN(want.PrecursorIntensity) {
		require.True(t, math.IsNaN(got.PrecursorIntensity))
	} else {
		require.Equal(t, want.PrecursorIntensity, got.PrecursorIntensity)
	}

	if math.IsNaN(want.RetentionTime) {
		require.True(t, math.IsNaN(got.RetentionTime))
	} else {
		require.Equal(t, want.RetentionTime, got.RetentionTime)
	}

	if embedded {
		require.Equal(t, len(want.MZ), len(got.MZ))
		for i := range want.MZ {
			require.Equal(t, want.MZ[i], got.MZ[i])
			require.Equal(t, want.Intensity[i], got.Intensity[i])
		}
	} else {
		require.Nil(t, got.MZ)
		require.Nil(t, got.Intensity)
	}
}

func TestRowAt(t *testing.T) {
	for _, embed := range []bool{false, true} {
		s, _ := createStore(t, embed)

		require.Equal(t, 3, s.Count())
		require.Equal(t, embed, s.EmbedsArrays())

		for i, want := range testRows() {
			got, err := s.RowAt(i)
			require.NoError(t, err)
			requireRowEqual(t, want, got, embed)
		}

		_, err := s.RowAt(3)
		require.ErrorIs(t, err, mzdex.ErrStorage)
	}
}

func TestRowByID(t *testing.T) {
	s, _ := createStore(t, false)

	got, err := s.RowByID("B")
	require.NoError(t, err)
	require.Equal(t, 1, got.Idx)

	_, err = s.RowByID("nope")
	require.ErrorIs(t, err, mzdex.ErrNotFound)
}

func TestRowsAt(t *testing.T) {
	s, _ := createStore(t, false)

	rows, err := s.RowsAt([]int{2, 0, 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "C", rows[2].ID)
	require.Equal(t, "A", rows[0].ID)

	rows, err = s.RowsAt(nil)
	require.NoError(t, err)
	require.Empty(t, rows)

	// an in-bounds position with no row is an inconsistency
	_, err = s.RowsAt([]int{0, 17})
	require.ErrorIs(t, err, mzdex.ErrStorage)
}

// A bulk fetch with more distinct positions than SQLite allows bound
// variables in one statement must split into several queries, not fail.
func TestRowsAtBeyondBoundVariableLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spectra.db")

	s, err := Create(newTestLogger(), path, false)
	require.NoError(t, err)
	defer s.Close()

	const n = 33000

	batch := make([]*Row, 0, 1000)
	for i := 0; i < n; i++ {
		batch = append(batch, &Row{
			Idx: i, ID: fmt.Sprintf("scan=%d", i), PrecursorMZ: float64(i),
			PrecursorIntensity: math.NaN(), Charge: 2, RetentionTime: math.NaN(),
		})
		if len(batch) == cap(batch) {
			require.NoError(t, s.InsertRows(batch))
			batch = batch[:0]
		}
	}
	require.NoError(t, s.InsertRows(batch))
	require.Equal(t, n, s.Count())

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	rows, err := s.RowsAt(indices)
	require.NoError(t, err)
	require.Len(t, rows, n)

	for _, i := range []int{0, maxBoundParams - 1, maxBoundParams, n - 1} {
		require.Equal(t, fmt.Sprintf("scan=%d", i), rows[i].ID)
		require.Equal(t, float64(i), rows[i].PrecursorMZ)
	}
}

func TestQueryRows(t *testing.T) {
	s, _ := createStore(t, false)

	rows, err := s.QueryRows([]mzdex.Filter{mzdex.Eq(mzdex.FieldCharge, 2)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "A", rows[0].ID)
	require.Equal(t, "C", rows[1].ID)

	rows, err = s.QueryRows([]mzdex.Filter{
		mzdex.Eq(mzdex.FieldCharge, 2),
		mzdex.Gt(mzdex.FieldPrecursorMZ, 500.0),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "C", rows[0].ID)

	rows, err = s.QueryRows(nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	_, err = s.QueryRows([]mzdex.Filter{mzdex.Eq("num_peaks", 1)})
	require.Error(t, err)
}

// A NULL scalar never satisfies a comparison, in either direction, matching
// NaN semantics in the scan-based backends.
func TestQueryRowsNullScalars(t *testing.T) {
	s, _ := createStore(t, false)

	rows, err := s.QueryRows([]mzdex.Filter{mzdex.Gt(mzdex.FieldRetentionTime, 0.0)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "A", rows[0].ID)
	require.Equal(t, "C", rows[1].ID)

	rows, err = s.QueryRows([]mzdex.Filter{mzdex.Lt(mzdex.FieldRetentionTime, 1e12)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestInsertDuplicateID(t *testing.T) {
	s, _ := createStore(t, false)

	err := s.InsertRows([]*Row{{Idx: 3, ID: "A", PrecursorMZ: 1.0}})
	require.ErrorIs(t, err, mzdex.ErrDuplicateID)

	// the failed transaction left nothing behind
	require.Equal(t, 3, s.Count())
	rows, err := s.QueryRows(nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestOpenDetectsSchema(t *testing.T) {
	for _, embed := range []bool{false, true} {
		s, path := createStore(t, embed)
		require.NoError(t, s.Close())

		reopened, err := Open(newTestLogger(), path)
		require.NoError(t, err)
		defer reopened.Close()

		require.Equal(t, embed, reopened.EmbedsArrays())
		require.Equal(t, 3, reopened.Count())

		got, err := reopened.RowAt(0)
		require.NoError(t, err)
		requireRowEqual(t, testRows()[0], got, embed)
	}
}

func TestEmbeddedEmptyArrays(t *testing.T) {
	s, _ := createStore(t, true)

	got, err := s.RowAt(2)
	require.NoError(t, err)
	require.Equal(t, 0, got.NumPeaks)
	require.Empty(t, got.MZ)
	require.Empty(t, got.Intensity)
}
