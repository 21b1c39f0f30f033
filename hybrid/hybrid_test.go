package hybrid

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mzdex/mzdex"
)

const sample = `BEGIN IONS
TITLE=A
PEPMASS=445.12 12345.6
CHARGE=2+
RTINSECONDS=102.5
SCANS=1
100.1 200.2
101.5 300.75
END IONS
BEGIN IONS
TITLE=B
PEPMASS=512.3
CHARGE=3+
110.0 10.0
END IONS
BEGIN IONS
TITLE=C
PEPMASS=623.77
CHARGE=2+
RTINSECONDS=300.1
120.0 1.5
END IONS
BEGIN IONS
TITLE=D
PEPMASS=700.0
CHARGE=2+
END IONS
`

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func writeMGF(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func buildSample(t *testing.T, opts ...Option) (*Dataset, string) {
	t.Helper()

	dir := t.TempDir()
	src := writeMGF(t, dir, "sample.mgf", sample)

	d, err := Build(newTestLogger(), filepath.Join(dir, "store"), []string{src}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	return d, filepath.Join(dir, "store")
}

// both storage configurations must behave identically through the contract
func configs(t *testing.T, fn func(t *testing.T, d *Dataset)) {
	t.Run("separate arrays", func(t *testing.T) {
		d, _ := buildSample(t)
		fn(t, d)
	})
	t.Run("embedded arrays", func(t *testing.T) {
		d, _ := buildSample(t, EmbedArrays())
		fn(t, d)
	})
}

func TestGet(t *testing.T) {
	configs(t, func(t *testing.T, d *Dataset) {
		require.Equal(t, 4, d.Len())

		rec, err := d.Get(0)
		require.NoError(t, err)
		require.Equal(t, "A", rec.ID)
		require.Equal(t, 445.12, rec.PrecursorMZ)
		require.Equal(t, 12345.6, rec.PrecursorIntensity)
		require.Equal(t, 2, rec.Charge)
		require.Equal(t, 102.5, rec.RetentionTime)
		require.Equal(t, []float64{100.1, 101.5}, rec.MZ)
		require.Equal(t, []float64{200.2, 300.75}, rec.Intensity)
		require.Equal(t, map[string]string{"scans": "1"}, rec.Params)

		// a record with an empty peak list round-trips as empty, not missing
		rec, err = d.Get(3)
		require.NoError(t, err)
		require.Equal(t, "D", rec.ID)
		require.Equal(t, 0, rec.NumPeaks())

		_, err = d.Get(-1)
		require.ErrorIs(t, err, mzdex.ErrOutOfRange)
		_, err = d.Get(4)
		require.ErrorIs(t, err, mzdex.ErrOutOfRange)
	})
}

func TestGetByID(t *testing.T) {
	configs(t, func(t *testing.T, d *Dataset) {
		rec, err := d.GetByID("B")
		require.NoError(t, err)
		require.Equal(t, 3, rec.Charge)
		require.Equal(t, []float64{110.0}, rec.MZ)

		_, err = d.GetByID("nope")
		require.ErrorIs(t, err, mzdex.ErrNotFound)
	})
}

func TestBatchPreservesInputOrder(t *testing.T) {
	configs(t, func(t *testing.T, d *Dataset) {
		recs, err := d.Batch([]int{3, 1, 2, 1})
		require.NoError(t, err)
		require.Len(t, recs, 4)
		require.Equal(t, "D", recs[0].ID)
		require.Equal(t, "B", recs[1].ID)
		require.Equal(t, "C", recs[2].ID)
		require.Equal(t, "B", recs[3].ID)

		_, err = d.Batch([]int{0, 9})
		require.ErrorIs(t, err, mzdex.ErrOutOfRange)

		recs, err = d.Batch(nil)
		require.NoError(t, err)
		require.Empty(t, recs)
	})
}

func TestQueryIngestionOrder(t *testing.T) {
	configs(t, func(t *testing.T, d *Dataset) {
		recs, err := d.Query(mzdex.Eq(mzdex.FieldCharge, 2), mzdex.Lt(mzdex.FieldPrecursorMZ, 650.0))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, "A", recs[0].ID)
		require.Equal(t, "C", recs[1].ID)
		// full records, arrays joined back in
		require.Equal(t, []float64{100.1, 101.5}, recs[0].MZ)
		require.Equal(t, []float64{120.0}, recs[1].MZ)

		// absent retention_time never matches a comparison
		recs, err = d.Query(mzdex.Gt(mzdex.FieldRetentionTime, 0.0))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, "A", recs[0].ID)
		require.Equal(t, "C", recs[1].ID)

		_, err = d.Query(mzdex.Eq("num_peaks", 1))
		require.Error(t, err)
	})
}

func TestOpenExistingStore(t *testing.T) {
	_, dir := buildSample(t)

	d, err := Open(newTestLogger(), dir)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 4, d.Len())

	rec, err := d.GetByID("C")
	require.NoError(t, err)
	require.Equal(t, []float64{120.0}, rec.MZ)
}

func TestBuildDuplicateIDLeavesNoStore(t *testing.T) {
	dir := t.TempDir()
	src := writeMGF(t, dir, "dup.mgf",
		"BEGIN IONS\nTITLE=A\nPEPMASS=1.0\n1.0 1.0\nEND IONS\nBEGIN IONS\nTITLE=A\nPEPMASS=2.0\n2.0 2.0\nEND IONS\n")
	store := filepath.Join(dir, "store")

	d, err := Build(newTestLogger(), store, []string{src})
	require.ErrorIs(t, err, mzdex.ErrDuplicateID)
	require.Nil(t, d)

	// failed construction leaves neither store files nor temp files behind
	requireNoStore(t, store)
}

func requireNoStore(t *testing.T, store string) {
	t.Helper()

	for _, name := range []string{metaFile, peaksFile} {
		_, err := os.Stat(filepath.Join(store, name))
		require.True(t, os.IsNotExist(err), "unexpected store file %v", name)
	}

	tmp, err := filepath.Glob(filepath.Join(store, "*.tmp"))
	require.NoError(t, err)
	require.Empty(t, tmp)
}

func TestBuildParseFailureLeavesNoStore(t *testing.T) {
	dir := t.TempDir()
	src := writeMGF(t, dir, "bad.mgf", "BEGIN IONS\nTITLE=A\nPEPMASS=1.0\n1.0 1.0\n")
	store := filepath.Join(dir, "store")

	d, err := Build(newTestLogger(), store, []string{src})
	require.ErrorIs(t, err, mzdex.ErrParse)
	require.Nil(t, d)

	requireNoStore(t, store)
}

func TestBuildDuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	first := writeMGF(t, dir, "first.mgf", sample)
	second := writeMGF(t, dir, "second.mgf", "BEGIN IONS\nTITLE=C\nPEPMASS=1.0\n1.0 1.0\nEND IONS\n")

	_, err := Build(newTestLogger(), filepath.Join(dir, "store"), []string{first, second})
	require.ErrorIs(t, err, mzdex.ErrDuplicateID)
}

func TestBuildSmallChunksAndBatches(t *testing.T) {
	dir := t.TempDir()
	src := writeMGF(t, dir, "sample.mgf", sample)

	d, err := Build(newTestLogger(), filepath.Join(dir, "store"), []string{src},
		ChunkSize(1), BatchSize(2))
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 4, d.Len())

	// batch reads spanning several one-spectrum chunks
	recs, err := d.Batch([]int{2, 0, 3, 1})
	require.NoError(t, err)
	require.Equal(t, "C", recs[0].ID)
	require.Equal(t, "A", recs[1].ID)
	require.Equal(t, "D", recs[2].ID)
	require.Equal(t, "B", recs[3].ID)
	require.Equal(t, []float64{100.1, 101.5}, recs[1].MZ)
}

func TestOpenMissingArrayStore(t *testing.T) {
	_, dir := buildSample(t)

	require.NoError(t, os.Remove(filepath.Join(dir, peaksFile)))

	_, err := Open(newTestLogger(), dir)
	require.Error(t, err)
}

func TestEmbeddedStoreHasSingleFile(t *testing.T) {
	_, dir := buildSample(t, EmbedArrays())

	_, err := os.Stat(filepath.Join(dir, metaFile))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, peaksFile))
	require.True(t, os.IsNotExist(err))
}
