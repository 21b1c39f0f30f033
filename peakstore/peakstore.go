// Package peakstore wraps the mebo numeric blob format as the spectra array
// store: m/z and intensity arrays keyed by spectrum id, held in chunked
// blobs inside a single file. The blob codec is treated as a black box;
// this package owns the chunking, the file framing and the key scheme.
//
// The file is a concatenation of length-prefixed frames, <size><blob-bytes>
// with size a little-endian uint32, one frame per chunk of consecutive
// spectra. Each spectrum contributes two metrics to its chunk's blob, one
// for each peak array, keyed by an xxhash of the spectrum id. Chunking keeps
// every blob well under mebo's per-blob metric limit and gives sequential
// readers one decode per chunk.
package peakstore

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/arloliu/mebo"
	meboblob "github.com/arloliu/mebo/blob"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mzdex/mzdex"
)

const (
	// defaultChunkSize is the number of spectra per chunk. Two metrics per
	// spectrum keeps a chunk far below the 65536 metrics a blob can hold.
	defaultChunkSize = 2048

	// maxPeaks is the largest peak array one blob metric can hold.
	maxPeaks = 65535
)

// metricID derives the blob key for one peak array of one spectrum.
func metricID(id, kind string) uint64 {
	return xxhash.Sum64String(id + "\x00" + kind)
}

type options struct {
	chunkSize int
}

// Option is a func that modifies the store's configuration options.
type Option func(*options)

// ChunkSize overrides the number of spectra stored per chunk.
func ChunkSize(n int) Option {
	return func(opts *options) {
		opts.chunkSize = n
	}
}

// Writer appends spectra peak arrays during construction. Spectra land in
// the current chunk in append order; Close flushes the final chunk. Writers
// are not safe for concurrent use.
type Writer struct {
	log *logrus.Logger

	f         *os.File
	chunkSize int

	enc     *meboblob.NumericEncoder
	chunk   int
	inChunk int
	metrics int
}

// NewWriter creates the array store file at path, truncating any previous
// content.
func NewWriter(log *logrus.Logger, path string, opts ...Option) (*Writer, error) {
	cfg := &options{
		chunkSize: defaultChunkSize,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create array store file: %s", path)
	}

	return &Writer{
		log:       log,
		f:         f,
		chunkSize: cfg.chunkSize,
	}, nil
}

// Append stores the peak arrays for one spectrum and returns the chunk the
// spectrum landed in, the key a metadata row records next to the id.
// Zero-length arrays occupy no blob space; the chunk key remains valid.
func (w *Writer) Append(id string, mz, intensity []float64) (int, error) {
	if len(mz) != len(intensity) {
		return 0, errors.Wrapf(mzdex.ErrParse, "peak array length mismatch for id %q", id)
	}
	if len(mz) > maxPeaks {
		return 0, errors.Wrapf(mzdex.ErrParse, "id %q has %v peaks, store limit is %v", id, len(mz), maxPeaks)
	}

	if w.inChunk == w.chunkSize {
		if err := w.flush(); err != nil {
			return 0, err
		}
	}

	chunk := w.chunk
	w.inChunk++

	if len(mz) == 0 {
		return chunk, nil
	}

	if w.enc == nil {
		enc, err := mebo.NewDefaultNumericEncoder(time.Now())
		if err != nil {
			return 0, errors.Wrap(err, "could not create blob encoder")
		}
		w.enc = enc
	}

	if err := w.encodeMetric(metricID(id, "mz"), mz); err != nil {
		return 0, errors.Wrapf(err, "could not encode m/z array for id %q", id)
	}
	if err := w.encodeMetric(metricID(id, "int"), intensity); err != nil {
		return 0, errors.Wrapf(err, "could not encode intensity array for id %q", id)
	}

	return chunk, nil
}

func (w *Writer) encodeMetric(metric uint64, values []float64) error {
	if err := w.enc.StartMetricID(metric, len(values)); err != nil {
		return err
	}

	for i, v := range values {
		if err := w.enc.AddDataPoint(int64(i), v, ""); err != nil {
			return err
		}
	}

	if err := w.enc.EndMetric(); err != nil {
		return err
	}

	w.metrics++

	return nil
}

// flush finishes the current chunk's blob and writes its frame. A chunk
// whose spectra all had empty arrays writes a zero-length frame so chunk
// numbering stays aligned with the metadata rows.
func (w *Writer) flush() error {
	var data []byte

	if w.metrics > 0 {
		var err error
		data, err = w.enc.Finish()
		if err != nil {
			return errors.Wrapf(err, "could not finish blob for chunk %v", w.chunk)
		}
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))

	if _, err := w.f.Write(size[:]); err != nil {
		return errors.Wrapf(err, "could not write frame header for chunk %v", w.chunk)
	}
	if len(data) > 0 {
		if _, err := w.f.Write(data); err != nil {
			return errors.Wrapf(err, "could not write frame for chunk %v", w.chunk)
		}
	}

	w.log.Debugf("flushed chunk %v: %v spectra, %v bytes", w.chunk, w.inChunk, len(data))

	w.chunk++
	w.inChunk = 0
	w.metrics = 0
	w.enc = nil

	return nil
}

// Close flushes the final chunk and closes the file.
func (w *Writer) Close() error {
	if w.inChunk > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}

	return w.f.Close()
}

// frame locates one chunk's blob inside the store file.
type frame struct {
	offset int64
	size   uint32
}

// Reader serves peak arrays by (chunk, id). It keeps the most recently
// decoded chunk in a capacity-one cache, evicting on switch, so monotone
// access patterns decode each chunk once. Readers are not safe for
// concurrent use.
type Reader struct {
	log *logrus.Logger

	f      *os.File
	frames []frame

	// capacity-one decoded chunk cache
	cachedChunk int
	cached      *meboblob.NumericBlob
}

// Open opens a store file written by Writer, scanning the frame headers to
// locate every chunk.
func Open(log *logrus.Logger, path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open array store file: %s", path)
	}

	r := &Reader{
		log:         log,
		f:           f,
		cachedChunk: -1,
	}

	var offset int64
	for {
		var size [4]byte
		_, err := f.ReadAt(size[:], offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "could not read frame header at offset %v in %s", offset, path)
		}

		n := binary.LittleEndian.Uint32(size[:])
		r.frames = append(r.frames, frame{offset: offset + 4, size: n})
		offset += 4 + int64(n)
	}

	log.Debugf("opened array store %v with %v chunks", path, len(r.frames))

	return r, nil
}

// Chunks returns the number of chunks in the store.
func (r *Reader) Chunks() int {
	return len(r.frames)
}

// Arrays returns the m/z and intensity arrays for the spectrum with the
// given id in the given chunk. numPeaks is the expected array length from
// the metadata row: zero means the arrays are legitimately empty, anything
// else makes a missing payload a fatal store inconsistency.
func (r *Reader) Arrays(chunk int, id string, numPeaks int) ([]float64, []float64, error) {
	if numPeaks == 0 {
		return []float64{}, []float64{}, nil
	}

	if chunk < 0 || chunk >= len(r.frames) {
		return nil, nil, errors.Wrapf(mzdex.ErrStorage, "chunk %v does not exist", chunk)
	}

	b, err := r.load(chunk)
	if err != nil {
		return nil, nil, err
	}

	mz, err := r.values(b, chunk, id, "mz", numPeaks)
	if err != nil {
		return nil, nil, err
	}

	intensity, err := r.values(b, chunk, id, "int", numPeaks)
	if err != nil {
		return nil, nil, err
	}

	return mz, intensity, nil
}

func (r *Reader) values(b *meboblob.NumericBlob, chunk int, id, kind string, numPeaks int) ([]float64, error) {
	metric := metricID(id, kind)
	if !b.HasMetricID(metric) {
		return nil, errors.Wrapf(mzdex.ErrStorage, "array payload for id %q missing from chunk %v", id, chunk)
	}

	values := make([]float64, 0, numPeaks)
	for v := range b.AllValues(metric) {
		values = append(values, v)
	}

	if len(values) != numPeaks {
		return nil, errors.Wrapf(mzdex.ErrStorage, "array payload for id %q in chunk %v has %v values, metadata says %v", id, chunk, len(values), numPeaks)
	}

	return values, nil
}

// load returns the decoded blob for chunk, reusing the cached one when the
// chunk is already decoded.
func (r *Reader) load(chunk int) (*meboblob.NumericBlob, error) {
	if r.cached != nil && r.cachedChunk == chunk {
		return r.cached, nil
	}

	fr := r.frames[chunk]
	if fr.size == 0 {
		return nil, errors.Wrapf(mzdex.ErrStorage, "chunk %v holds no payloads", chunk)
	}

	data := make([]byte, fr.size)
	if _, err := r.f.ReadAt(data, fr.offset); err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "could not read chunk %v: %v", chunk, err)
	}

	dec, err := mebo.NewNumericDecoder(data)
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "could not decode chunk %v: %v", chunk, err)
	}

	b, err := dec.Decode()
	if err != nil {
		return nil, errors.Wrapf(mzdex.ErrStorage, "could not decode chunk %v: %v", chunk, err)
	}

	r.cachedChunk = chunk
	r.cached = &b

	return &b, nil
}

// Close releases the store file handle.
func (r *Reader) Close() error {
	r.cached = nil

	return r.f.Close()
}
