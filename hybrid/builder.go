package hybrid

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/mzdex/mzdex"
	"github.com/mzdex/mzdex/metastore"
	"github.com/mzdex/mzdex/mgf"
	"github.com/mzdex/mzdex/peakstore"
	"github.com/mzdex/mzdex/spectrum"
)

const defaultBatchSize = 500

type options struct {
	embedArrays bool
	batchSize   int
	chunkSize   int
}

// Option is a func that modifies the build configuration options.
type Option func(*options)

// EmbedArrays stores peak arrays inside the metadata store instead of a
// separate array file. A storage configuration choice fixed at build time,
// not switchable afterwards.
func EmbedArrays() Option {
	return func(opts *options) {
		opts.embedArrays = true
	}
}

// BatchSize overrides the number of metadata rows inserted per transaction.
func BatchSize(n int) Option {
	return func(opts *options) {
		opts.batchSize = n
	}
}

// ChunkSize overrides the number of spectra per array store chunk.
func ChunkSize(n int) Option {
	return func(opts *options) {
		opts.chunkSize = n
	}
}

// Build streams the source files once, populating the metadata store and
// the array store under dir, and returns the opened dataset. The stores are
// written under temporary names and renamed into place only after the whole
// ingest succeeds, so a failed construction leaves no partially built
// dataset behind. Fails with mzdex.ErrParse and mzdex.ErrDuplicateID as the
// other backends do.
func Build(log *logrus.Logger, dir string, paths []string, opts ...Option) (*Dataset, error) {
	cfg := &options{
		batchSize: defaultBatchSize,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get absolute path for dir: %s", dir)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "could not create dir: %s", dir)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "could not get info on dir: %s", dir)
	}

	b, err := newBuilder(log, dir, cfg)
	if err != nil {
		return nil, err
	}

	if err := b.ingest(paths); err != nil {
		b.discard()
		return nil, err
	}

	if err := b.commit(); err != nil {
		b.discard()
		return nil, err
	}

	log.Debugf("built hybrid dataset with %v records in %v", b.count.Load(), dir)

	return Open(log, dir)
}

// builder owns the temporary store files during construction.
type builder struct {
	log *logrus.Logger
	cfg *options
	dir string

	tmpMeta  string
	tmpPeaks string

	meta  *metastore.Store
	peaks *peakstore.Writer

	count *atomic.Int64
}

func newBuilder(log *logrus.Logger, dir string, cfg *options) (*builder, error) {
	b := &builder{
		log:     log,
		cfg:     cfg,
		dir:     dir,
		tmpMeta: filepath.Join(dir, uuid.New().String()+".db.tmp"),
		count:   atomic.NewInt64(0),
	}

	meta, err := metastore.Create(log, b.tmpMeta, cfg.embedArrays)
	if err != nil {
		return nil, err
	}
	b.meta = meta

	if !cfg.embedArrays {
		b.tmpPeaks = filepath.Join(dir, uuid.New().String()+".blob.tmp")

		var popts []peakstore.Option
		if cfg.chunkSize > 0 {
			popts = append(popts, peakstore.ChunkSize(cfg.chunkSize))
		}

		peaks, err := peakstore.NewWriter(log, b.tmpPeaks, popts...)
		if err != nil {
			meta.Close()
			return nil, err
		}
		b.peaks = peaks
	}

	return b, nil
}

// ingest runs a two-stage pipeline: one goroutine parses the sources in
// order, the other appends arrays and inserts metadata rows in batched
// transactions. Parsing overlaps store writes while ingestion order is
// preserved end to end.
func (b *builder) ingest(paths []string) error {
	g, ctx := errgroup.WithContext(context.Background())
	recs := make(chan *spectrum.Record, 256)

	g.Go(func() error {
		defer close(recs)

		for _, path := range paths {
			if err := parseInto(ctx, path, recs); err != nil {
				return err
			}
		}

		return nil
	})

	g.Go(func() error {
		seen := make(map[string]struct{})
		batch := make([]*metastore.Row, 0, b.cfg.batchSize)

		for rec := range recs {
			if _, ok := seen[rec.ID]; ok {
				return errors.Wrapf(mzdex.ErrDuplicateID, "id %q", rec.ID)
			}
			seen[rec.ID] = struct{}{}

			row, err := b.row(rec)
			if err != nil {
				return err
			}

			batch = append(batch, row)
			if len(batch) == b.cfg.batchSize {
				if err := b.meta.InsertRows(batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}

		return b.meta.InsertRows(batch)
	})

	return g.Wait()
}

// row converts a parsed record into its metadata row, appending the peak
// arrays to the array store when one exists.
func (b *builder) row(rec *spectrum.Record) (*metastore.Row, error) {
	idx := int(b.count.Inc()) - 1

	row := &metastore.Row{
		Idx:                idx,
		ID:                 rec.ID,
		PrecursorMZ:        rec.PrecursorMZ,
		PrecursorIntensity: rec.PrecursorIntensity,
		Charge:             rec.Charge,
		RetentionTime:      rec.RetentionTime,
		NumPeaks:           rec.NumPeaks(),
		Params:             rec.Params,
	}

	if b.peaks == nil {
		row.MZ = rec.MZ
		row.Intensity = rec.Intensity

		return row, nil
	}

	chunk, err := b.peaks.Append(rec.ID, rec.MZ, rec.Intensity)
	if err != nil {
		return nil, err
	}
	row.Chunk = chunk

	return row, nil
}

// commit closes the temporary stores and renames them into place.
func (b *builder) commit() error {
	if err := b.meta.Close(); err != nil {
		return errors.Wrap(err, "could not close metadata store")
	}
	b.meta = nil

	if b.peaks != nil {
		if err := b.peaks.Close(); err != nil {
			return errors.Wrap(err, "could not close array store")
		}
		b.peaks = nil
	}

	// arrays first: the metadata store must never appear without its payloads
	if b.tmpPeaks != "" {
		if err := os.Rename(b.tmpPeaks, filepath.Join(b.dir, peaksFile)); err != nil {
			return errors.Wrap(err, "could not move array store into place")
		}
	}

	if err := os.Rename(b.tmpMeta, filepath.Join(b.dir, metaFile)); err != nil {
		return errors.Wrap(err, "could not move metadata store into place")
	}

	return nil
}

// discard removes the temporary store files after a failed construction.
func (b *builder) discard() {
	if b.meta != nil {
		_ = b.meta.Close()
	}
	if b.peaks != nil {
		_ = b.peaks.Close()
	}

	for _, path := range []string{b.tmpMeta, b.tmpPeaks} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.log.Errorf("could not remove temporary store file %v: %v", path, err)
		}
	}
}

// parseInto streams one source file into the pipeline channel.
func parseInto(ctx context.Context, path string, recs chan<- *spectrum.Record) error {
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

		select {
		case recs <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
