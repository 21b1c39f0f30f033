package ondemand

import (
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mzdex/mzdex"
)

// ErrStaleIndex indicates a persisted index whose source files changed size
// or modification time since the index was built. A stale snapshot is never
// partially usable; rebuild with Open.
var ErrStaleIndex = errors.New("index snapshot is stale")

// snapshot is the persisted form of the index: an ordered table of
// (id, source, offset, length) tuples plus the source fingerprints used for
// invalidation.
type snapshot struct {
	Sources []snapSource `json:"sources"`
	Entries []snapEntry  `json:"entries"`
}

type snapSource struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

type snapEntry struct {
	ID     string `json:"id"`
	File   int    `json:"file"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// SaveIndex persists the index table to path as s2-compressed JSON, so a
// later LoadIndex can skip the construction scan entirely.
func (d *Dataset) SaveIndex(path string) error {
	snap := snapshot{
		Sources: make([]snapSource, 0, len(d.files)),
		Entries: make([]snapEntry, 0, len(d.entries)),
	}

	for _, file := range d.files {
		info, err := os.Stat(file)
		if err != nil {
			return errors.Wrapf(err, "could not stat source file: %s", file)
		}

		snap.Sources = append(snap.Sources, snapSource{
			Path:    file,
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}

	for _, e := range d.entries {
		snap.Entries = append(snap.Entries, snapEntry{
			ID:     e.id,
			File:   e.file,
			Offset: e.offset,
			Length: e.length,
		})
	}

	data, err := gojson.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "could not marshal index snapshot")
	}

	if err := os.WriteFile(path, s2.Encode(nil, data), 0644); err != nil {
		return errors.Wrapf(err, "could not write index snapshot: %s", path)
	}

	d.log.Debugf("saved index snapshot with %v entries to %v", len(d.entries), path)

	return nil
}

// LoadIndex restores a dataset from a snapshot written by SaveIndex. Each
// source file's size and modification time must match the snapshot; any
// drift fails with ErrStaleIndex and the caller rebuilds with Open.
func LoadIndex(log *logrus.Logger, path string, opts ...Option) (*Dataset, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read index snapshot: %s", path)
	}

	data, err := s2.Decode(nil, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decompress index snapshot: %s", path)
	}

	var snap snapshot
	if err := gojson.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "could not unmarshal index snapshot: %s", path)
	}

	d := &Dataset{
		log:       log,
		files:     make([]string, 0, len(snap.Sources)),
		entries:   make([]entry, 0, len(snap.Entries)),
		byID:      make(map[string]int, len(snap.Entries)),
		cacheMeta: cfg.metaCache,
	}

	for _, src := range snap.Sources {
		info, err := os.Stat(src.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "could not stat source file: %s", src.Path)
		}

		if info.Size() != src.Size || info.ModTime().UnixNano() != src.ModTime {
			return nil, errors.Wrapf(ErrStaleIndex, "source %s changed since the snapshot was written", src.Path)
		}

		d.files = append(d.files, src.Path)
	}

	for _, se := range snap.Entries {
		if se.File < 0 || se.File >= len(d.files) {
			return nil, errors.Wrapf(mzdex.ErrStorage, "snapshot entry %q references unknown source %v", se.ID, se.File)
		}

		if _, ok := d.byID[se.ID]; ok {
			return nil, errors.Wrapf(mzdex.ErrDuplicateID, "id %q in snapshot", se.ID)
		}

		d.byID[se.ID] = len(d.entries)
		d.entries = append(d.entries, entry{
			id:     se.ID,
			file:   se.File,
			offset: se.Offset,
			length: se.Length,
		})
	}

	log.Debugf("restored index snapshot with %v entries from %v", len(d.entries), path)

	return d, nil
}
