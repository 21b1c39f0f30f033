package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mzdex/mzdex"
	"github.com/mzdex/mzdex/config"
	"github.com/mzdex/mzdex/hybrid"
	"github.com/mzdex/mzdex/inmem"
	"github.com/mzdex/mzdex/ondemand"
	"github.com/mzdex/mzdex/spectrum"
)

// env vars for overriding defaults
const (
	backendVar   = "MZDEX_BACKEND"
	dataDirVar   = "MZDEX_DATA_DIR"
	snapshotVar  = "MZDEX_INDEX_SNAPSHOT"
	batchSizeVar = "MZDEX_BATCH_SIZE"
	chunkSizeVar = "MZDEX_CHUNK_SIZE"
	logLevelVar  = "MZDEX_LOG_LEVEL"
)

// backend mode constants
const (
	inmemBackend          = "inmem"
	ondemandBackend       = "ondemand"
	hybridBackend         = "hybrid"
	hybridEmbeddedBackend = "hybrid-embedded"
)

const defaultDir = "./mzdex-data"

func main() {
	var (
		backend = flag.String("backend", "", "dataset backend: inmem, ondemand, hybrid or hybrid-embedded (overrides "+backendVar+")")
		dataDir = flag.String("data", "", "hybrid store directory (overrides "+dataDirVar+")")
		mgfList = flag.String("mgf", "", "comma separated list of MGF source files")
		getIdx  = flag.Int("get", -1, "print the record at this position")
		getID   = flag.String("id", "", "print the record with this id")
		query   = flag.String("query", "", "print records matching a filter, e.g. 'charge == 2'")
	)
	flag.Parse()

	log := newLogger()

	cfg, err := configFromEnv(log)
	if err != nil {
		log.Fatal(err)
	}
	override(cfg, *backend, *dataDir)

	var paths []string
	if *mgfList != "" {
		paths = strings.Split(*mgfList, ",")
	}

	ds, err := openDataset(log, cfg, paths)
	if err != nil {
		log.Fatal(err)
	}
	defer ds.Close()

	switch {
	case *getIdx >= 0:
		rec, err := ds.Get(*getIdx)
		if err != nil {
			log.Fatal(err)
		}
		printRecord(rec)
	case *getID != "":
		rec, err := ds.GetByID(*getID)
		if err != nil {
			log.Fatal(err)
		}
		printRecord(rec)
	case *query != "":
		f, err := mzdex.ParseFilter(*query)
		if err != nil {
			log.Fatal(err)
		}

		recs, err := ds.Query(f)
		if err != nil {
			log.Fatal(err)
		}

		for _, rec := range recs {
			printRecord(rec)
		}
		fmt.Printf("%v of %v records matched\n", len(recs), ds.Len())
	default:
		fmt.Printf("%v records\n", ds.Len())
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()

	if lvl := os.Getenv(logLevelVar); lvl != "" {
		level, err := logrus.ParseLevel(lvl)
		if err != nil {
			log.Fatalf("could not parse log level: %v", err)
		}
		log.SetLevel(level)
	}

	return log
}

// configFromEnv uses the environment to assemble the storage configuration.
func configFromEnv(log *logrus.Logger) (*config.Config, error) {
	cfg := &config.Config{}

	cfg.Storage.Backend = os.Getenv(backendVar)
	if cfg.Storage.Backend == "" {
		log.Debugf("defaulting backend to %+q", inmemBackend)
		cfg.Storage.Backend = inmemBackend
	}

	cfg.Storage.Dir = os.Getenv(dataDirVar)
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = defaultDir
	}

	cfg.Storage.IndexSnapshot = os.Getenv(snapshotVar)

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{batchSizeVar, &cfg.Storage.BatchSize},
		{chunkSizeVar, &cfg.Storage.ChunkSize},
	} {
		if s := os.Getenv(v.name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, err
			}
			*v.dst = n
		}
	}

	return cfg, nil
}

// override applies command line values on top of the environment config.
func override(cfg *config.Config, backend, dir string) {
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if dir != "" {
		cfg.Storage.Dir = dir
	}
}

// openDataset instantiates the configured backend. Hybrid backends build
// their stores when source files are given and open the existing store
// directory otherwise.
func openDataset(log *logrus.Logger, cfg *config.Config, paths []string) (mzdex.Dataset, error) {
	switch cfg.Storage.Backend {
	case inmemBackend:
		return inmem.Open(log, paths)
	case ondemandBackend:
		if snap := cfg.Storage.IndexSnapshot; snap != "" {
			if _, err := os.Stat(snap); err == nil {
				ds, err := ondemand.LoadIndex(log, snap)
				if err == nil {
					return ds, nil
				}
				log.Debugf("could not load index snapshot, rebuilding: %v", err)
			}
		}

		ds, err := ondemand.Open(log, paths)
		if err != nil {
			return nil, err
		}

		if snap := cfg.Storage.IndexSnapshot; snap != "" {
			if err := ds.SaveIndex(snap); err != nil {
				log.Errorf("could not save index snapshot: %v", err)
			}
		}

		return ds, nil
	case hybridBackend, hybridEmbeddedBackend:
		if len(paths) == 0 {
			return hybrid.Open(log, cfg.Storage.Dir)
		}

		var opts []hybrid.Option
		if cfg.Storage.Backend == hybridEmbeddedBackend {
			opts = append(opts, hybrid.EmbedArrays())
		}
		if cfg.Storage.BatchSize > 0 {
			opts = append(opts, hybrid.BatchSize(cfg.Storage.BatchSize))
		}
		if cfg.Storage.ChunkSize > 0 {
			opts = append(opts, hybrid.ChunkSize(cfg.Storage.ChunkSize))
		}

		return hybrid.Build(log, cfg.Storage.Dir, paths, opts...)
	default:
		return nil, fmt.Errorf("unrecognized backend: %s", cfg.Storage.Backend)
	}
}

func printRecord(rec *spectrum.Record) {
	fmt.Println(formatRecord(rec))
}

// formatRecord renders one record line, omitting the retention time when the
// source carried none.
func formatRecord(rec *spectrum.Record) string {
	s := fmt.Sprintf("%s\tprecursor_mz=%g charge=%d", rec.ID, rec.PrecursorMZ, rec.Charge)
	if rec.HasRetentionTime() {
		s += fmt.Sprintf(" retention_time=%g", rec.RetentionTime)
	}

	return s + fmt.Sprintf(" peaks=%d", rec.NumPeaks())
}
