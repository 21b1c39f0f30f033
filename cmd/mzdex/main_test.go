package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mzdex/mzdex/spectrum"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv(backendVar, "")
	t.Setenv(dataDirVar, "")

	cfg, err := configFromEnv(newLogger())
	require.NoError(t, err)
	require.Equal(t, inmemBackend, cfg.Storage.Backend)
	require.Equal(t, defaultDir, cfg.Storage.Dir)
}

func TestConfigFromEnvBadNumber(t *testing.T) {
	t.Setenv(batchSizeVar, "lots")

	_, err := configFromEnv(newLogger())
	require.Error(t, err)
}

// Command line flags win over environment values; empty flags leave them be.
func TestOverride(t *testing.T) {
	t.Setenv(backendVar, ondemandBackend)
	t.Setenv(dataDirVar, "/tmp/env-dir")

	cfg, err := configFromEnv(newLogger())
	require.NoError(t, err)

	override(cfg, hybridBackend, "/tmp/flag-dir")
	require.Equal(t, hybridBackend, cfg.Storage.Backend)
	require.Equal(t, "/tmp/flag-dir", cfg.Storage.Dir)

	override(cfg, "", "")
	require.Equal(t, hybridBackend, cfg.Storage.Backend)
	require.Equal(t, "/tmp/flag-dir", cfg.Storage.Dir)
}

func TestFormatRecord(t *testing.T) {
	rec := &spectrum.Record{
		ID: "A", PrecursorMZ: 445.12, Charge: 2, RetentionTime: 102.5,
		MZ: []float64{100.1, 101.5}, Intensity: []float64{1.0, 2.0},
	}
	require.Equal(t, "A\tprecursor_mz=445.12 charge=2 retention_time=102.5 peaks=2", formatRecord(rec))

	rec.RetentionTime = math.NaN()
	require.Equal(t, "A\tprecursor_mz=445.12 charge=2 peaks=2", formatRecord(rec))
}
