package config

type (
	// Config holds the dataset tool configuration
	Config struct {
		Storage Storage
	}

	// Storage holds the storage backend configuration
	Storage struct {
		// Backend selects the dataset backend: inmem, ondemand, hybrid or
		// hybrid-embedded.
		Backend string
		// Dir is the directory holding the hybrid store files.
		Dir string
		// IndexSnapshot is an optional path for persisting the ondemand
		// byte-offset index between runs.
		IndexSnapshot string
		// BatchSize is the number of metadata rows per insert transaction.
		BatchSize int
		// ChunkSize is the number of spectra per array store chunk.
		ChunkSize int
	}
)
