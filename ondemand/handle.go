package ondemand

import (
	"os"

	"github.com/pkg/errors"
)

// handleCache is a capacity-one cache of an open source file handle. Reads
// against the same source reuse the cached handle; switching sources evicts
// and closes the previous one. This bounds descriptor usage to one per
// dataset regardless of how many source files back it, at the cost of
// thrashing under access patterns that alternate between sources.
//
// The close/open pair on a switch is not atomic, so a handleCache is not
// safe for concurrent use; callers serialize access to the owning dataset.
type handleCache struct {
	path string
	f    *os.File
}

// acquire returns an open handle for path, reusing the cached one when it
// already points at path.
func (c *handleCache) acquire(path string) (*os.File, error) {
	if c.f != nil && c.path == path {
		return c.f, nil
	}

	if c.f != nil {
		if err := c.f.Close(); err != nil {
			return nil, errors.Wrapf(err, "could not close cached handle for %s", c.path)
		}
		c.f = nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open source file: %s", path)
	}

	c.path = path
	c.f = f

	return f, nil
}

// Close releases the cached handle if one is open.
func (c *handleCache) Close() error {
	if c.f == nil {
		return nil
	}

	f := c.f
	c.f = nil

	return f.Close()
}
