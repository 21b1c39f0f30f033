package spectrum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	rec := &Record{ID: "A", MZ: []float64{1.0}, Intensity: []float64{2.0}}
	require.NoError(t, rec.Validate())

	require.Error(t, (&Record{MZ: []float64{1.0}, Intensity: []float64{2.0}}).Validate())
	require.Error(t, (&Record{ID: "A", MZ: []float64{1.0}}).Validate())

	// empty peak lists are valid
	require.NoError(t, (&Record{ID: "A"}).Validate())
}

func TestHasRetentionTime(t *testing.T) {
	require.True(t, (&Record{RetentionTime: 0}).HasRetentionTime())
	require.False(t, (&Record{RetentionTime: math.NaN()}).HasRetentionTime())
}
