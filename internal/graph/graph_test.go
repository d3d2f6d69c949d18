package graph

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampEncodingSortsChronologically(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 5, 0, time.UTC)

	// Whole seconds and sub-second fractions mixed; a variable-width
	// encoding would sort "…:05Z" after "…:05.5Z".
	times := []time.Time{
		base.Add(500 * time.Millisecond),
		base,
		base.Add(-time.Second),
		base.Add(999 * time.Nanosecond),
		base.Add(time.Second),
	}

	encoded := make([]string, len(times))
	for i, ts := range times {
		encoded[i] = tsString(ts)
	}
	sort.Strings(encoded)

	chronological := append([]time.Time(nil), times...)
	sort.Slice(chronological, func(i, j int) bool {
		return chronological[i].Before(chronological[j])
	})
	for i, ts := range chronological {
		assert.Equal(t, tsString(ts), encoded[i], "position %d", i)
	}
}

func TestTimestampEncodingRoundTrips(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 5, 123456789, time.UTC)
	parsed, err := time.Parse(time.RFC3339Nano, tsString(ts))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}
