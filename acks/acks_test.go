package acks

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextMarker(t *testing.T, tracker *OrderedAcknowledgements[string]) EligibleMarker[string] {
	t.Helper()
	marker, ok := tracker.NextEligibleMarker()
	require.True(t, ok, "expected an eligible marker")
	return marker
}

func requireNoMarker(t *testing.T, tracker *OrderedAcknowledgements[string]) {
	t.Helper()
	_, ok := tracker.NextEligibleMarker()
	require.False(t, ok, "expected no eligible marker")
}

func TestTrackerEmpty(t *testing.T) {
	tracker := New[string](0)
	requireNoMarker(t, tracker)
}

func TestTrackerThroughAndThrough(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddMarker(0, 5, "record-0"))
	tracker.AddAcknowledgements(5)

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(5), marker.Len)
	assert.False(t, marker.Assumed)
	assert.Equal(t, "record-0", marker.Data)
	requireNoMarker(t, tracker)
}

func TestTrackerEligibleAfterIncrementalAcks(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddMarker(0, 13, "record-0"))

	tracker.AddAcknowledgements(5)
	requireNoMarker(t, tracker)
	tracker.AddAcknowledgements(5)
	requireNoMarker(t, tracker)
	tracker.AddAcknowledgements(5)

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(13), marker.Len)
}

func TestTrackerUnsizedMarkerNeedsSubsequentMarker(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddUnsizedMarker(0, "mystery"))
	tracker.AddAcknowledgements(5)

	// Length cannot be determined until another marker bounds it.
	requireNoMarker(t, tracker)

	require.NoError(t, tracker.AddMarker(5, 1, "record-5"))
	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(5), marker.Len)
	assert.True(t, marker.Assumed)
	assert.Equal(t, "mystery", marker.Data)
	assert.True(t, marker.HasData)
	requireNoMarker(t, tracker)
}

func TestTrackerUnsizedMarkerResolvedByUnsizedMarker(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddUnsizedMarker(0, "first"))
	require.NoError(t, tracker.AddUnsizedMarker(5, "second"))

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(5), marker.Len)
	assert.True(t, marker.Assumed)
	requireNoMarker(t, tracker)
}

func TestTrackerSyntheticGapMarker(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddUnsizedMarker(1, "record-1"))

	// The gap in front of ID 1 gets a synthetic marker that is immediately
	// eligible and carries no data.
	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(1), marker.Len)
	assert.True(t, marker.Assumed)
	assert.False(t, marker.HasData)
	requireNoMarker(t, tracker)
}

func TestTrackerGapAfterFixedSizeMarker(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddMarker(0, 4, "record-0"))
	require.NoError(t, tracker.AddMarker(9, 3, "record-9"))
	tracker.AddAcknowledgements(4)

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(4), marker.Len)
	assert.False(t, marker.Assumed)

	gap := nextMarker(t, tracker)
	assert.Equal(t, uint64(4), gap.ID)
	assert.Equal(t, uint64(5), gap.Len)
	assert.True(t, gap.Assumed)
	assert.False(t, gap.HasData)

	requireNoMarker(t, tracker)
}

func TestTrackerMonotonicityViolation(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddMarker(math.MaxUint64, 3, "wrapping"))

	err := tracker.AddMarker(1, 2, "behind")
	assert.ErrorIs(t, err, ErrMonotonicityViolation)
}

func TestTrackerZeroLengthMarkerImmediatelyEligible(t *testing.T) {
	tracker := New[string](0)
	require.NoError(t, tracker.AddMarker(0, 0, "empty"))

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), marker.ID)
	assert.Equal(t, uint64(0), marker.Len)
	assert.False(t, marker.Assumed)
}

func TestTrackerFrontierOverlapWithoutEnoughAcks(t *testing.T) {
	// A fixed-size marker whose required frontier wraps around and lands on
	// the effective frontier must not become eligible until enough unclaimed
	// acknowledgements actually exist.
	tracker := New[string](0)
	require.NoError(t, tracker.AddMarker(2_686_784_444_737_799_532, 15_759_959_628_971_752_084, "giant"))
	require.NoError(t, tracker.AddUnsizedMarker(0, "wrapped"))
	require.NoError(t, tracker.AddUnsizedMarker(8_450_737_568, "later"))

	// The synthetic gap in front of the first marker comes out immediately.
	gap := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), gap.ID)
	assert.Equal(t, uint64(2_686_784_444_737_799_532), gap.Len)
	assert.True(t, gap.Assumed)

	requireNoMarker(t, tracker)

	tracker.AddAcknowledgements(15_759_959_628_971_752_084)

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(2_686_784_444_737_799_532), marker.ID)
	assert.Equal(t, uint64(15_759_959_628_971_752_084), marker.Len)
	assert.False(t, marker.Assumed)

	resolved := nextMarker(t, tracker)
	assert.Equal(t, uint64(0), resolved.ID)
	assert.Equal(t, uint64(8_450_737_568), resolved.Len)
	assert.True(t, resolved.Assumed)

	requireNoMarker(t, tracker)
}

func TestTrackerNonZeroStartingFrontier(t *testing.T) {
	tracker := New[string](10)
	require.NoError(t, tracker.AddMarker(10, 2, "record-10"))
	tracker.AddAcknowledgements(2)

	marker := nextMarker(t, tracker)
	assert.Equal(t, uint64(10), marker.ID)
	assert.Equal(t, uint64(2), marker.Len)
}

func TestTrackerAckOverflowPanics(t *testing.T) {
	tracker := New[string](0)
	tracker.AddAcknowledgements(math.MaxUint64)
	assert.Panics(t, func() {
		tracker.AddAcknowledgements(1)
	})
}
