package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_NowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	after := time.Now().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "now %v outside [%v, %v]", got, before, after)
}

// Timestamps land in JSON job records; a round trip must compare equal.
func TestClock_NowSurvivesJSONRoundTrip(t *testing.T) {
	t.Parallel()

	got := New().Now()
	raw, err := got.MarshalJSON()
	require.NoError(t, err)

	var back time.Time
	require.NoError(t, back.UnmarshalJSON(raw))
	assert.True(t, got.Equal(back))
	assert.Equal(t, got, back.UTC())
}
