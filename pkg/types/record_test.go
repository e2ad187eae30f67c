package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUsedBy(t *testing.T) {
	r := Record{"net": -1.2, "solar": -4.0, "ev": 2.0, "wh": 0.8}

	assert.Equal(t, 2.8, r.UsedBy([]string{"ev", "wh"}))
	assert.Equal(t, 2.0, r.UsedBy([]string{"ev"}))
	assert.Equal(t, 0.0, r.UsedBy([]string{"missing"}), "absent channels read as zero")
	assert.Equal(t, 0.0, r.UsedBy([]string{"solar"}), "negative sums clamp at zero")
}

func TestRecordClone(t *testing.T) {
	r := Record{"net": 1.0, "ev": 2.0}
	c := r.Clone()
	c["net"] = 9.0
	assert.Equal(t, 1.0, r.Net(), "clone must not alias the original")
	assert.Nil(t, Record(nil).Clone())
}

func TestRecordScale(t *testing.T) {
	assert.Equal(t, "kW", ScaleSecond.Units())
	assert.Equal(t, "kW", ScaleMinute.Units())
	assert.Equal(t, "kWh", ScaleDay.Units())

	ts := time.Date(2025, 6, 12, 13, 44, 31, 500, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 12, 13, 44, 31, 0, time.UTC), ScaleSecond.BucketStart(ts))
	assert.Equal(t, time.Date(2025, 6, 12, 13, 44, 0, 0, time.UTC), ScaleMinute.BucketStart(ts))
	assert.Equal(t, time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), ScaleDay.BucketStart(ts))

	for _, s := range []RecordScale{ScaleSecond, ScaleMinute, ScaleDay} {
		parsed, err := ParseScale(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	parsed, err := ParseScale("")
	require.NoError(t, err)
	assert.Equal(t, ScaleMinute, parsed, "empty scale defaults to minute")

	_, err = ParseScale("hour")
	assert.Error(t, err)
}
