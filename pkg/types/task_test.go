package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b TaskDetails
		want int
	}{
		{
			name: "higher priority wins",
			a:    TaskDetails{Priority: PriorityHigh},
			b:    TaskDetails{Priority: PriorityLow, Power: 10, AutoAdjust: true},
			want: 1,
		},
		{
			name: "urgent beats high",
			a:    TaskDetails{Priority: PriorityHigh},
			b:    TaskDetails{Priority: PriorityUrgent},
			want: -1,
		},
		{
			name: "auto-adjust breaks priority tie",
			a:    TaskDetails{Priority: PriorityMedium, AutoAdjust: true},
			b:    TaskDetails{Priority: PriorityMedium, Power: 5},
			want: 1,
		},
		{
			name: "power breaks remaining tie",
			a:    TaskDetails{Priority: PriorityMedium, Power: 2},
			b:    TaskDetails{Priority: PriorityMedium, Power: 1.5},
			want: 1,
		},
		{
			name: "full tie",
			a:    TaskDetails{Priority: PriorityLow, Power: 2},
			b:    TaskDetails{Priority: PriorityLow, Power: 2},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a), "comparison should be antisymmetric")
		})
	}
}

func TestUsage(t *testing.T) {
	rec := Record{ChannelNet: -2.1, "ev": 1.4, "heat": 0.8}
	d := TaskDetails{Keys: []string{"ev", "heat"}}

	assert.InDelta(t, 2.2, d.Usage(rec), 1e-9)
	assert.Zero(t, TaskDetails{Keys: []string{"pool"}}.Usage(rec), "missing channels count as zero")
	assert.Zero(t, d.Usage(Record{"ev": -0.3, "heat": 0.1}), "backfeed clamps at zero")
}

func TestSharesKeys(t *testing.T) {
	a := TaskDetails{Keys: []string{"ev", "ev2"}}
	b := TaskDetails{Keys: []string{"ev2"}}
	c := TaskDetails{Keys: []string{"pool"}}

	assert.True(t, a.SharesKeys(b))
	assert.True(t, b.SharesKeys(a))
	assert.False(t, a.SharesKeys(c))
	assert.False(t, c.SharesKeys(TaskDetails{}))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, "URGENT", PriorityUrgent.String())
	assert.Equal(t, "LOW", PriorityLow.String())
	assert.True(t, PriorityMedium.Valid())
	assert.False(t, Priority(0).Valid())
	assert.False(t, Priority(5).Valid())
	assert.Equal(t, PriorityHigh, PriorityMedium.Bump())
	assert.Equal(t, PriorityUrgent, PriorityUrgent.Bump())
}
