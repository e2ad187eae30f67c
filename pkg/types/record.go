package types

import (
	"fmt"
	"strings"
	"time"
)

// Channel names every power record is expected to carry. "net" is positive
// while importing from the grid and negative while exporting; "solar" is the
// sum of producing channels with negative sign. Every other key names a
// measured load.
const (
	ChannelNet   = "net"
	ChannelSolar = "solar"
)

// Record is one power observation: channel name to signed value. Values are
// kW for instantaneous scales and kWh for day-scale aggregates.
type Record map[string]float64

// Net returns the grid channel value.
func (r Record) Net() float64 {
	return r[ChannelNet]
}

// Solar returns the production channel value.
func (r Record) Solar() float64 {
	return r[ChannelSolar]
}

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UsedBy returns the summed draw across the given channels, clamped at zero
// so a task's usage is never negative.
func (r Record) UsedBy(keys []string) float64 {
	var sum float64
	for _, k := range keys {
		sum += r[k]
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// RecordScale selects the aggregation window of a sensor read.
type RecordScale int

const (
	ScaleSecond RecordScale = iota
	ScaleMinute
	ScaleDay
)

func (s RecordScale) String() string {
	switch s {
	case ScaleSecond:
		return "second"
	case ScaleMinute:
		return "minute"
	case ScaleDay:
		return "day"
	}
	return fmt.Sprintf("scale(%d)", int(s))
}

// Units returns the unit of record values at this scale.
func (s RecordScale) Units() string {
	if s == ScaleDay {
		return "kWh"
	}
	return "kW"
}

// BucketStart truncates t to the start of the aggregation bucket at this
// scale. Day buckets are midnight in t's location.
func (s RecordScale) BucketStart(t time.Time) time.Time {
	switch s {
	case ScaleSecond:
		return t.Truncate(time.Second)
	case ScaleMinute:
		return t.Truncate(time.Minute)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
}

// ParseScale parses the wire form produced by String.
func ParseScale(v string) (RecordScale, error) {
	switch strings.ToLower(v) {
	case "second":
		return ScaleSecond, nil
	case "minute", "":
		return ScaleMinute, nil
	case "day":
		return ScaleDay, nil
	}
	return 0, fmt.Errorf("unknown record scale: %q", v)
}
