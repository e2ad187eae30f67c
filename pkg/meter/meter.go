// Package meter reads whole-home power from a Modbus TCP meter. A one
// second poll feeds three aggregates: the latest sample (second scale), a
// per-minute mean (minute scale) and the energy accumulated since midnight
// (day scale). A link that keeps returning the exact same values is
// reported to the monitor as stuck.
package meter

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/types"
)

const (
	pollInterval = time.Second

	// maxIdenticalReads is how many consecutive byte-identical polls a real
	// meter is allowed before the link is considered frozen. Residential
	// loads jitter by a few watts, so identical minutes of data mean the
	// device stopped updating.
	maxIdenticalReads = 180

	// a Modbus read carries at most 125 registers
	maxRegisterSpan = 125

	factName = "power meter"
)

// Tracker receives the stuck-meter health fact. *monitor.Client satisfies
// it; nil disables reporting.
type Tracker interface {
	Track(ctx context.Context, name string, healthy bool)
}

// registerReader is the slice of modbus.Client the meter uses.
type registerReader interface {
	ReadInputRegisters(address, quantity uint16) (results []byte, err error)
}

// Channel maps a record channel to the input register holding its signed
// 32-bit watt value.
type Channel struct {
	Name     string
	Register uint16
}

// Meter polls the device and serves records through the sensor interface.
type Meter struct {
	reader   registerReader
	handler  *modbus.TCPClientHandler
	channels []Channel
	tracker  Tracker

	mtx       sync.Mutex
	last      types.Record
	lastAt    time.Time
	identical int

	minuteStart time.Time
	minuteSum   types.Record
	minuteCount int
	lastMinute  types.Record

	dayStart time.Time
	dayKWh   types.Record
}

var _ sensor.Reader = (*Meter)(nil)

// Configured returns a Meter configured through flags. The connection is
// dialed on first use and redialed after errors.
func Configured(tracker Tracker) *Meter {
	addr := lflag.RequiredString("meter-addr", "host:port of the Modbus TCP power meter")
	slaveID := lflag.String("meter-slave-id", "1", "Modbus slave ID of the power meter")
	var registers map[string]uint16
	lflag.JSON(&registers, "meter-channels", map[string]uint16{},
		"JSON map of channel name to the input register of its signed 32-bit watt value")
	m := &Meter{tracker: tracker}
	lflag.Do(func() {
		id, err := strconv.Atoi(*slaveID)
		if err != nil || id < 0 || id > 255 {
			panic(fmt.Sprintf("invalid meter-slave-id: %s", *slaveID))
		}
		channels, err := channelsFor(registers)
		if err != nil {
			panic(fmt.Sprintf("invalid meter-channels: %s", err))
		}
		handler := modbus.NewTCPClientHandler(*addr)
		handler.SlaveId = byte(id)
		handler.Timeout = time.Second
		m.handler = handler
		m.reader = modbus.NewClient(handler)
		m.channels = channels
	})
	return m
}

// New returns a Meter reading the given channels through r. Used by tests;
// production wiring goes through Configured.
func New(r registerReader, channels []Channel, tracker Tracker) *Meter {
	return &Meter{reader: r, channels: channels, tracker: tracker}
}

// Close shuts the Modbus connection down.
func (m *Meter) Close() error {
	if m.handler != nil {
		return m.handler.Close()
	}
	return nil
}

// channelsFor validates the register map and orders it for the block read.
func channelsFor(registers map[string]uint16) ([]Channel, error) {
	if len(registers) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}
	channels := make([]Channel, 0, len(registers))
	for name, reg := range registers {
		if name == "" {
			return nil, fmt.Errorf("channel with an empty name")
		}
		channels = append(channels, Channel{Name: name, Register: reg})
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Register < channels[j].Register })
	span := int(channels[len(channels)-1].Register) + 2 - int(channels[0].Register)
	if span > maxRegisterSpan {
		return nil, fmt.Errorf("channel registers span %d registers, at most %d fit in one read", span, maxRegisterSpan)
	}
	return channels, nil
}

// Run polls the meter until ctx is canceled.
func (m *Meter) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.sample(ctx, now)
		}
	}
}

// readOnce reads every configured channel in a single register block.
func (m *Meter) readOnce() (types.Record, error) {
	first := m.channels[0].Register
	quantity := m.channels[len(m.channels)-1].Register + 2 - first
	data, err := m.reader.ReadInputRegisters(first, quantity)
	if err != nil {
		return nil, err
	}
	if len(data) < int(quantity)*2 {
		return nil, fmt.Errorf("short register read: %d bytes for %d registers", len(data), quantity)
	}
	rec := make(types.Record, len(m.channels))
	for _, ch := range m.channels {
		off := int(ch.Register-first) * 2
		rec[ch.Name] = float64(int32(binary.BigEndian.Uint32(data[off:off+4]))) / 1000
	}
	return rec, nil
}

func (m *Meter) sample(ctx context.Context, now time.Time) {
	rec, err := m.readOnce()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read the power meter",
			slog.Any("error", err))
		return
	}
	m.ingest(ctx, now, rec)
}

func (m *Meter) ingest(ctx context.Context, now time.Time, rec types.Record) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.last != nil && maps.Equal(m.last, rec) {
		m.identical++
		if m.identical == maxIdenticalReads {
			log.Ctx(ctx).ErrorContext(ctx, "power meter looks stuck",
				slog.Int("identicalReads", m.identical))
		}
	} else if m.last != nil {
		m.identical = 0
	}

	minute := types.ScaleMinute.BucketStart(now)
	if !minute.Equal(m.minuteStart) {
		if m.minuteCount > 0 {
			m.lastMinute = m.minuteMean()
		}
		if m.tracker != nil && !m.minuteStart.IsZero() {
			m.tracker.Track(ctx, factName, m.identical < maxIdenticalReads)
		}
		m.minuteStart = minute
		m.minuteSum = make(types.Record, len(rec))
		m.minuteCount = 0
	}
	for k, v := range rec {
		m.minuteSum[k] += v
	}
	m.minuteCount++

	day := types.ScaleDay.BucketStart(now)
	if !day.Equal(m.dayStart) {
		m.dayStart = day
		m.dayKWh = make(types.Record, len(rec))
	}
	if !m.lastAt.IsZero() {
		dt := now.Sub(m.lastAt)
		if dt > 0 {
			if dt > 5*pollInterval {
				dt = 5 * pollInterval
			}
			for k, v := range rec {
				m.dayKWh[k] += v * dt.Hours()
			}
		}
	}

	m.last = rec
	m.lastAt = now
}

func (m *Meter) minuteMean() types.Record {
	mean := make(types.Record, len(m.minuteSum))
	for k, v := range m.minuteSum {
		mean[k] = v / float64(m.minuteCount)
	}
	return mean
}

// Read serves the aggregate for the requested scale. Until the first minute
// completes the running mean is served so a fresh meter is usable right
// away. A stuck meter fails every scale.
func (m *Meter) Read(ctx context.Context, scale types.RecordScale) (types.Record, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.last == nil {
		return nil, sensor.ErrNoData
	}
	if m.identical >= maxIdenticalReads {
		return nil, fmt.Errorf("the meter returned %d identical reads in a row", m.identical)
	}
	switch scale {
	case types.ScaleSecond:
		return m.last.Clone(), nil
	case types.ScaleMinute:
		if m.lastMinute != nil {
			return m.lastMinute.Clone(), nil
		}
		if m.minuteCount == 0 {
			return nil, sensor.ErrNoData
		}
		return m.minuteMean(), nil
	case types.ScaleDay:
		return m.dayKWh.Clone(), nil
	}
	return nil, fmt.Errorf("unknown record scale: %s", scale)
}
