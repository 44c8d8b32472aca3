package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/santhoshcv/fleetpulse-server/internal/telemetry"
)

// Memory is an in-process Gateway used by tests and local runs without a
// database. It honors the same contracts as Postgres, including monotonic
// per-protocol short-ID allocation.
type Memory struct {
	mu       sync.Mutex
	devices  map[uuid.UUID]*Device
	counters map[string]int
	rows     []*telemetry.Record
	nextRow  int64
}

func NewMemory() *Memory {
	return &Memory{
		devices:  make(map[uuid.UUID]*Device),
		counters: make(map[string]int),
	}
}

// Seed adds a pre-registered device row and returns its uuid.
func (m *Memory) Seed(d Device) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.devices[d.ID] = &d
	return d.ID
}

func (m *Memory) LookupByIMEI(_ context.Context, imei string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.IMEI == imei {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (m *Memory) LookupByShortID(_ context.Context, protocol string, shortID int) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Protocol == protocol && d.ShortID != nil && *d.ShortID == shortID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (m *Memory) AllocateShortID(_ context.Context, protocol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.counters[protocol]
	if !ok {
		// First allocation: start past any pre-assigned short IDs.
		id = 99
		for _, d := range m.devices {
			if d.Protocol == protocol && d.ShortID != nil && *d.ShortID > id {
				id = *d.ShortID
			}
		}
		id++
	} else {
		id++
	}
	m.counters[protocol] = id
	return id, nil
}

func (m *Memory) RegisterDevice(_ context.Context, id uuid.UUID, patch RegisterPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.CanonicalKey = patch.CanonicalKey
	d.ShortID = &patch.ShortID
	d.Protocol = patch.Protocol
	d.Firmware = patch.Firmware
	d.SIMICCID = patch.ICCID
	d.LastSeen = patch.LastSeen
	d.Active = patch.Active
	return nil
}

func (m *Memory) TouchLastSeen(_ context.Context, canonicalKey string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.CanonicalKey == canonicalKey {
			d.LastSeen = ts
		}
	}
	return nil
}

func (m *Memory) InsertTelemetry(_ context.Context, rec *telemetry.Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.rows = append(m.rows, &cp)
	m.nextRow++
	return m.nextRow, nil
}

func (m *Memory) RegisteredIMEIs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var imeis []string
	for _, d := range m.devices {
		if d.IMEI != "" && d.Active {
			imeis = append(imeis, d.IMEI)
		}
	}
	return imeis, nil
}

// Telemetry returns a snapshot of every inserted record, in insert order.
func (m *Memory) Telemetry() []*telemetry.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*telemetry.Record, len(m.rows))
	copy(out, m.rows)
	return out
}

// DeviceByID returns a snapshot of one device row.
func (m *Memory) DeviceByID(id uuid.UUID) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}
