// Package presence implements the shared presence table: the single
// writer (the scanner) upserts observations, many readers (the dispatcher)
// read them concurrently to answer is-present queries and ping stats.
package presence

import (
	"strings"
	"sync"
)

// Unknown is the sentinel name stored before a device's real friendly
// name has ever been observed.
const Unknown = "(unknown)"

// Device is a single presence table entry.
type Device struct {
	MAC           string
	Name          string
	AddressType   string
	Timestamp     int64
	PrevTimestamp int64
}

// Table is a concurrency-safe MAC -> Device map. It has a single writer
// (the scanner) and many concurrent readers (the dispatcher): reads return
// defensive copies so callers can't mutate table state through a pointer,
// and every mutation holds the lock only for the duration of the call.
type Table struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewTable returns an empty presence table.
func NewTable() *Table {
	return &Table{devices: make(map[string]*Device)}
}

// Upsert records an observation: a fresh entry gets timestamp ==
// prev_timestamp == ts; an existing entry rotates timestamp into
// prev_timestamp before adopting ts. name is only replaced when the
// proposed value is a real name; address_type is always lower-cased and
// overwritten.
func (t *Table) Upsert(mac, name, addressType string, ts int64) {
	mac = strings.ToLower(mac)
	addressType = strings.ToLower(addressType)

	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[mac]
	if !ok {
		t.devices[mac] = &Device{
			MAC:           mac,
			Name:          resolveName("", name),
			AddressType:   addressType,
			Timestamp:     ts,
			PrevTimestamp: ts,
		}
		return
	}

	d.PrevTimestamp = d.Timestamp
	d.Timestamp = ts
	d.Name = resolveName(d.Name, name)
	d.AddressType = addressType
}

// resolveName never overwrites a real name with the unknown sentinel or
// an empty string.
func resolveName(existing, proposed string) string {
	if proposed != "" && proposed != Unknown {
		return proposed
	}
	if existing != "" {
		return existing
	}
	return proposed
}

// Read returns a copy of the device entry for mac, if present.
func (t *Table) Read(mac string) (Device, bool) {
	mac = strings.ToLower(mac)
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[mac]
	if !ok {
		return Device{}, false
	}
	return *d, ok
}

// Iterate calls fn once per entry with a defensive copy. fn must not
// block for long; the table's read lock is held for the whole walk.
func (t *Table) Iterate(fn func(Device)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.devices {
		fn(*d)
	}
}

// Remove deletes mac from the table. Only the cleanup task calls this.
func (t *Table) Remove(mac string) {
	mac = strings.ToLower(mac)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, mac)
}

// Len returns the number of tracked devices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}
