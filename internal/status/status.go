// Package status provides a thread-safe status tracker for the bus-notifier daemon.
// It is read by the HTTP handlers and the system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/bus-notifier/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	HTTPAddr     string
	EventsURL    string
	Store        string
	PollInterval time.Duration
	Thresholds   logic.Thresholds
}

// Device is the last known outcome for one notifier.
type Device struct {
	DeviceID   string
	StopName   string
	Kind       logic.Kind
	Reason     logic.Reason
	First      int
	Second     int
	Suppressed bool
	ErrorCount int
	Active     bool
	UpdatedAt  time.Time
}

// Counts tallies decisions since startup.
type Counts struct {
	Display        int
	BusArrived     int
	AlreadyArrived int
	BusMissing     int
	NoData         int
	Suppressed     int
}

func (c *Counts) add(d Device) {
	if d.Suppressed {
		c.Suppressed++
		return
	}
	switch d.Kind {
	case logic.KindDisplay:
		c.Display++
	case logic.KindBusArrived:
		c.BusArrived++
	case logic.KindAlreadyArrived:
		c.AlreadyArrived++
	case logic.KindBusMissing:
		c.BusMissing++
	case logic.KindNoData:
		c.NoData++
	}
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Devices         []Device // ordered by device ID
	Counts          Counts
	StartTime       time.Time
	Now             time.Time
	EventsConnected bool
	Config          Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Active returns the number of devices between switch on and a terminal decision.
func (s Snapshot) Active() int {
	n := 0
	for _, d := range s.Devices {
		if d.Active {
			n++
		}
	}
	return n
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu        sync.RWMutex
	devices   map[string]Device
	counts    Counts
	start     time.Time
	connected bool
	cfg       Config
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		devices: make(map[string]Device),
		start:   startTime,
		cfg:     cfg,
	}
}

// Record stores the latest outcome for a device and counts it.
// Called by the service after every tick.
func (t *Tracker) Record(d Device) {
	t.mu.Lock()
	t.devices[d.DeviceID] = d
	t.counts.add(d)
	t.mu.Unlock()
}

// SetActive flips the active flag of a known device.
func (t *Tracker) SetActive(deviceID string, active bool) {
	t.mu.Lock()
	if d, ok := t.devices[deviceID]; ok {
		d.Active = active
		t.devices[deviceID] = d
	}
	t.mu.Unlock()
}

// Remove forgets a device.
func (t *Tracker) Remove(deviceID string) {
	t.mu.Lock()
	delete(t.devices, deviceID)
	t.mu.Unlock()
}

// SetEventsConnected sets the broker connection status.
func (t *Tracker) SetEventsConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		Devices:         make([]Device, 0, len(t.devices)),
		Counts:          t.counts,
		StartTime:       t.start,
		EventsConnected: t.connected,
		Config:          t.cfg,
	}
	for _, d := range t.devices {
		s.Devices = append(s.Devices, d)
	}
	t.mu.RUnlock()

	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].DeviceID < s.Devices[j].DeviceID })
	s.Now = time.Now()
	return s
}
