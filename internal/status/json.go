package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/bus-notifier/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	ActiveDevices int          `json:"active_devices"`
	Events        EventsStatus `json:"events"`
	Counts        CountsJSON   `json:"decision_counts"`
	Devices       []DeviceJSON `json:"devices"`
	Config        ConfigJSON   `json:"config"`
}

// EventsStatus reports broker connection state.
type EventsStatus struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url,omitempty"`
}

// CountsJSON is the JSON representation of decision counts.
type CountsJSON struct {
	Display        int `json:"display"`
	BusArrived     int `json:"bus_arrived"`
	AlreadyArrived int `json:"already_arrived"`
	BusMissing     int `json:"bus_missing"`
	NoData         int `json:"no_data"`
	Suppressed     int `json:"suppressed"`
}

// DeviceJSON is the JSON representation of one device. Countdowns use the
// display vocabulary and are present for DISPLAY decisions only.
type DeviceJSON struct {
	DeviceID   string `json:"device_id"`
	StopName   string `json:"stop_name,omitempty"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason,omitempty"`
	First      string `json:"first,omitempty"`
	Second     string `json:"second,omitempty"`
	Suppressed bool   `json:"suppressed,omitempty"`
	ErrorCount int    `json:"error_count"`
	Active     bool   `json:"active"`
	UpdatedAt  string `json:"updated_at"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HTTPAddr        string `json:"http_addr"`
	Store           string `json:"store"`
	PollSeconds     int64  `json:"poll_seconds"`
	DriftSeconds    int    `json:"drift_seconds"`
	PossibleArrival int    `json:"possible_arrival_seconds"`
	MinTime         int    `json:"min_time_seconds"`
	Proximity       int    `json:"proximity_seconds"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		ActiveDevices: snap.Active(),
		Events:        EventsStatus{Connected: snap.EventsConnected, URL: snap.Config.EventsURL},
		Counts: CountsJSON{
			Display:        snap.Counts.Display,
			BusArrived:     snap.Counts.BusArrived,
			AlreadyArrived: snap.Counts.AlreadyArrived,
			BusMissing:     snap.Counts.BusMissing,
			NoData:         snap.Counts.NoData,
			Suppressed:     snap.Counts.Suppressed,
		},
		Devices: make([]DeviceJSON, 0, len(snap.Devices)),
		Config: ConfigJSON{
			HTTPAddr:        snap.Config.HTTPAddr,
			Store:           snap.Config.Store,
			PollSeconds:     int64(snap.Config.PollInterval / time.Second),
			DriftSeconds:    snap.Config.Thresholds.Drift,
			PossibleArrival: snap.Config.Thresholds.PossibleArrival,
			MinTime:         snap.Config.Thresholds.MinTime,
			Proximity:       snap.Config.Thresholds.Proximity,
		},
	}

	for _, d := range snap.Devices {
		dj := DeviceJSON{
			DeviceID:   d.DeviceID,
			StopName:   d.StopName,
			Kind:       string(d.Kind),
			Reason:     string(d.Reason),
			Suppressed: d.Suppressed,
			ErrorCount: d.ErrorCount,
			Active:     d.Active,
			UpdatedAt:  d.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if d.Kind == logic.KindDisplay {
			dj.First = logic.Encode(d.First)
			dj.Second = logic.Encode(d.Second)
		}
		inner.Devices = append(inner.Devices, dj)
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for a broker system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
