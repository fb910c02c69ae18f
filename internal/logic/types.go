// Package logic contains pure business logic for bus arrival countdown reconciliation.
// This package has NO external dependencies (no HTTP, platform API, store, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Display sentinels exchanged with the notifier device. Real countdowns are >= 1.
const (
	Arrived = 0
	NoBus   = -1
	Blank   = -999
)

// Kind tags the variant carried by a Decision.
type Kind string

const (
	KindDisplay        Kind = "DISPLAY"
	KindBusArrived     Kind = "BUS_ARRIVED"
	KindAlreadyArrived Kind = "ALREADY_ARRIVED"
	KindBusMissing     Kind = "BUS_MISSING"
	KindNoData         Kind = "NO_DATA"
)

// Reason qualifies a NO_DATA decision.
type Reason string

const (
	ReasonUnauthorized       Reason = "UNAUTHORIZED"
	ReasonForbidden          Reason = "FORBIDDEN"
	ReasonServiceUnavailable Reason = "SERVICE_UNAVAILABLE"
	ReasonError              Reason = "ERROR"
	ReasonNoBus              Reason = "NO_BUS"
)

// Regime is the qualitative state of the two display slots.
type Regime string

const (
	// RegimeFirstArrived: the first slot already shows the arrival code.
	RegimeFirstArrived Regime = "FIRST_ARRIVED"
	// RegimeSingle: a live first bus, no second bus tracked.
	RegimeSingle Regime = "SINGLE"
	// RegimeBoth: both slots hold live countdowns.
	RegimeBoth Regime = "BOTH"
)

// Thresholds are the tuning constants of the engine, in seconds.
type Thresholds struct {
	// Drift is the largest divergence still read as the same bus, updated.
	Drift int
	// PossibleArrival splits divergent predictions into already-arrived and missing.
	PossibleArrival int
	// MinTime is where the button fires and speech says "shortly".
	MinTime int
	// Proximity gates speech to countdowns at or below it. 0 disables the gate.
	Proximity int
}

// DefaultThresholds returns the production tuning: a five minute threshold
// time less one minute of margin, three minutes of possible arrival and a
// two minute notification threshold.
func DefaultThresholds() Thresholds {
	return NewThresholds(5*time.Minute, 3*time.Minute, 2*time.Minute, 0)
}

// NewThresholds builds Thresholds from durations. The drift threshold is the
// threshold time minus one minute of safety margin.
func NewThresholds(threshold, possibleArrival, minTime, proximity time.Duration) Thresholds {
	return Thresholds{
		Drift:           int((threshold - time.Minute) / time.Second),
		PossibleArrival: int(possibleArrival / time.Second),
		MinTime:         int(minTime / time.Second),
		Proximity:       int(proximity / time.Second),
	}
}

// Input is everything one reconciliation tick looks at.
type Input struct {
	FirstDisplayed  int
	SecondDisplayed int
	FirstPredicted  int
	SecondPredicted int // NoBus when the predictor returned a single bus
	SavedFirst      int
	SavedSecond     int
	Elapsed         int // seconds since the display was last written
}

// Decision is the single outcome of a tick.
type Decision struct {
	Kind Kind
	// First and Second are the countdowns to display (KindDisplay only).
	First  int
	Second int
	// Save, when non-nil, replaces the saved prediction baseline.
	Save *[2]int
	// Reason is set for KindNoData.
	Reason Reason
}

// Display returns a decision that sets both countdowns.
func Display(first, second int) Decision {
	return Decision{Kind: KindDisplay, First: first, Second: second}
}

// NoData returns the decision for a tick without usable predictions.
func NoData(reason Reason) Decision {
	return Decision{Kind: KindNoData, Reason: reason}
}

// Terminal reports whether the decision switches the display off.
func (d Decision) Terminal() bool {
	return d.Kind != KindDisplay
}

func (d Decision) saving(first, second int) Decision {
	d.Save = &[2]int{first, second}
	return d
}

// DeviceStatus is the raw capability state read back from the notifier.
type DeviceStatus struct {
	FirstRemaining  string
	SecondRemaining string
	StatusMessage   string
	Button          ButtonStatus
}

// Preferences are the per-device settings chosen on the notifier itself.
type Preferences struct {
	NotificationInterval int
	StopNameRequired     bool
	RouteNumberRequired  bool
}

// DefaultPreferences is used when the device reports none.
func DefaultPreferences() Preferences {
	return Preferences{NotificationInterval: DefaultNotificationInterval}
}
