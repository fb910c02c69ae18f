package smartthings

import (
	"context"
	"sync"

	"github.com/sweeney/bus-notifier/internal/logic"
)

// Call is one recorded platform request.
type Call struct {
	Method string
	Target string // device or installed app ID
	Args   []string
}

// FakePlatform records platform calls and behaves like a virtual notifier:
// countdowns, status line and button written through it are read back by
// DeviceStatus.
type FakePlatform struct {
	mu sync.Mutex

	// Calls contains every request in arrival order.
	Calls []Call

	// Devices holds the current capability state per device.
	Devices map[string]logic.DeviceStatus

	// Prefs holds device preferences; missing devices get the defaults.
	Prefs map[string]logic.Preferences

	// StatusError, if set, is returned by DeviceStatus.
	StatusError error

	// CommandError, if set, is returned by every device command.
	CommandError error

	// Switched records the last switch command per device ("off").
	Switched map[string]string
}

// NewFakePlatform creates an empty FakePlatform.
func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		Devices:  make(map[string]logic.DeviceStatus),
		Prefs:    make(map[string]logic.Preferences),
		Switched: make(map[string]string),
	}
}

func (f *FakePlatform) record(method, target string, args ...string) {
	f.Calls = append(f.Calls, Call{Method: method, Target: target, Args: args})
}

// SetCountdowns records and applies the display write.
func (f *FakePlatform) SetCountdowns(_ context.Context, deviceID, first, second, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetCountdowns", deviceID, first, second, status)
	if f.CommandError != nil {
		return f.CommandError
	}
	d := f.Devices[deviceID]
	d.FirstRemaining, d.SecondRemaining, d.StatusMessage = first, second, status
	f.Devices[deviceID] = d
	return nil
}

// SetStatus records and applies the status line.
func (f *FakePlatform) SetStatus(_ context.Context, deviceID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetStatus", deviceID, message)
	if f.CommandError != nil {
		return f.CommandError
	}
	d := f.Devices[deviceID]
	d.StatusMessage = message
	f.Devices[deviceID] = d
	return nil
}

// Speak records one call per speaker.
func (f *FakePlatform) Speak(_ context.Context, speakers []string, phrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range speakers {
		f.record("Speak", s, phrase)
	}
	return f.CommandError
}

// SetButton records and applies the button state.
func (f *FakePlatform) SetButton(_ context.Context, deviceID string, status logic.ButtonStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetButton", deviceID, string(status))
	if f.CommandError != nil {
		return f.CommandError
	}
	d := f.Devices[deviceID]
	d.Button = status
	f.Devices[deviceID] = d
	return nil
}

// SwitchOff records the switch command.
func (f *FakePlatform) SwitchOff(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SwitchOff", deviceID)
	if f.CommandError != nil {
		return f.CommandError
	}
	f.Switched[deviceID] = "off"
	return nil
}

// DeviceStatus returns the current virtual device state.
func (f *FakePlatform) DeviceStatus(_ context.Context, deviceID string) (logic.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusError != nil {
		return logic.DeviceStatus{}, f.StatusError
	}
	return f.Devices[deviceID], nil
}

// Preferences returns the configured preferences or the defaults.
func (f *FakePlatform) Preferences(_ context.Context, deviceID string) (logic.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Prefs[deviceID]; ok {
		return p, nil
	}
	return logic.DefaultPreferences(), nil
}

// ScheduleUpdates records the schedule.
func (f *FakePlatform) ScheduleUpdates(_ context.Context, installedAppID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ScheduleUpdates", installedAppID)
	return nil
}

// DeleteSchedules records the deletion.
func (f *FakePlatform) DeleteSchedules(_ context.Context, installedAppID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteSchedules", installedAppID)
	return nil
}

// SubscribeSwitch records the subscription.
func (f *FakePlatform) SubscribeSwitch(_ context.Context, installedAppID, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SubscribeSwitch", installedAppID, deviceID)
	return nil
}

// CallsTo returns the recorded calls of one method.
func (f *FakePlatform) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Device returns the current virtual state of deviceID.
func (f *FakePlatform) Device(deviceID string) logic.DeviceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Devices[deviceID]
}

// Reset clears recorded calls and injected errors but keeps device state.
func (f *FakePlatform) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
	f.StatusError = nil
	f.CommandError = nil
	f.Switched = make(map[string]string)
}
