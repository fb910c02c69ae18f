package smartthings

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/bus-notifier/internal/logic"
)

// Custom capabilities of the virtual bus notifier device.
const (
	CapFirstRemainingTime  = "spikysummer19613.firstRemainingTime"
	CapSecondRemainingTime = "spikysummer19613.secondRemainingTime"
	CapStatusMessage       = "spikysummer19613.statusMessage"
	CapNotificationButton  = "spikysummer19613.notificationButton"
	CapSpeechSynthesis     = "speechSynthesis"
	CapSwitch              = "switch"
)

// ScheduleUpdate names the per-minute timer that drives ticks.
const ScheduleUpdate = "update"

// updateCron fires every minute.
const updateCron = "0/1 * * * ? *"

func setTime(capability, value string) Command {
	return Command{Capability: capability, Command: "setTime", Arguments: []any{value}}
}

func setMessage(message string) Command {
	return Command{Capability: CapStatusMessage, Command: "setMessage", Arguments: []any{message}}
}

// SetCountdowns writes both countdown slots and the status line in one request.
func (c *Client) SetCountdowns(ctx context.Context, deviceID, first, second, status string) error {
	return c.ExecuteCommands(ctx, deviceID,
		setTime(CapFirstRemainingTime, first),
		setTime(CapSecondRemainingTime, second),
		setMessage(status),
	)
}

// SetStatus writes the status line.
func (c *Client) SetStatus(ctx context.Context, deviceID, message string) error {
	return c.ExecuteCommands(ctx, deviceID, setMessage(message))
}

// SetButton sets the notification button state.
func (c *Client) SetButton(ctx context.Context, deviceID string, status logic.ButtonStatus) error {
	return c.ExecuteCommands(ctx, deviceID, Command{
		Capability: CapNotificationButton,
		Command:    "setButton",
		Arguments:  []any{string(status)},
	})
}

// SwitchOff turns the notifier off.
func (c *Client) SwitchOff(ctx context.Context, deviceID string) error {
	return c.ExecuteCommands(ctx, deviceID, Command{Capability: CapSwitch, Command: "off"})
}

// Speak sends phrase to every speaker concurrently.
func (c *Client) Speak(ctx context.Context, speakers []string, phrase string) error {
	var g errgroup.Group
	for _, id := range speakers {
		g.Go(func() error {
			return c.ExecuteCommands(ctx, id, Command{
				Capability: CapSpeechSynthesis,
				Command:    "speak",
				Arguments:  []any{phrase},
			})
		})
	}
	return g.Wait()
}

// DeviceStatus reads the raw display state of the notifier.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (logic.DeviceStatus, error) {
	var st deviceStatus
	if err := c.do(ctx, http.MethodGet, "/devices/"+deviceID+"/status", nil, &st); err != nil {
		return logic.DeviceStatus{}, err
	}
	if _, ok := st.Components["main"]; !ok {
		return logic.DeviceStatus{}, fmt.Errorf("device %s: no main component", deviceID)
	}
	return logic.DeviceStatus{
		FirstRemaining:  st.attribute(CapFirstRemainingTime, "remainingTime"),
		SecondRemaining: st.attribute(CapSecondRemainingTime, "remainingTime"),
		StatusMessage:   st.attribute(CapStatusMessage, "message"),
		Button:          logic.ButtonStatus(st.attribute(CapNotificationButton, "button")),
	}, nil
}

// Preferences reads the notifier's device preferences.
func (c *Client) Preferences(ctx context.Context, deviceID string) (logic.Preferences, error) {
	var p devicePreferences
	if err := c.do(ctx, http.MethodGet, "/devices/"+deviceID+"/preferences", nil, &p); err != nil {
		return logic.Preferences{}, err
	}
	prefs := logic.Preferences{
		NotificationInterval: p.integer("notificationInterval"),
		StopNameRequired:     p.boolean("stopNameRequired"),
		RouteNumberRequired:  p.boolean("routeNumberRequired"),
	}
	if prefs.NotificationInterval <= 0 {
		prefs.NotificationInterval = logic.DefaultNotificationInterval
	}
	return prefs, nil
}

// ScheduleUpdates installs the per-minute update timer.
func (c *Client) ScheduleUpdates(ctx context.Context, installedAppID string) error {
	return c.Schedule(ctx, installedAppID, ScheduleUpdate, updateCron)
}

// SubscribeSwitch replaces the app's subscriptions with switch on/off
// subscriptions for the notifier.
func (c *Client) SubscribeSwitch(ctx context.Context, installedAppID, deviceID string) error {
	if err := c.DeleteSubscriptions(ctx, installedAppID); err != nil {
		return err
	}
	if err := c.DeleteSchedules(ctx, installedAppID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range []DeviceSubscription{
		{DeviceID: deviceID, Capability: CapSwitch, Attribute: "switch", Value: "on", SubscriptionName: SubscriptionOn},
		{DeviceID: deviceID, Capability: CapSwitch, Attribute: "switch", Value: "off", SubscriptionName: SubscriptionOff},
	} {
		g.Go(func() error { return c.Subscribe(gctx, installedAppID, sub) })
	}
	return g.Wait()
}
