package logic

// ButtonStatus is the state of the notifier's notification button.
type ButtonStatus string

const (
	ButtonReady  ButtonStatus = "ready"
	ButtonPushed ButtonStatus = "pushed"
	ButtonDouble ButtonStatus = "double"
)

// DefaultNotificationInterval is the number of ticks between announcements.
const DefaultNotificationInterval = 3

// NotifyState is the per-device notification memory.
type NotifyState struct {
	Progress     int
	Interval     int
	StopName     string
	RouteNumbers [2]string
	Button       ButtonStatus
}

// NotifyPlan is what a DISPLAY tick should announce.
type NotifyPlan struct {
	// Progress is the interval counter to persist.
	Progress int
	// Speech is the phrase to speak, "" for none.
	Speech string
	// Button is the button state to set, "" for none.
	Button ButtonStatus
}

// PlanNotifications decides speech and button signals for a displayed pair.
// Speech fires once every Interval ticks; the button fires on the first tick
// a countdown reaches MinTime and never twice for the same state.
func PlanNotifications(st NotifyState, first, second int, th Thresholds) NotifyPlan {
	var plan NotifyPlan

	interval := st.Interval
	if interval <= 0 {
		interval = DefaultNotificationInterval
	}

	progress := st.Progress + 1
	if progress < interval {
		plan.Progress = progress
	} else if th.Proximity <= 0 || within(first, th.Proximity) || within(second, th.Proximity) {
		plan.Speech = ArrivalMessage(st.StopName, st.RouteNumbers, first, second, th.MinTime)
	} else {
		// Too far away to announce; keep the counter primed for the next tick.
		plan.Progress = interval
	}

	// An arrived first bus counts as reached.
	switch {
	case first >= Arrived && first <= th.MinTime && st.Button == ButtonReady:
		plan.Button = ButtonPushed
	case within(second, th.MinTime) && st.Button != ButtonDouble:
		plan.Button = ButtonDouble
	}

	return plan
}

var ordinals = [2]string{"첫 번째", "두 번째"}

// ArrivalMessage composes the spoken announcement for the two countdowns.
// It is empty when neither countdown is live.
func ArrivalMessage(stopName string, routes [2]string, first, second, minTime int) string {
	firstMsg := arrivalPhrase(first, routes[0], 0, minTime)

	route := routes[1]
	if firstMsg == "" && routes[0] != "" {
		route = routes[0]
	}
	secondMsg := arrivalPhrase(second, route, 1, minTime)

	if firstMsg == "" && secondMsg == "" {
		return ""
	}

	msg := stopName
	if stopName != "" {
		msg += ", "
	}
	msg += firstMsg
	if firstMsg != "" && secondMsg != "" {
		msg += ", "
	}
	return msg + secondMsg + " 예정입니다"
}

func arrivalPhrase(seconds int, route string, order, minTime int) string {
	if seconds <= 0 {
		return ""
	}
	when := "잠시"
	if seconds > minTime {
		when = Encode(seconds)
	}
	name := ordinals[order]
	if route != "" {
		name = route + "번"
	}
	return name + " 버스가 " + when + " 후 도착"
}

func within(seconds, limit int) bool {
	return seconds > 0 && seconds <= limit
}
