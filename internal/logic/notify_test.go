package logic

import "testing"

func TestArrivalMessage(t *testing.T) {
	tests := []struct {
		name          string
		stop          string
		routes        [2]string
		first, second int
		want          string
	}{
		{"ordinals", "", [2]string{}, 300, 600, "첫 번째 버스가 5분 0초 후 도착, 두 번째 버스가 10분 0초 후 도착 예정입니다"},
		{"stop and routes", "시청앞", [2]string{"100", "200"}, 300, 600, "시청앞, 100번 버스가 5분 0초 후 도착, 200번 버스가 10분 0초 후 도착 예정입니다"},
		{"shortly", "", [2]string{"100", ""}, 90, 600, "100번 버스가 잠시 후 도착, 두 번째 버스가 10분 0초 후 도착 예정입니다"},
		{"first arrived uses first route", "", [2]string{"100", "200"}, Arrived, 400, "100번 버스가 6분 40초 후 도착 예정입니다"},
		{"first arrived falls back to second route", "", [2]string{"", "200"}, Arrived, 400, "200번 버스가 6분 40초 후 도착 예정입니다"},
		{"first arrived no routes", "정류장", [2]string{}, Arrived, 400, "정류장, 두 번째 버스가 6분 40초 후 도착 예정입니다"},
		{"single bus", "", [2]string{}, 400, NoBus, "첫 번째 버스가 6분 40초 후 도착 예정입니다"},
		{"nothing live", "정류장", [2]string{}, Arrived, NoBus, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ArrivalMessage(tt.stop, tt.routes, tt.first, tt.second, 120)
			if got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestPlanNotificationsInterval(t *testing.T) {
	th := DefaultThresholds()
	st := NotifyState{Interval: 3, Button: ButtonReady}

	var spoken int
	for tick := 0; tick < 9; tick++ {
		plan := PlanNotifications(st, 600, 900, th)
		if plan.Speech != "" {
			spoken++
		}
		st.Progress = plan.Progress
	}
	if spoken != 3 {
		t.Errorf("expected 3 announcements in 9 ticks, got %d", spoken)
	}
}

func TestPlanNotificationsPrimedProgressSpeaksImmediately(t *testing.T) {
	st := NotifyState{Progress: 3, Interval: 3, Button: ButtonReady}
	plan := PlanNotifications(st, 600, 900, DefaultThresholds())
	if plan.Speech == "" {
		t.Error("expected announcement on a primed counter")
	}
	if plan.Progress != 0 {
		t.Errorf("expected progress reset, got %d", plan.Progress)
	}
}

func TestPlanNotificationsDefaultInterval(t *testing.T) {
	st := NotifyState{Progress: 0, Interval: 0, Button: ButtonReady}
	plan := PlanNotifications(st, 600, 900, DefaultThresholds())
	if plan.Speech != "" || plan.Progress != 1 {
		t.Errorf("expected silent tick with progress 1, got %+v", plan)
	}
}

func TestPlanNotificationsProximityGate(t *testing.T) {
	th := DefaultThresholds()
	th.Proximity = 300
	st := NotifyState{Progress: 5, Interval: 3, Button: ButtonReady}

	far := PlanNotifications(st, 600, 900, th)
	if far.Speech != "" {
		t.Errorf("expected no speech beyond proximity, got %q", far.Speech)
	}
	if far.Progress != 3 {
		t.Errorf("expected primed progress 3, got %d", far.Progress)
	}

	st.Progress = far.Progress
	near := PlanNotifications(st, 280, 900, th)
	if near.Speech == "" {
		t.Error("expected speech within proximity")
	}
}

func TestPlanNotificationsButton(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name          string
		button        ButtonStatus
		first, second int
		want          ButtonStatus
	}{
		{"far away", ButtonReady, 600, 900, ""},
		{"first reached", ButtonReady, 120, 900, ButtonPushed},
		{"first already pushed", ButtonPushed, 100, 900, ""},
		{"second reached after first", ButtonPushed, Arrived, 100, ButtonDouble},
		{"arrived first pushes from ready", ButtonReady, Arrived, 100, ButtonPushed},
		{"arrived first with no second", ButtonReady, Arrived, NoBus, ButtonPushed},
		{"second reached after arrived push", ButtonPushed, Arrived, 100, ButtonDouble},
		{"double already sent", ButtonDouble, Arrived, 60, ""},
		{"no first bus", ButtonReady, NoBus, NoBus, ""},
		{"blank first", ButtonReady, Blank, 100, ButtonDouble},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NotifyState{Progress: 0, Interval: 3, Button: tt.button}
			plan := PlanNotifications(st, tt.first, tt.second, th)
			if plan.Button != tt.want {
				t.Errorf("got %q, want %q", plan.Button, tt.want)
			}
		})
	}
}
