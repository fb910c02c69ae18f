package internal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/bus-notifier/internal/events"
	"github.com/sweeney/bus-notifier/internal/logic"
	"github.com/sweeney/bus-notifier/internal/metrics"
	"github.com/sweeney/bus-notifier/internal/service"
	"github.com/sweeney/bus-notifier/internal/smartthings"
	"github.com/sweeney/bus-notifier/internal/status"
	"github.com/sweeney/bus-notifier/internal/store"
	"github.com/sweeney/bus-notifier/internal/transit"
	"github.com/sweeney/bus-notifier/internal/web"
)

const installedApp = `{
  "installedAppId": "app-1",
  "locationId": "loc-1",
  "config": {
    "notifier": [{"valueType":"DEVICE","deviceConfig":{"deviceId":"dev-1","componentId":"main"}}],
    "speakers": [
      {"valueType":"DEVICE","deviceConfig":{"deviceId":"spk-1","componentId":"main"}},
      {"valueType":"DEVICE","deviceConfig":{"deviceId":"spk-2","componentId":"main"}}],
    "cityNumber": [{"valueType":"STRING","stringConfig":{"value":"25"}}],
    "stopCode": [{"valueType":"STRING","stringConfig":{"value":"S1"}}],
    "routeCodes": [{"valueType":"STRING","stringConfig":{"value":"R1"}}]
  }
}`

func eventBody(events string) string {
	return `{"lifecycle":"EVENT","eventData":{"authToken":"tok","installedApp":` + installedApp + `,"events":[` + events + `]}}`
}

const (
	switchOn  = `{"eventType":"DEVICE_EVENT","deviceEvent":{"subscriptionName":"onHandler","deviceId":"dev-1","capability":"switch","attribute":"switch","value":"on"}}`
	switchOff = `{"eventType":"DEVICE_EVENT","deviceEvent":{"subscriptionName":"offHandler","deviceId":"dev-1","capability":"switch","attribute":"switch","value":"off"}}`
	timer     = `{"eventType":"TIMER_EVENT","timerEvent":{"name":"update","type":"CRON"}}`
)

type system struct {
	url       string
	predictor *transit.FakePredictor
	platform  *smartthings.FakePlatform
	store     store.Store
	events    *events.FakePublisher

	mu  sync.Mutex
	now time.Time
}

func (s *system) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *system) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// newSystem wires the daemon the way main does, with fakes at the edges and
// a real SQLite store.
func newSystem(t *testing.T, seconds ...int) *system {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "notifier.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := &system{
		predictor: transit.NewFakePredictor("시청", seconds...),
		platform:  smartthings.NewFakePlatform(),
		store:     st,
		events:    events.NewFakePublisher(),
		now:       time.Date(2026, 3, 2, 8, 0, 0, 0, logic.KST),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	tracker := status.NewTracker(s.now, status.Config{Store: "sqlite", Thresholds: logic.DefaultThresholds()})
	svc := service.New(service.Deps{
		Predictor:  s.predictor,
		Store:      st,
		Notifier:   s.platform,
		Devices:    s.platform,
		Scheduler:  s.platform,
		Events:     s.events,
		Tracker:    tracker,
		Metrics:    m,
		Thresholds: logic.DefaultThresholds(),
		Location:   logic.KST,
		Now:        s.clock,
		Logger:     logger,
	})
	hook := smartthings.NewWebhook(svc, s.platform, logger)
	srv := web.New(":0", tracker, web.Options{Webhook: hook, Metrics: m, Logger: logger})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	s.url = ts.URL
	return s
}

func (s *system) post(t *testing.T, body string) {
	t.Helper()
	resp, err := http.Post(s.url+web.WebhookPath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("webhook status %d: %s", resp.StatusCode, b)
	}
}

func (s *system) statusJSON(t *testing.T) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(s.url + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return sj
}

func (s *system) phrases() []string {
	var out []string
	for _, c := range s.platform.CallsTo("Speak") {
		out = append(out, c.Target+": "+c.Args[0])
	}
	return out
}

// TestIntegrationFullFlow installs the app, switches the notifier on, runs
// per-minute updates until the bus arrives and checks every outward effect.
func TestIntegrationFullFlow(t *testing.T) {
	s := newSystem(t, 300, 600)
	ctx := context.Background()

	// Install subscribes to the switch and records the configuration.
	s.post(t, `{"lifecycle":"INSTALL","installData":{"authToken":"tok","installedApp":`+installedApp+`}}`)
	if n := len(s.platform.CallsTo("SubscribeSwitch")); n != 1 {
		t.Fatalf("expected 1 switch subscription, got %d", n)
	}
	st, err := s.store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get record after install: %v", err)
	}
	if st.InstalledAppID != "app-1" || st.Config.StopCode != "S1" {
		t.Errorf("unexpected record after install: %+v", st)
	}

	// Switching on bootstraps the countdowns and schedules updates.
	s.post(t, eventBody(switchOn))
	dev := s.platform.Device("dev-1")
	if dev.FirstRemaining != "5분 0초" || dev.SecondRemaining != "10분 0초" {
		t.Errorf("bootstrap display: got %q/%q", dev.FirstRemaining, dev.SecondRemaining)
	}
	if dev.StatusMessage != "08:00:00 기준" {
		t.Errorf("bootstrap status: got %q", dev.StatusMessage)
	}
	if n := len(s.platform.CallsTo("ScheduleUpdates")); n != 1 {
		t.Errorf("expected 1 schedule, got %d", n)
	}
	if n := len(s.platform.CallsTo("Speak")); n != 2 {
		t.Errorf("expected the bootstrap announcement on both speakers, got %d", n)
	}

	// One minute later the prediction agrees with the countdown.
	s.platform.Reset()
	s.advance(time.Minute)
	s.predictor.Set("시청", 240, 540)
	s.post(t, eventBody(timer))
	dev = s.platform.Device("dev-1")
	if dev.FirstRemaining != "4분 0초" || dev.SecondRemaining != "9분 0초" {
		t.Errorf("tick display: got %q/%q", dev.FirstRemaining, dev.SecondRemaining)
	}
	if dev.StatusMessage != "08:01:00 기준" {
		t.Errorf("tick status: got %q", dev.StatusMessage)
	}

	sj := s.statusJSON(t)
	if len(sj.Status.Devices) != 1 {
		t.Fatalf("expected 1 device in status, got %d", len(sj.Status.Devices))
	}
	if d := sj.Status.Devices[0]; d.Kind != string(logic.KindDisplay) || d.First != "4분 0초" || !d.Active {
		t.Errorf("status device: got %+v", d)
	}

	// The prediction stays put while both countdowns run out: the bus has arrived.
	s.platform.Reset()
	s.advance(10 * time.Minute)
	s.post(t, eventBody(timer))

	if n := len(s.platform.CallsTo("SwitchOff")); n != 1 {
		t.Errorf("expected the notifier switched off, got %d", n)
	}
	if msg := s.platform.Device("dev-1").StatusMessage; msg != logic.MessageBusArrived {
		t.Errorf("status message: got %q, want %q", msg, logic.MessageBusArrived)
	}
	want := []string{"spk-1: " + logic.MessageBusArrived, "spk-2: " + logic.MessageBusArrived}
	if got := s.phrases(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("speech: got %v, want %v", got, want)
	}
	st, err = s.store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if st.Active {
		t.Error("expected record inactive after a terminal decision")
	}

	last := s.events.Events[len(s.events.Events)-1]
	if last.Kind != logic.KindBusArrived {
		t.Errorf("decision event: got %s, want %s", last.Kind, logic.KindBusArrived)
	}
	var payload events.Payload
	if err := json.Unmarshal(s.events.Payloads[len(s.events.Payloads)-1], &payload); err != nil {
		t.Fatalf("decode decision payload: %v", err)
	}
	if payload.Decision.Device != "dev-1" || payload.Decision.Message != logic.MessageBusArrived {
		t.Errorf("decision payload: got %+v", payload.Decision)
	}

	// Later timer events are ignored until the notifier is switched on again.
	s.platform.Reset()
	s.advance(time.Minute)
	s.post(t, eventBody(timer))
	if len(s.platform.Calls) != 0 {
		t.Errorf("expected no commands for an inactive notifier, got %+v", s.platform.Calls)
	}
}

// TestIntegrationSuppressedOutage checks that a single provider failure keeps
// the display counting down and a second one is surfaced.
func TestIntegrationSuppressedOutage(t *testing.T) {
	s := newSystem(t, 600, 900)
	s.post(t, eventBody(switchOn))

	s.platform.Reset()
	s.advance(time.Minute)
	s.predictor.Fail(&transit.Error{Class: transit.ClassServiceUnavailable, Provider: "tago"})
	s.post(t, eventBody(timer))

	if len(s.platform.CallsTo("SwitchOff")) != 0 {
		t.Error("first failure should be suppressed")
	}
	sj := s.statusJSON(t)
	if sj.Status.Counts.Suppressed != 1 {
		t.Errorf("suppressed count: got %d, want 1", sj.Status.Counts.Suppressed)
	}

	s.advance(time.Minute)
	s.post(t, eventBody(timer))

	if len(s.platform.CallsTo("SwitchOff")) != 1 {
		t.Error("second failure should switch the notifier off")
	}
	if msg := s.platform.Device("dev-1").StatusMessage; msg != logic.MessageServiceUnavailable {
		t.Errorf("status message: got %q, want %q", msg, logic.MessageServiceUnavailable)
	}
}

// TestIntegrationSwitchOffAndUninstall checks the teardown path.
func TestIntegrationSwitchOffAndUninstall(t *testing.T) {
	s := newSystem(t, 300, 600)
	ctx := context.Background()
	s.post(t, eventBody(switchOn))

	s.post(t, eventBody(switchOff))
	if n := len(s.platform.CallsTo("DeleteSchedules")); n != 1 {
		t.Errorf("expected schedules deleted, got %d", n)
	}
	st, err := s.store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if st.Active {
		t.Error("expected record inactive after switch off")
	}

	s.post(t, `{"lifecycle":"UNINSTALL","uninstallData":{"installedApp":`+installedApp+`}}`)
	if _, err := s.store.Get(ctx, "dev-1"); err == nil {
		t.Error("expected record deleted on uninstall")
	}
	if sj := s.statusJSON(t); len(sj.Status.Devices) != 0 {
		t.Errorf("expected device removed from status, got %d", len(sj.Status.Devices))
	}
}
