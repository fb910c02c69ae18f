// Package service glues the reconciliation engine to the outside world: it
// loads device state, fetches predictions, reads the notifier, applies the
// engine's decision and records the outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/bus-notifier/internal/events"
	"github.com/sweeney/bus-notifier/internal/logging"
	"github.com/sweeney/bus-notifier/internal/logic"
	"github.com/sweeney/bus-notifier/internal/smartthings"
	"github.com/sweeney/bus-notifier/internal/status"
	"github.com/sweeney/bus-notifier/internal/store"
	"github.com/sweeney/bus-notifier/internal/transit"
)

// pollConcurrency bounds the devices ticked in parallel by TickAll.
const pollConcurrency = 4

// Notifier drives the notifier device and the speakers.
type Notifier interface {
	SetCountdowns(ctx context.Context, deviceID, first, second, status string) error
	SetStatus(ctx context.Context, deviceID, message string) error
	SetButton(ctx context.Context, deviceID string, status logic.ButtonStatus) error
	SwitchOff(ctx context.Context, deviceID string) error
	Speak(ctx context.Context, speakers []string, phrase string) error
}

// DeviceReader reads the notifier's current display and settings.
type DeviceReader interface {
	DeviceStatus(ctx context.Context, deviceID string) (logic.DeviceStatus, error)
	Preferences(ctx context.Context, deviceID string) (logic.Preferences, error)
}

// Scheduler manages the per-minute update timer.
type Scheduler interface {
	ScheduleUpdates(ctx context.Context, installedAppID string) error
	DeleteSchedules(ctx context.Context, installedAppID string) error
}

// Metrics receives tick observations.
type Metrics interface {
	ObserveDecision(kind string, d time.Duration)
	ObserveSuppressed()
	ObserveCommandError(command string)
	ObserveEvent(err error)
	SetActiveDevices(n int)
}

// Deps are the collaborators of a Service. Predictor, Store, Notifier,
// Devices and Scheduler are required.
type Deps struct {
	Predictor  transit.Predictor
	Store      store.Store
	Notifier   Notifier
	Devices    DeviceReader
	Scheduler  Scheduler
	Events     events.Publisher
	Tracker    *status.Tracker
	Metrics    Metrics
	Thresholds logic.Thresholds
	Location   *time.Location
	Now        func() time.Time
	Logger     *slog.Logger

	// SelfScheduled means the daemon's own poll loop drives the updates,
	// so SwitchOn does not create the platform's per-minute timer.
	SelfScheduled bool
}

// Service implements the SmartApp lifecycle handlers.
type Service struct {
	predictor transit.Predictor
	store     store.Store
	notifier  Notifier
	devices   DeviceReader
	scheduler Scheduler
	events    events.Publisher
	tracker   *status.Tracker
	metrics   Metrics
	th        logic.Thresholds
	loc       *time.Location
	now       func() time.Time
	logger    *slog.Logger
	locks     *keyedMutex
	selfSched bool
}

var _ smartthings.LifecycleHandler = (*Service)(nil)

// New creates a Service. Optional dependencies get no-op or default values.
func New(d Deps) *Service {
	s := &Service{
		predictor: d.Predictor,
		store:     d.Store,
		notifier:  d.Notifier,
		devices:   d.Devices,
		scheduler: d.Scheduler,
		events:    d.Events,
		tracker:   d.Tracker,
		metrics:   d.Metrics,
		th:        d.Thresholds,
		loc:       d.Location,
		now:       d.Now,
		logger:    d.Logger,
		locks:     newKeyedMutex(),
		selfSched: d.SelfScheduled,
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.tracker == nil {
		s.tracker = status.NewTracker(time.Now(), status.Config{})
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.th == (logic.Thresholds{}) {
		s.th = logic.DefaultThresholds()
	}
	if s.loc == nil {
		s.loc = logic.KST
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) log(ctx context.Context, deviceID string) *slog.Logger {
	return logging.FromContextOr(ctx, s.logger).With(slog.String("device_id", deviceID))
}

// Configure records the installation's settings. A changed stop or route
// set drops the saved baseline so the next tick bootstraps again.
func (s *Service) Configure(ctx context.Context, app smartthings.InstalledApp) error {
	unlock := s.locks.Lock(app.DeviceID)
	defer unlock()

	cfg := configFrom(app)
	_, err := s.store.Update(ctx, app.DeviceID, func(st *store.DeviceState) error {
		if st.Initialized() && !sameQuery(st.Config, cfg) {
			st.ArrivalTimes = [2]int{}
		}
		st.DeviceID = app.DeviceID
		st.InstalledAppID = app.InstalledAppID
		st.Config = cfg
		return nil
	})
	if err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}
	logging.LogOperation(s.log(ctx, app.DeviceID), "configured",
		slog.Int("city", cfg.CityNumber),
		slog.String("stop", cfg.StopCode),
		slog.Int("routes", len(cfg.RouteCodes)))
	return nil
}

// SwitchOn bootstraps the device from fresh predictions and starts the
// per-minute updates, unless the poll loop already drives them.
func (s *Service) SwitchOn(ctx context.Context, app smartthings.InstalledApp) error {
	unlock := s.locks.Lock(app.DeviceID)
	defer unlock()

	err := s.bootstrap(ctx, app, !s.selfSched)
	s.refreshActive(ctx)
	return err
}

// SwitchOff stops the updates and marks the device inactive.
func (s *Service) SwitchOff(ctx context.Context, app smartthings.InstalledApp) error {
	unlock := s.locks.Lock(app.DeviceID)
	defer unlock()

	var errs []error
	if err := s.scheduler.DeleteSchedules(ctx, app.InstalledAppID); err != nil {
		s.metrics.ObserveCommandError("delete_schedules")
		errs = append(errs, fmt.Errorf("delete schedules: %w", err))
	}

	_, err := s.store.Get(ctx, app.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		errs = append(errs, fmt.Errorf("load state: %w", err))
	default:
		if _, err := s.store.Update(ctx, app.DeviceID, func(st *store.DeviceState) error {
			st.Active = false
			return nil
		}); err != nil {
			errs = append(errs, fmt.Errorf("save state: %w", err))
		}
	}

	s.tracker.SetActive(app.DeviceID, false)
	s.refreshActive(ctx)
	s.log(ctx, app.DeviceID).Info("switched off")
	return errors.Join(errs...)
}

// Uninstall deletes every record kept for the installation.
func (s *Service) Uninstall(ctx context.Context, app smartthings.InstalledApp) error {
	ids := map[string]bool{}
	if app.DeviceID != "" {
		ids[app.DeviceID] = true
	}
	if app.InstalledAppID != "" {
		states, err := s.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list states: %w", err)
		}
		for _, st := range states {
			if st.InstalledAppID == app.InstalledAppID {
				ids[st.DeviceID] = true
			}
		}
	}

	var errs []error
	for id := range ids {
		unlock := s.locks.Lock(id)
		if err := s.store.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
		}
		unlock()
		s.tracker.Remove(id)
		s.log(ctx, id).Info("uninstalled")
	}
	s.refreshActive(ctx)
	return errors.Join(errs...)
}

// Tick runs one reconciliation for the device. An unknown or reset device
// is bootstrapped; an inactive one is left alone.
func (s *Service) Tick(ctx context.Context, app smartthings.InstalledApp) error {
	unlock := s.locks.Lock(app.DeviceID)
	defer unlock()

	logger := s.log(ctx, app.DeviceID)
	start := s.now()

	st, err := s.store.Get(ctx, app.DeviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("no state for device, bootstrapping")
		return s.bootstrap(ctx, app, false)
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	case !st.Active:
		logger.Debug("device inactive, skipping tick")
		return nil
	case !st.Initialized():
		logger.Info("baseline reset, bootstrapping")
		return s.bootstrap(ctx, app, false)
	}

	cfg := st.Config
	if app.StopCode != "" {
		cfg = configFrom(app)
	}

	shown, err := s.devices.DeviceStatus(ctx, app.DeviceID)
	if err != nil {
		logging.LogError(logger, "device status unavailable", err)
		return s.finish(ctx, st, cfg, logic.NoData(logic.ReasonError), st.ErrorCount, start)
	}

	arrivals, err := s.predictor.FetchPredictions(ctx, query(cfg))
	if err != nil {
		reason, suppressible := reasonFor(err)
		errorCount := st.ErrorCount
		if suppressible {
			var suppress bool
			suppress, errorCount = logic.SuppressFailure(st.ErrorCount)
			if suppress {
				return s.suppress(ctx, st, reason, errorCount, err, start)
			}
		}
		logging.LogError(logger, "prediction failed", err,
			slog.String("reason", string(reason)),
			slog.Int("error_count", errorCount))
		return s.finish(ctx, st, cfg, logic.NoData(reason), errorCount, start)
	}

	now := s.now()
	last, err := logic.ParseStatusTime(shown.StatusMessage, now, s.loc)
	if err != nil {
		logging.LogError(logger, "status line unreadable", err)
		return s.finish(ctx, st, cfg, logic.NoData(logic.ReasonError), 0, start)
	}

	first, second := predictionPair(arrivals)
	in := logic.Input{
		FirstDisplayed:  logic.DecodeDisplay(shown.FirstRemaining),
		SecondDisplayed: logic.DecodeDisplay(shown.SecondRemaining),
		FirstPredicted:  first,
		SecondPredicted: second,
		SavedFirst:      st.ArrivalTimes[0],
		SavedSecond:     st.ArrivalTimes[1],
		Elapsed:         logic.ElapsedSeconds(last, now),
	}
	d, err := logic.Reconcile(in, s.th)
	if err != nil {
		logging.LogError(logger, "displayed countdowns rejected", err)
		return s.finish(ctx, st, cfg, logic.NoData(logic.ReasonError), 0, start)
	}
	if d.Terminal() {
		return s.finish(ctx, st, cfg, d, 0, start)
	}
	if st.ButtonStatus == "" {
		st.ButtonStatus = shown.Button
	}
	return s.display(ctx, st, cfg, d, arrivals.Buses, start)
}

// TickAll ticks every active device and returns how many were ticked.
// Per-device failures are logged, not returned.
func (s *Service) TickAll(ctx context.Context) (int, error) {
	states, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list states: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	n := 0
	for _, st := range states {
		if !st.Active {
			continue
		}
		n++
		app := AppFromState(st)
		g.Go(func() error {
			if err := s.Tick(ctx, app); err != nil {
				logging.LogError(s.log(ctx, app.DeviceID), "tick failed", err)
			}
			return nil
		})
	}
	g.Wait()
	s.refreshActive(ctx)
	return n, nil
}

// AppFromState rebuilds the installation view of a stored record, for ticks
// not driven by a platform event.
func AppFromState(st store.DeviceState) smartthings.InstalledApp {
	return smartthings.InstalledApp{
		InstalledAppID: st.InstalledAppID,
		DeviceID:       st.DeviceID,
		Speakers:       st.Config.Speakers,
		CityNumber:     st.Config.CityNumber,
		StopCode:       st.Config.StopCode,
		RouteCodes:     st.Config.RouteCodes,
	}
}

// bootstrap replaces the record with fresh predictions and displays them.
// Prediction failures surface at once, without the grace tick.
func (s *Service) bootstrap(ctx context.Context, app smartthings.InstalledApp, schedule bool) error {
	logger := s.log(ctx, app.DeviceID)
	start := s.now()
	cfg := configFrom(app)

	prefs, err := s.devices.Preferences(ctx, app.DeviceID)
	if err != nil {
		logging.LogError(logger, "preferences unavailable, using defaults", err)
		prefs = logic.DefaultPreferences()
	}
	if prefs.NotificationInterval <= 0 {
		prefs.NotificationInterval = logic.DefaultNotificationInterval
	}

	arrivals, err := s.predictor.FetchPredictions(ctx, query(cfg))
	if err != nil {
		reason, _ := reasonFor(err)
		logging.LogError(logger, "bootstrap prediction failed", err, slog.String("reason", string(reason)))
		st := store.DeviceState{DeviceID: app.DeviceID, InstalledAppID: app.InstalledAppID}
		return s.finish(ctx, st, cfg, logic.NoData(reason), 0, start)
	}

	first, second := predictionPair(arrivals)
	now := s.now()

	var plan logic.NotifyPlan
	st, err := s.store.Update(ctx, app.DeviceID, func(st *store.DeviceState) error {
		installedAppID := app.InstalledAppID
		if installedAppID == "" {
			installedAppID = st.InstalledAppID
		}
		*st = store.DeviceState{
			DeviceID:             app.DeviceID,
			InstalledAppID:       installedAppID,
			Config:               cfg,
			ArrivalTimes:         [2]int{first, second},
			RemainingTimes:       [2]int{first, second},
			UpdatedAt:            now,
			ButtonStatus:         logic.ButtonReady,
			NotificationInterval: prefs.NotificationInterval,
			Active:               true,
		}
		if prefs.StopNameRequired {
			st.StopName = arrivals.StopName
		}
		if prefs.RouteNumberRequired {
			st.RouteNumbers = routeNumbers(arrivals.Buses)
		}

		// A primed counter makes the first display announce.
		notify := notifyState(*st)
		notify.Progress = st.NotificationInterval
		plan = logic.PlanNotifications(notify, first, second, s.th)
		applyPlan(st, plan)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save bootstrap state: %w", err)
	}

	var g errgroup.Group
	s.command(&g, "set_countdowns", func() error {
		return s.notifier.SetCountdowns(ctx, app.DeviceID,
			logic.Encode(first), logic.Encode(second), logic.FormatStatus(now, s.loc))
	})
	s.announce(ctx, &g, st, plan)
	if schedule {
		s.command(&g, "schedule_updates", func() error {
			return s.scheduler.ScheduleUpdates(ctx, st.InstalledAppID)
		})
	}
	err = g.Wait()

	s.record(ctx, st, logic.Display(first, second), plan, false, start)
	return err
}

// display persists a DISPLAY decision, then writes it to the device.
func (s *Service) display(ctx context.Context, prev store.DeviceState, cfg store.Config, d logic.Decision, buses []transit.Bus, start time.Time) error {
	now := s.now()

	var plan logic.NotifyPlan
	st, err := s.store.Update(ctx, prev.DeviceID, func(st *store.DeviceState) error {
		st.Config = cfg
		st.RemainingTimes = [2]int{d.First, d.Second}
		st.UpdatedAt = now
		st.ErrorCount = 0
		if st.ButtonStatus == "" {
			st.ButtonStatus = prev.ButtonStatus
		}
		if d.Save != nil {
			st.ArrivalTimes = *d.Save
			if st.RouteNumbers != ([2]string{}) {
				st.RouteNumbers = routeNumbers(buses)
			}
		}
		plan = logic.PlanNotifications(notifyState(*st), d.First, d.Second, s.th)
		applyPlan(st, plan)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save display state: %w", err)
	}

	var g errgroup.Group
	s.command(&g, "set_countdowns", func() error {
		return s.notifier.SetCountdowns(ctx, st.DeviceID,
			logic.Encode(d.First), logic.Encode(d.Second), logic.FormatStatus(now, s.loc))
	})
	s.announce(ctx, &g, st, plan)
	err = g.Wait()

	s.record(ctx, st, d, plan, false, start)
	return err
}

// finish persists a terminal decision, including any new baseline it
// carries, then switches the notifier off and announces the decision's
// message on the status line and the speakers.
func (s *Service) finish(ctx context.Context, prev store.DeviceState, cfg store.Config, d logic.Decision, errorCount int, start time.Time) error {
	st, err := s.store.Update(ctx, prev.DeviceID, func(st *store.DeviceState) error {
		st.DeviceID = prev.DeviceID
		if st.InstalledAppID == "" {
			st.InstalledAppID = prev.InstalledAppID
		}
		st.Config = cfg
		st.ErrorCount = errorCount
		st.Active = false
		if d.Save != nil {
			st.ArrivalTimes = *d.Save
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save terminal state: %w", err)
	}

	msg := d.Message()
	var g errgroup.Group
	s.command(&g, "switch_off", func() error { return s.notifier.SwitchOff(ctx, st.DeviceID) })
	s.command(&g, "set_status", func() error { return s.notifier.SetStatus(ctx, st.DeviceID, msg) })
	if len(cfg.Speakers) > 0 {
		s.command(&g, "speak", func() error { return s.notifier.Speak(ctx, cfg.Speakers, msg) })
	}
	err = g.Wait()

	s.record(ctx, st, d, logic.NotifyPlan{}, false, start)
	return err
}

// suppress counts a prediction failure without touching the device.
func (s *Service) suppress(ctx context.Context, prev store.DeviceState, reason logic.Reason, errorCount int, cause error, start time.Time) error {
	st, err := s.store.Update(ctx, prev.DeviceID, func(st *store.DeviceState) error {
		st.ErrorCount = errorCount
		return nil
	})
	if err != nil {
		return fmt.Errorf("save error count: %w", err)
	}

	s.log(ctx, st.DeviceID).Warn("prediction failed, suppressing",
		slog.String("error", cause.Error()),
		slog.String("reason", string(reason)),
		slog.Int("error_count", errorCount))
	s.metrics.ObserveSuppressed()
	s.record(ctx, st, logic.NoData(reason), logic.NotifyPlan{}, true, start)
	return nil
}

// announce queues speech and button commands of a notification plan.
func (s *Service) announce(ctx context.Context, g *errgroup.Group, st store.DeviceState, plan logic.NotifyPlan) {
	if plan.Speech != "" && len(st.Config.Speakers) > 0 {
		s.command(g, "speak", func() error { return s.notifier.Speak(ctx, st.Config.Speakers, plan.Speech) })
	}
	if plan.Button != "" {
		s.command(g, "set_button", func() error { return s.notifier.SetButton(ctx, st.DeviceID, plan.Button) })
	}
}

func (s *Service) command(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() error {
		if err := fn(); err != nil {
			s.metrics.ObserveCommandError(name)
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// record publishes the decision event and updates the tracker and metrics.
// Event sink failures never fail the tick.
func (s *Service) record(ctx context.Context, st store.DeviceState, d logic.Decision, plan logic.NotifyPlan, suppressed bool, start time.Time) {
	logger := s.log(ctx, st.DeviceID)
	now := s.now()

	ev := events.DecisionEvent{
		Timestamp:  now,
		DeviceID:   st.DeviceID,
		Kind:       d.Kind,
		First:      d.First,
		Second:     d.Second,
		Reason:     d.Reason,
		Speech:     plan.Speech,
		Button:     plan.Button,
		Suppressed: suppressed,
	}
	if d.Terminal() && !suppressed {
		ev.Message = d.Message()
	}
	err := s.events.Publish(ev)
	s.metrics.ObserveEvent(err)
	if err != nil {
		logging.LogError(logger, "failed to publish decision", err)
	}

	s.tracker.Record(status.Device{
		DeviceID:   st.DeviceID,
		StopName:   st.StopName,
		Kind:       d.Kind,
		Reason:     d.Reason,
		First:      d.First,
		Second:     d.Second,
		Suppressed: suppressed,
		ErrorCount: st.ErrorCount,
		Active:     st.Active,
		UpdatedAt:  now,
	})
	s.metrics.ObserveDecision(string(d.Kind), now.Sub(start))

	attrs := []slog.Attr{slog.String("kind", string(d.Kind))}
	if d.Kind == logic.KindDisplay {
		attrs = append(attrs, slog.Int("first", d.First), slog.Int("second", d.Second))
	}
	if d.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(d.Reason)))
	}
	if suppressed {
		attrs = append(attrs, slog.Bool("suppressed", true))
	}
	attrs = append(attrs, slog.Duration("duration", now.Sub(start)))
	logging.LogOperation(logger, "decision", attrs...)
}

func (s *Service) refreshActive(ctx context.Context) {
	states, err := s.store.List(ctx)
	if err != nil {
		logging.LogError(logging.FromContextOr(ctx, s.logger), "failed to count active devices", err)
		return
	}
	n := 0
	for _, st := range states {
		if st.Active {
			n++
		}
	}
	s.metrics.SetActiveDevices(n)
}

func configFrom(app smartthings.InstalledApp) store.Config {
	return store.Config{
		CityNumber: app.CityNumber,
		StopCode:   app.StopCode,
		RouteCodes: app.RouteCodes,
		Speakers:   app.Speakers,
	}
}

func sameQuery(a, b store.Config) bool {
	return a.CityNumber == b.CityNumber && a.StopCode == b.StopCode && slices.Equal(a.RouteCodes, b.RouteCodes)
}

func query(cfg store.Config) transit.Query {
	return transit.Query{CityNumber: cfg.CityNumber, StopCode: cfg.StopCode, RouteCodes: cfg.RouteCodes}
}

// predictionPair returns the two soonest arrivals, NoBus for a missing second.
func predictionPair(a transit.Arrivals) (first, second int) {
	first, second = logic.NoBus, logic.NoBus
	if len(a.Buses) > 0 {
		first = a.Buses[0].ArrivalSeconds
	}
	if len(a.Buses) > 1 {
		second = a.Buses[1].ArrivalSeconds
	}
	return first, second
}

func routeNumbers(buses []transit.Bus) [2]string {
	var out [2]string
	for i := 0; i < len(buses) && i < 2; i++ {
		out[i] = transit.RouteNumber(buses[i].RouteName)
	}
	return out
}

func notifyState(st store.DeviceState) logic.NotifyState {
	return logic.NotifyState{
		Progress:     st.Progress,
		Interval:     st.NotificationInterval,
		StopName:     st.StopName,
		RouteNumbers: st.RouteNumbers,
		Button:       st.ButtonStatus,
	}
}

func applyPlan(st *store.DeviceState, plan logic.NotifyPlan) {
	st.Progress = plan.Progress
	if plan.Button != "" {
		st.ButtonStatus = plan.Button
	}
}

// reasonFor maps a prediction failure to the announced reason and whether
// the grace tick applies. Only provider failures get one; a stop without
// buses is not a glitch, and neither is anything outside the provider.
func reasonFor(err error) (logic.Reason, bool) {
	if errors.Is(err, transit.ErrNoActiveBus) {
		return logic.ReasonNoBus, false
	}
	var terr *transit.Error
	if !errors.As(err, &terr) {
		return logic.ReasonError, false
	}
	switch terr.Class {
	case transit.ClassUnauthorized:
		return logic.ReasonUnauthorized, true
	case transit.ClassForbidden:
		return logic.ReasonForbidden, true
	case transit.ClassServiceUnavailable:
		return logic.ReasonServiceUnavailable, true
	}
	return logic.ReasonError, true
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(string, time.Duration) {}
func (nopMetrics) ObserveSuppressed()                    {}
func (nopMetrics) ObserveCommandError(string)            {}
func (nopMetrics) ObserveEvent(error)                    {}
func (nopMetrics) SetActiveDevices(int)                  {}
