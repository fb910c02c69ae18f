// Command bus-notifier serves the SmartThings bus arrival notifier: it keeps
// each virtual notifier's countdowns in step with live bus predictions.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/bus-notifier/internal/config"
	"github.com/sweeney/bus-notifier/internal/events"
	"github.com/sweeney/bus-notifier/internal/logging"
	"github.com/sweeney/bus-notifier/internal/logic"
	"github.com/sweeney/bus-notifier/internal/metrics"
	"github.com/sweeney/bus-notifier/internal/service"
	"github.com/sweeney/bus-notifier/internal/smartthings"
	"github.com/sweeney/bus-notifier/internal/status"
	"github.com/sweeney/bus-notifier/internal/store"
	"github.com/sweeney/bus-notifier/internal/transit"
	"github.com/sweeney/bus-notifier/internal/web"
)

func main() {
	httpAddr := flag.String("http", "", "HTTP listen address (overrides HTTP_ADDR)")
	poll := flag.Duration("poll", -1, "Self-driven update interval (overrides POLL_INTERVAL, 0 disables)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	printArrivals := flag.String("print-arrivals", "", `Print arrivals for "city:stop[:route,route]" and exit`)

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *poll >= 0 {
		cfg.PollInterval = *poll
	}

	logger := logging.New(os.Stderr, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := run(cfg, *heartbeat, *printArrivals, logger); err != nil {
		logging.LogError(logger, "fatal", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, heartbeat time.Duration, printQuery string, logger *slog.Logger) error {
	if cfg.PollInterval > 0 && cfg.STToken == "" {
		return errors.New("a poll interval requires SMARTTHINGS_TOKEN")
	}
	ctx := logging.WithLogger(context.Background(), logger)

	m := metrics.NewWithLogger(logger)
	defer m.Shutdown()

	predictor := newPredictor(cfg, m)

	// Print arrivals mode
	if printQuery != "" {
		q, err := parseQuery(printQuery)
		if err != nil {
			return err
		}
		arrivals, err := predictor.FetchPredictions(ctx, q)
		if err != nil && !errors.Is(err, transit.ErrNoActiveBus) {
			return fmt.Errorf("fetch predictions: %w", err)
		}
		writeArrivals(os.Stdout, arrivals)
		return nil
	}

	st, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer logging.SafeCloseWithLogging(st, logger, "store")
	if pool, ok := st.(interface{ DB() *sql.DB }); ok {
		m.StartDBStatsCollector(pool.DB(), 15*time.Second)
	}

	publisher, err := events.Open(cfg.EventsURL, logger)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer logging.SafeCloseWithLogging(publisher, logger, "events")
	evStatus, _ := publisher.(events.ConnectionStatus)

	client := smartthings.NewClient(smartthings.ClientConfig{
		BaseURL: cfg.SmartThings,
		Token:   cfg.STToken,
	})

	// Initialize status tracker (before STARTUP so snapshot is available)
	thresholds := cfg.Thresholds()
	tracker := status.NewTracker(time.Now(), status.Config{
		HTTPAddr:     cfg.HTTPAddr,
		EventsURL:    cfg.EventsURL,
		Store:        storeKind(cfg.StoreDSN),
		PollInterval: cfg.PollInterval,
		Thresholds:   thresholds,
	})
	if evStatus != nil {
		tracker.SetEventsConnected(evStatus.IsConnected())
	}

	svc := service.New(service.Deps{
		Predictor:  predictor,
		Store:      st,
		Notifier:   client,
		Devices:    client,
		Scheduler:  client,
		Events:     publisher,
		Tracker:    tracker,
		Metrics:    m,
		Thresholds: thresholds,
		Location:   cfg.Location,
		Logger:     logger,

		SelfScheduled: cfg.PollInterval > 0,
	})
	hook := smartthings.NewWebhook(svc, client, logger)
	if cfg.VerifySigs {
		hook.RequireSignatures(smartthings.NewSignatureVerifier(cfg.KeyURL, nil))
	} else {
		logger.Warn("lifecycle signatures are not verified")
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startup := events.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		logging.LogError(logger, "publish startup event", err)
	}

	srv := web.New(cfg.HTTPAddr, tracker, web.Options{Webhook: hook, Metrics: m, Logger: logger})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError(logger, "http server", err)
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	logger.Info("started",
		slog.String("http", cfg.HTTPAddr),
		slog.String("store", storeKind(cfg.StoreDSN)),
		slog.Duration("poll", cfg.PollInterval),
		slog.Duration("heartbeat", heartbeat),
		slog.Int("drift_seconds", thresholds.Drift),
	)

	var pollC, heartbeatC <-chan time.Time
	if cfg.PollInterval > 0 {
		t := time.NewTicker(cfg.PollInterval)
		defer t.Stop()
		pollC = t.C
	}
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		heartbeatC = t.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctx, loop{
		poller:    svc,
		publisher: publisher,
		evStatus:  evStatus,
		tracker:   tracker,
		now:       time.Now,
		logger:    logger,
	}, pollC, heartbeatC, sigCh)
}

// poller ticks every active device.
type poller interface {
	TickAll(ctx context.Context) (int, error)
}

type loop struct {
	poller    poller
	publisher events.Publisher
	evStatus  events.ConnectionStatus
	tracker   *status.Tracker
	now       func() time.Time
	logger    *slog.Logger
}

// systemEvent builds a status-carrying system event after refreshing the
// broker connection state.
func (l loop) systemEvent(event, reason string, retained bool) events.SystemEvent {
	ev := events.SystemEvent{
		Timestamp: l.now(),
		Event:     event,
		Reason:    reason,
		Retained:  retained,
	}
	if l.tracker != nil {
		if l.evStatus != nil {
			l.tracker.SetEventsConnected(l.evStatus.IsConnected())
		}
		ev.RawPayload = status.FormatStatusEvent(l.tracker.Snapshot(), event, reason)
	}
	return ev
}

func runLoop(ctx context.Context, l loop, poll, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			l.logger.Info("shutting down", slog.String("signal", s.String()))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			if err := l.publisher.PublishSystem(l.systemEvent("SHUTDOWN", signalName, true)); err != nil {
				logging.LogError(l.logger, "publish shutdown event", err)
			}
			return nil

		case <-poll:
			start := l.now()
			n, err := l.poller.TickAll(ctx)
			if err != nil {
				// Don't stop polling on a store hiccup
				logging.LogError(l.logger, "poll", err)
				continue
			}
			logging.LogOperation(l.logger, "poll",
				slog.Int("devices", n),
				slog.Duration("duration", l.now().Sub(start)),
			)
			if l.tracker != nil && l.evStatus != nil {
				l.tracker.SetEventsConnected(l.evStatus.IsConnected())
			}

		case <-heartbeat:
			ev := l.systemEvent("HEARTBEAT", "", false)
			if err := l.publisher.PublishSystem(ev); err != nil {
				logging.LogError(l.logger, "heartbeat publish", err)
			}
		}
	}
}

func newPredictor(cfg *config.Config, m *metrics.Metrics) *transit.Service {
	tago := transit.NewTagoClient(transit.ClientConfig{
		BaseURL:       cfg.TagoURL,
		ServiceKey:    cfg.TagoKey,
		RatePerMinute: cfg.RatePerMin,
		Metrics:       m,
	})
	var seoul transit.Provider
	if cfg.SeoulKey != "" {
		seoul = transit.NewSeoulClient(transit.ClientConfig{
			BaseURL:       cfg.SeoulURL,
			ServiceKey:    cfg.SeoulKey,
			RatePerMinute: cfg.RatePerMin,
			Metrics:       m,
		})
	}
	return transit.NewService(tago, seoul)
}

// parseQuery reads "city:stop" with an optional ":route,route" suffix.
func parseQuery(s string) (transit.Query, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return transit.Query{}, fmt.Errorf("invalid query %q: want city:stop[:routes]", s)
	}
	city, err := strconv.Atoi(parts[0])
	if err != nil {
		return transit.Query{}, fmt.Errorf("invalid city number %q", parts[0])
	}
	q := transit.Query{CityNumber: city, StopCode: parts[1]}
	if len(parts) == 3 {
		q.RouteCodes = transit.ParseRouteCodes(parts[2])
	}
	return q, nil
}

func writeArrivals(w io.Writer, a transit.Arrivals) {
	fmt.Fprintf(w, "%s (%s)\n", a.StopName, a.StopCode)
	if len(a.Buses) == 0 {
		fmt.Fprintln(w, "  no approaching buses")
		return
	}
	for _, b := range a.Buses {
		fmt.Fprintf(w, "  %s\t%s\t%d stops\n", transit.RouteNumber(b.RouteName), logic.Encode(b.ArrivalSeconds), b.RemainingStops)
	}
}

// storeKind names the store backend without leaking credentials.
func storeKind(dsn string) string {
	switch {
	case dsn == "" || dsn == "memory":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
