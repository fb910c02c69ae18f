package smartthings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/bus-notifier/internal/logging"
	"github.com/sweeney/bus-notifier/internal/transit"
)

// Subscription names for the notifier switch.
const (
	SubscriptionOn  = "onHandler"
	SubscriptionOff = "offHandler"
)

// InstalledApp is one SmartApp installation with its parsed configuration.
type InstalledApp struct {
	InstalledAppID string
	LocationID     string
	DeviceID       string
	Speakers       []string
	CityNumber     int
	StopCode       string
	RouteCodes     []string
}

// LifecycleHandler receives the lifecycle callbacks that need domain logic.
type LifecycleHandler interface {
	// Configure records the configuration after INSTALL and UPDATE.
	Configure(ctx context.Context, app InstalledApp) error
	// SwitchOn bootstraps the notifier.
	SwitchOn(ctx context.Context, app InstalledApp) error
	// SwitchOff stops the per-minute updates.
	SwitchOff(ctx context.Context, app InstalledApp) error
	// Tick runs one scheduled update.
	Tick(ctx context.Context, app InstalledApp) error
	// Uninstall drops everything kept for the installation.
	Uninstall(ctx context.Context, app InstalledApp) error
}

// Subscriber manages the app's platform subscriptions.
type Subscriber interface {
	SubscribeSwitch(ctx context.Context, installedAppID, deviceID string) error
}

// Webhook serves the SmartApp webhook endpoint.
type Webhook struct {
	handler    LifecycleHandler
	subscriber Subscriber
	authorizer Authorizer
	confirm    *http.Client
	logger     *slog.Logger
}

// NewWebhook creates a Webhook.
func NewWebhook(handler LifecycleHandler, subscriber Subscriber, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		handler:    handler,
		subscriber: subscriber,
		confirm:    &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// RequireSignatures makes the webhook reject every lifecycle request except
// PING that a does not authorize.
func (w *Webhook) RequireSignatures(a Authorizer) *Webhook {
	w.authorizer = a
	return w
}

type lifecycleRequest struct {
	Lifecycle   string `json:"lifecycle"`
	ExecutionID string `json:"executionId"`

	PingData *struct {
		Challenge string `json:"challenge"`
	} `json:"pingData"`
	ConfirmationData *struct {
		AppID           string `json:"appId"`
		ConfirmationURL string `json:"confirmationUrl"`
	} `json:"confirmationData"`
	ConfigurationData *struct {
		InstalledAppID string `json:"installedAppId"`
		Phase          string `json:"phase"`
		PageID         string `json:"pageId"`
	} `json:"configurationData"`
	InstallData   *installData `json:"installData"`
	UpdateData    *installData `json:"updateData"`
	EventData     *eventData   `json:"eventData"`
	UninstallData *struct {
		InstalledApp installedApp `json:"installedApp"`
	} `json:"uninstallData"`
}

type installData struct {
	AuthToken    string       `json:"authToken"`
	InstalledApp installedApp `json:"installedApp"`
}

type eventData struct {
	AuthToken    string       `json:"authToken"`
	InstalledApp installedApp `json:"installedApp"`
	Events       []event      `json:"events"`
}

type event struct {
	EventType   string `json:"eventType"`
	DeviceEvent *struct {
		SubscriptionName string `json:"subscriptionName"`
		DeviceID         string `json:"deviceId"`
		Capability       string `json:"capability"`
		Attribute        string `json:"attribute"`
		Value            any    `json:"value"`
	} `json:"deviceEvent"`
	TimerEvent *struct {
		Name string `json:"name"`
	} `json:"timerEvent"`
}

type installedApp struct {
	InstalledAppID string                   `json:"installedAppId"`
	LocationID     string                   `json:"locationId"`
	Config         map[string][]configEntry `json:"config"`
}

type configEntry struct {
	ValueType    string `json:"valueType"`
	DeviceConfig *struct {
		DeviceID    string `json:"deviceId"`
		ComponentID string `json:"componentId"`
	} `json:"deviceConfig"`
	StringConfig *struct {
		Value string `json:"value"`
	} `json:"stringConfig"`
}

func (a installedApp) devices(name string) []string {
	var ids []string
	for _, e := range a.Config[name] {
		if e.DeviceConfig != nil && e.DeviceConfig.DeviceID != "" {
			ids = append(ids, e.DeviceConfig.DeviceID)
		}
	}
	return ids
}

func (a installedApp) str(name string) string {
	for _, e := range a.Config[name] {
		if e.StringConfig != nil {
			return strings.TrimSpace(e.StringConfig.Value)
		}
	}
	return ""
}

// parse converts the raw installation into an InstalledApp.
func (a installedApp) parse() (InstalledApp, error) {
	app := InstalledApp{
		InstalledAppID: a.InstalledAppID,
		LocationID:     a.LocationID,
		Speakers:       a.devices("speakers"),
		StopCode:       a.str("stopCode"),
		RouteCodes:     transit.ParseRouteCodes(a.str("routeCodes")),
	}

	notifier := a.devices("notifier")
	if len(notifier) == 0 {
		return app, fmt.Errorf("installed app %s: no notifier selected", a.InstalledAppID)
	}
	app.DeviceID = notifier[0]

	if s := a.str("cityNumber"); s != "" {
		// Number settings arrive as strings, possibly with a decimal point.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return app, fmt.Errorf("installed app %s: invalid cityNumber %q", a.InstalledAppID, s)
		}
		app.CityNumber = int(f)
	}
	return app, nil
}

// ServeHTTP implements http.Handler.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(rw, "invalid lifecycle request", http.StatusBadRequest)
		return
	}
	var req lifecycleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(rw, "invalid lifecycle request", http.StatusBadRequest)
		return
	}

	logger := w.logger.With(slog.String("lifecycle", req.Lifecycle), slog.String("execution_id", req.ExecutionID))
	ctx := logging.WithLogger(r.Context(), logger)

	// The platform does not sign PING.
	if w.authorizer != nil && req.Lifecycle != "PING" {
		if err := w.authorizer.Authorize(r, body); err != nil {
			logger.Warn("rejected lifecycle request", slog.String("error", err.Error()))
			http.Error(rw, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	resp, status := w.dispatch(ctx, &req)
	if status != http.StatusOK {
		http.Error(rw, http.StatusText(status), status)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(resp)
}

func (w *Webhook) dispatch(ctx context.Context, req *lifecycleRequest) (any, int) {
	logger := logging.FromContext(ctx)

	switch req.Lifecycle {
	case "PING":
		if req.PingData == nil {
			return nil, http.StatusBadRequest
		}
		return map[string]any{"pingData": map[string]string{"challenge": req.PingData.Challenge}}, http.StatusOK

	case "CONFIRMATION":
		if req.ConfirmationData == nil {
			return nil, http.StatusBadRequest
		}
		w.confirmRegistration(ctx, req.ConfirmationData.ConfirmationURL)
		return map[string]string{"targetUrl": ""}, http.StatusOK

	case "CONFIGURATION":
		if req.ConfigurationData == nil {
			return nil, http.StatusBadRequest
		}
		switch req.ConfigurationData.Phase {
		case "INITIALIZE":
			return map[string]any{"configurationData": map[string]any{"initialize": initializeData()}}, http.StatusOK
		case "PAGE":
			return map[string]any{"configurationData": map[string]any{"page": mainPage()}}, http.StatusOK
		}
		return nil, http.StatusBadRequest

	case "INSTALL", "UPDATE":
		data := req.InstallData
		key := "installData"
		if req.Lifecycle == "UPDATE" {
			data, key = req.UpdateData, "updateData"
		}
		if data == nil {
			return nil, http.StatusBadRequest
		}
		app, err := data.InstalledApp.parse()
		if err != nil {
			logging.LogError(logger, "invalid configuration", err)
			return nil, http.StatusBadRequest
		}
		ctx = WithToken(ctx, data.AuthToken)
		if err := w.subscriber.SubscribeSwitch(ctx, app.InstalledAppID, app.DeviceID); err != nil {
			logging.LogError(logger, "subscribe failed", err, slog.String("installed_app_id", app.InstalledAppID))
			return nil, http.StatusInternalServerError
		}
		if err := w.handler.Configure(ctx, app); err != nil {
			logging.LogError(logger, "configure failed", err, slog.String("installed_app_id", app.InstalledAppID))
			return nil, http.StatusInternalServerError
		}
		return map[string]any{key: struct{}{}}, http.StatusOK

	case "EVENT":
		if req.EventData == nil {
			return nil, http.StatusBadRequest
		}
		app, err := req.EventData.InstalledApp.parse()
		if err != nil {
			logging.LogError(logger, "invalid configuration", err)
			return nil, http.StatusBadRequest
		}
		ctx = WithToken(ctx, req.EventData.AuthToken)
		for _, ev := range req.EventData.Events {
			w.handleEvent(ctx, app, ev)
		}
		return map[string]any{"eventData": struct{}{}}, http.StatusOK

	case "UNINSTALL":
		if req.UninstallData == nil {
			return nil, http.StatusBadRequest
		}
		app, _ := req.UninstallData.InstalledApp.parse()
		if err := w.handler.Uninstall(ctx, app); err != nil {
			logging.LogError(logger, "uninstall failed", err, slog.String("installed_app_id", app.InstalledAppID))
		}
		return map[string]any{"uninstallData": struct{}{}}, http.StatusOK
	}

	logger.Warn("unknown lifecycle")
	return nil, http.StatusBadRequest
}

// handleEvent routes one event. Failures are logged; the platform gets 200
// regardless so it does not redeliver a tick that already ran.
func (w *Webhook) handleEvent(ctx context.Context, app InstalledApp, ev event) {
	logger := logging.FromContext(ctx).With(slog.String("device_id", app.DeviceID))

	var err error
	switch {
	case ev.EventType == "DEVICE_EVENT" && ev.DeviceEvent != nil:
		switch ev.DeviceEvent.SubscriptionName {
		case SubscriptionOn:
			err = w.handler.SwitchOn(ctx, app)
		case SubscriptionOff:
			err = w.handler.SwitchOff(ctx, app)
		default:
			logger.Debug("ignoring device event", slog.String("subscription", ev.DeviceEvent.SubscriptionName))
			return
		}
	case ev.EventType == "TIMER_EVENT" && ev.TimerEvent != nil && ev.TimerEvent.Name == ScheduleUpdate:
		err = w.handler.Tick(ctx, app)
	default:
		logger.Debug("ignoring event", slog.String("event_type", ev.EventType))
		return
	}
	if err != nil {
		logging.LogError(logger, "event handling failed", err, slog.String("event_type", ev.EventType))
	}
}

// confirmRegistration visits the confirmation URL so the platform enables
// the webhook target.
func (w *Webhook) confirmRegistration(ctx context.Context, confirmationURL string) {
	logger := logging.FromContext(ctx)
	if confirmationURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmationURL, nil)
	if err != nil {
		logging.LogError(logger, "invalid confirmation URL", err)
		return
	}
	resp, err := w.confirm.Do(req)
	if err != nil {
		logging.LogError(logger, "confirmation failed", err)
		return
	}
	resp.Body.Close()
	logger.Info("webhook confirmed", slog.Int("status", resp.StatusCode))
}

func initializeData() map[string]any {
	return map[string]any{
		"name":        "Bus Notifier",
		"description": "Bus arrival countdowns on a virtual notifier",
		"id":          "app",
		"permissions": []string{"r:devices:*", "x:devices:*", "r:schedules", "w:schedules"},
		"firstPageId": "mainPage",
	}
}

func mainPage() map[string]any {
	return map[string]any{
		"pageId":         "mainPage",
		"name":           "Bus Notifier",
		"nextPageId":     nil,
		"previousPageId": nil,
		"complete":       true,
		"sections": []map[string]any{
			{
				"name": "devices",
				"settings": []map[string]any{
					{
						"id": "notifier", "name": "Select notifier", "type": "DEVICE",
						"required": true, "multiple": false,
						"capabilities": []string{CapFirstRemainingTime, CapSecondRemainingTime},
						"permissions":  []string{"r", "x"},
					},
					{
						"id": "speakers", "name": "Select speakers", "type": "DEVICE",
						"required": false, "multiple": true,
						"capabilities": []string{CapSpeechSynthesis},
						"permissions":  []string{"x"},
					},
				},
			},
			{
				"name": "busInfo",
				"settings": []map[string]any{
					{"id": "cityNumber", "name": "cityNumber", "type": "NUMBER", "required": true},
					{"id": "stopCode", "name": "stopCode", "type": "TEXT", "required": true},
					{"id": "routeCodes", "name": "routeCodes", "type": "TEXT", "required": true},
				},
			},
		},
	}
}
