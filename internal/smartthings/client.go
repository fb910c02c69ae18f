// Package smartthings talks to the SmartThings platform: the REST API used to
// drive the notifier device and the SmartApp webhook lifecycle.
package smartthings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public SmartThings REST API.
const DefaultBaseURL = "https://api.smartthings.com/v1"

const maxBodyBytes = 1 << 20

type tokenKey struct{}

// WithToken attaches the installed app's auth token to ctx. Requests made
// with ctx use it instead of the client's static token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFrom(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey{}).(string)
	return tok
}

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartthings %s %s: status %d: %.200s", e.Method, e.Path, e.Status, e.Body)
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	// Token is a personal access token used when the context carries none.
	Token string
	// Timeout bounds each request. Defaults to 10s.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a minimal SmartThings REST client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.Token,
		http:    client,
	}
}

// do sends body (when non-nil) as JSON and decodes the answer into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := tokenFrom(ctx)
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("smartthings %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Command is one device capability command.
type Command struct {
	Component  string `json:"component"`
	Capability string `json:"capability"`
	Command    string `json:"command"`
	Arguments  []any  `json:"arguments,omitempty"`
}

// ExecuteCommands sends commands to a device in one request.
func (c *Client) ExecuteCommands(ctx context.Context, deviceID string, cmds ...Command) error {
	for i := range cmds {
		if cmds[i].Component == "" {
			cmds[i].Component = "main"
		}
	}
	return c.do(ctx, http.MethodPost, "/devices/"+deviceID+"/commands",
		map[string]any{"commands": cmds}, nil)
}

// attributeState is one attribute in a device status document.
type attributeState struct {
	Value json.RawMessage `json:"value"`
}

type deviceStatus struct {
	Components map[string]map[string]map[string]attributeState `json:"components"`
}

// attribute returns a string attribute of the main component, "" when absent.
func (s deviceStatus) attribute(capability, attribute string) string {
	raw := s.Components["main"][capability][attribute].Value
	if len(raw) == 0 {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

type preferenceValue struct {
	PreferenceType string          `json:"preferenceType"`
	Value          json.RawMessage `json:"value"`
}

type devicePreferences struct {
	Values map[string]preferenceValue `json:"values"`
}

func (p devicePreferences) integer(name string) int {
	var n float64
	if v, ok := p.Values[name]; ok && json.Unmarshal(v.Value, &n) == nil {
		return int(n)
	}
	return 0
}

func (p devicePreferences) boolean(name string) bool {
	var b bool
	if v, ok := p.Values[name]; ok && json.Unmarshal(v.Value, &b) == nil {
		return b
	}
	return false
}

// Schedule creates a cron schedule that delivers a TIMER_EVENT named name.
func (c *Client) Schedule(ctx context.Context, installedAppID, name, cron string) error {
	body := map[string]any{
		"name": name,
		"cron": map[string]string{"expression": cron, "timezone": "UTC"},
	}
	return c.do(ctx, http.MethodPost, "/installedapps/"+installedAppID+"/schedules", body, nil)
}

// DeleteSchedules removes every schedule of the installed app.
func (c *Client) DeleteSchedules(ctx context.Context, installedAppID string) error {
	return c.do(ctx, http.MethodDelete, "/installedapps/"+installedAppID+"/schedules", nil, nil)
}

// DeviceSubscription subscribes the app to one attribute value of a device.
type DeviceSubscription struct {
	DeviceID         string
	Capability       string
	Attribute        string
	Value            string
	SubscriptionName string
}

// Subscribe creates a device subscription.
func (c *Client) Subscribe(ctx context.Context, installedAppID string, sub DeviceSubscription) error {
	body := map[string]any{
		"sourceType": "DEVICE",
		"device": map[string]any{
			"componentId":      "main",
			"deviceId":         sub.DeviceID,
			"capability":       sub.Capability,
			"attribute":        sub.Attribute,
			"value":            sub.Value,
			"stateChangeOnly":  true,
			"subscriptionName": sub.SubscriptionName,
		},
	}
	return c.do(ctx, http.MethodPost, "/installedapps/"+installedAppID+"/subscriptions", body, nil)
}

// DeleteSubscriptions removes every subscription of the installed app.
func (c *Client) DeleteSubscriptions(ctx context.Context, installedAppID string) error {
	return c.do(ctx, http.MethodDelete, "/installedapps/"+installedAppID+"/subscriptions", nil, nil)
}
