package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// ClientConfig configures a provider client.
type ClientConfig struct {
	BaseURL    string
	ServiceKey string
	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
	// RatePerMinute caps upstream requests. 0 disables the limiter.
	RatePerMinute int
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
	Metrics    Metrics
}

// endpoint performs rate limited GET requests against one provider.
type endpoint struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	metrics Metrics
}

func newEndpoint(name string, cfg ClientConfig) *endpoint {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: timeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}

	return &endpoint{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		limiter: limiter,
		metrics: cfg.Metrics,
	}
}

// getJSON fetches path and decodes a JSON body into out. Bodies that are not
// JSON are provider error pages and get classified by their content.
func (e *endpoint) getJSON(ctx context.Context, path string, params url.Values, out any) (err error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveProviderRequest(e.name, classOf(err), time.Since(start))
		}
	}()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return e.fail(ClassServiceUnavailable, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	u := e.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return e.fail(ClassBadRequest, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return e.fail(ClassServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return e.fail(ClassServiceUnavailable, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return e.fail(ClassServiceUnavailable, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return e.fail(classifyBody(body), fmt.Errorf("non-JSON response: %.120s", body))
	}
	return nil
}

func (e *endpoint) fail(class FailureClass, err error) error {
	return &Error{Class: class, Provider: e.name, Err: err}
}

// classifyBody reads the error page the public data portal serves in place
// of JSON.
func classifyBody(body []byte) FailureClass {
	s := string(body)
	switch {
	case strings.Contains(s, "SERVICE_KEY"):
		return ClassUnauthorized
	case strings.Contains(s, "SERVICE"):
		return ClassForbidden
	}
	return ClassServiceUnavailable
}

func classOf(err error) string {
	if err == nil {
		return "ok"
	}
	if perr, ok := err.(*Error); ok {
		return strings.ToLower(string(perr.Class))
	}
	return "error"
}

// decodeOneOrMany decodes a value that is either a single object or an array
// of them.
func decodeOneOrMany[T any](raw json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	if s == "null" {
		*f = ""
		return nil
	}
	*f = flexString(s)
	return nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n := json.Number(s)
	v, err := n.Int64()
	if err != nil {
		fv, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("not a number: %s", b)
		}
		v = int64(fv)
	}
	*f = flexInt(v)
	return nil
}
