// Package transit fetches bus arrival predictions from the TAGO national API
// and the Seoul bus API.
package transit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SeoulCityNumber is the pseudo city code served by the Seoul bus API.
const SeoulCityNumber = 99999

// FailureClass classifies a provider failure.
type FailureClass string

const (
	ClassUnauthorized       FailureClass = "UNAUTHORIZED"
	ClassForbidden          FailureClass = "FORBIDDEN"
	ClassServiceUnavailable FailureClass = "SERVICE_UNAVAILABLE"
	ClassBadRequest         FailureClass = "BAD_REQUEST"
)

// Error is a classified provider failure.
type Error struct {
	Class    FailureClass
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoActiveBus is returned when no tracked route has a bus approaching the stop.
var ErrNoActiveBus = errors.New("no active bus")

// Bus is one live bus approaching the stop.
type Bus struct {
	RouteCode      string
	RouteName      string
	RouteType      string
	VehicleType    string
	RemainingStops int
	ArrivalSeconds int
}

// Arrivals is a stop and its approaching buses, soonest first.
type Arrivals struct {
	StopCode string
	StopName string
	Buses    []Bus
}

// Query identifies the stop and routes to watch.
type Query struct {
	CityNumber int
	StopCode   string
	RouteCodes []string // empty watches every route
}

// Predictor returns filtered, sorted predictions for a query.
type Predictor interface {
	FetchPredictions(ctx context.Context, q Query) (Arrivals, error)
}

// Provider is a single upstream API returning every bus at a stop.
type Provider interface {
	Name() string
	StopArrivals(ctx context.Context, cityNumber int, stopCode string) (Arrivals, error)
}

// Metrics receives one observation per upstream request.
type Metrics interface {
	ObserveProviderRequest(provider string, class string, d time.Duration)
}

// Service routes queries to the right provider and applies the route filter.
type Service struct {
	tago  Provider
	seoul Provider
}

// NewService creates a Service. Either provider may be nil when not configured.
func NewService(tago, seoul Provider) *Service {
	return &Service{tago: tago, seoul: seoul}
}

// FetchPredictions implements Predictor.
func (s *Service) FetchPredictions(ctx context.Context, q Query) (Arrivals, error) {
	p := s.tago
	if q.CityNumber == SeoulCityNumber {
		p = s.seoul
	}
	if p == nil {
		return Arrivals{}, &Error{
			Class:    ClassBadRequest,
			Provider: "transit",
			Err:      fmt.Errorf("no provider configured for city %d", q.CityNumber),
		}
	}

	all, err := p.StopArrivals(ctx, q.CityNumber, q.StopCode)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return Arrivals{}, err
		}
		return Arrivals{}, &Error{Class: ClassBadRequest, Provider: p.Name(), Err: err}
	}

	out := Arrivals{StopCode: all.StopCode, StopName: all.StopName}
	for _, b := range all.Buses {
		if watched(b.RouteCode, q.RouteCodes) {
			out.Buses = append(out.Buses, b)
		}
	}
	sort.SliceStable(out.Buses, func(i, j int) bool {
		return out.Buses[i].ArrivalSeconds < out.Buses[j].ArrivalSeconds
	})

	if len(out.Buses) == 0 {
		return out, ErrNoActiveBus
	}
	return out, nil
}

func watched(code string, codes []string) bool {
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if strings.TrimSpace(c) == code {
			return true
		}
	}
	return false
}

// ParseRouteCodes splits a comma separated route code list.
func ParseRouteCodes(s string) []string {
	var codes []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

var routeNumberPattern = regexp.MustCompile(`^[^(]+`)

// RouteNumber extracts the spoken route number from a route name such as
// "100(급행)".
func RouteNumber(name string) string {
	return strings.TrimSpace(routeNumberPattern.FindString(name))
}
