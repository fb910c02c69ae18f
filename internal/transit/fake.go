package transit

import (
	"context"
	"sync"
)

// FakePredictor returns canned predictions for tests.
type FakePredictor struct {
	mu sync.Mutex

	// Arrivals is returned by FetchPredictions when Err is nil.
	Arrivals Arrivals

	// Err, if set, is returned by FetchPredictions.
	Err error

	// Queries records every query received.
	Queries []Query
}

// NewFakePredictor creates a FakePredictor returning the given arrival times
// for route "R1".
func NewFakePredictor(stopName string, seconds ...int) *FakePredictor {
	f := &FakePredictor{}
	f.Set(stopName, seconds...)
	return f
}

// Set replaces the canned arrival times and clears Err.
func (f *FakePredictor) Set(stopName string, seconds ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = nil
	f.Arrivals = Arrivals{StopCode: "S1", StopName: stopName}
	for _, s := range seconds {
		f.Arrivals.Buses = append(f.Arrivals.Buses, Bus{RouteCode: "R1", RouteName: "100", ArrivalSeconds: s})
	}
}

// Fail makes subsequent calls return err.
func (f *FakePredictor) Fail(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

// FetchPredictions implements Predictor.
func (f *FakePredictor) FetchPredictions(_ context.Context, q Query) (Arrivals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, q)
	if f.Err != nil {
		return Arrivals{}, f.Err
	}
	if len(f.Arrivals.Buses) == 0 {
		return f.Arrivals, ErrNoActiveBus
	}
	return f.Arrivals, nil
}
