// Package store persists per-device notifier state.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sweeney/bus-notifier/internal/logic"
)

// ErrNotFound is returned by Get for an unknown device.
var ErrNotFound = errors.New("device state not found")

// Config is the SmartApp configuration a device was installed with.
type Config struct {
	CityNumber int      `json:"cityNumber"`
	StopCode   string   `json:"stopCode"`
	RouteCodes []string `json:"routeCodes"`
	Speakers   []string `json:"speakers,omitempty"`
}

// DeviceState is everything remembered about one notifier between ticks.
type DeviceState struct {
	DeviceID       string `json:"deviceId"`
	InstalledAppID string `json:"installedAppId"`
	Config         Config `json:"config"`

	// ArrivalTimes is the last accepted prediction pair, the engine's baseline.
	ArrivalTimes [2]int `json:"arrivalTimes"`
	// RemainingTimes is the pair last written to the display.
	RemainingTimes [2]int    `json:"remainingTimes"`
	UpdatedAt      time.Time `json:"updatedAt"`

	Progress             int                `json:"progress"`
	ErrorCount           int                `json:"errorCount"`
	StopName             string             `json:"stopName"`
	RouteNumbers         [2]string          `json:"routeNumbers"`
	ButtonStatus         logic.ButtonStatus `json:"buttonStatus"`
	NotificationInterval int                `json:"notificationInterval"`

	// Active is true between switch on and switch off.
	Active bool `json:"active"`
}

// Initialized reports whether the record holds a bootstrapped baseline.
// A zeroed baseline is treated the same as an absent record.
func (s DeviceState) Initialized() bool {
	return s.ArrivalTimes != [2]int{}
}

// Store is a per-device record store with read-modify-write updates.
type Store interface {
	// Get returns the record for deviceID or ErrNotFound.
	Get(ctx context.Context, deviceID string) (DeviceState, error)
	// Update applies fn to the record, creating it when absent, and persists
	// the result unless fn returns an error.
	Update(ctx context.Context, deviceID string, fn func(*DeviceState) error) (DeviceState, error)
	// Delete removes the record. Deleting an unknown device is not an error.
	Delete(ctx context.Context, deviceID string) error
	// List returns every record ordered by device ID.
	List(ctx context.Context) ([]DeviceState, error)
	Close() error
}

// Open returns a Store for dsn. "" and "memory" give an in-memory store,
// postgres:// URLs use pgx, and sqlite:// paths or "file:" DSNs use SQLite.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenSQL(ctx, DriverPostgres, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQL(ctx, DriverSQLite, strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return OpenSQL(ctx, DriverSQLite, dsn)
	}
}
