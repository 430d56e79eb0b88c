// Package environment evaluates room sensor readings against each room's
// monitoring limits and raises alerts for out-of-range values.
package environment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fpang/ward-safety/internal/store"
)

// Metric is a sensor measurement kind.
type Metric string

const (
	Temperature Metric = "temperature"
	Humidity    Metric = "humidity"
	CO2         Metric = "co2"
	Noise       Metric = "noise"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// criticalMargin is the overshoot, as a fraction of the limit, at which a
// warning becomes critical.
const criticalMargin = 0.2

// Reading is one sensor sample.
type Reading struct {
	RoomID    int64     `json:"roomId"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks a reading's metric and room.
func (r Reading) Validate() error {
	if r.RoomID <= 0 {
		return errors.New("roomId is required")
	}
	switch r.Metric {
	case Temperature, Humidity, CO2, Noise:
	default:
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return errors.New("value must be a finite number")
	}
	return nil
}

// Alert is an out-of-range reading.
type Alert struct {
	RoomID   int64
	Metric   Metric
	Value    float64
	Limit    float64
	Bound    string // "above" or "below"
	Severity Severity
	At       time.Time
}

// Defaults are the limits used for rooms without stored settings.
type Defaults struct {
	TemperatureMin float64 `yaml:"temperature_min"`
	TemperatureMax float64 `yaml:"temperature_max"`
	HumidityMin    float64 `yaml:"humidity_min"`
	HumidityMax    float64 `yaml:"humidity_max"`
	CO2Max         float64 `yaml:"co2_max"`
	NoiseMax       float64 `yaml:"noise_max"`
}

// StandardDefaults are typical ward comfort limits.
var StandardDefaults = Defaults{
	TemperatureMin: 18,
	TemperatureMax: 26,
	HumidityMin:    30,
	HumidityMax:    60,
	CO2Max:         1000,
	NoiseMax:       55,
}

// Settings returns monitoring settings for roomID populated from d.
func (d Defaults) Settings(roomID int64) store.MonitoringSettings {
	return store.MonitoringSettings{
		RoomID:         roomID,
		FallDetection:  true,
		TemperatureMin: d.TemperatureMin,
		TemperatureMax: d.TemperatureMax,
		HumidityMin:    d.HumidityMin,
		HumidityMax:    d.HumidityMax,
		CO2Max:         d.CO2Max,
		NoiseMax:       d.NoiseMax,
	}
}

// SettingsSource looks up stored settings; store.Store satisfies it.
type SettingsSource interface {
	GetMonitoringSettings(ctx context.Context, roomID int64) (*store.MonitoringSettings, error)
}

// SettingsFor returns the room's stored settings, or d's when none exist.
func SettingsFor(ctx context.Context, src SettingsSource, roomID int64, d Defaults) (store.MonitoringSettings, error) {
	s, err := src.GetMonitoringSettings(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return d.Settings(roomID), nil
	}
	if err != nil {
		return store.MonitoringSettings{}, err
	}
	return *s, nil
}

// Evaluate compares r with the limits in s. A zero maximum is unset;
// temperature and humidity minimums are always checked.
func Evaluate(s store.MonitoringSettings, r Reading) (Alert, bool) {
	var lo, hi float64
	checkLo := false
	switch r.Metric {
	case Temperature:
		lo, hi, checkLo = s.TemperatureMin, s.TemperatureMax, true
	case Humidity:
		lo, hi, checkLo = s.HumidityMin, s.HumidityMax, true
	case CO2:
		hi = s.CO2Max
	case Noise:
		hi = s.NoiseMax
	default:
		return Alert{}, false
	}

	at := r.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	alert := Alert{RoomID: r.RoomID, Metric: r.Metric, Value: r.Value, At: at}

	switch {
	case hi != 0 && r.Value > hi:
		alert.Limit, alert.Bound = hi, "above"
		alert.Severity = severity(r.Value-hi, hi)
	case checkLo && r.Value < lo:
		alert.Limit, alert.Bound = lo, "below"
		alert.Severity = severity(lo-r.Value, lo)
	default:
		return Alert{}, false
	}
	return alert, true
}

func severity(overshoot, limit float64) Severity {
	if overshoot >= criticalMargin*math.Abs(limit) {
		return SeverityCritical
	}
	return SeverityWarning
}
