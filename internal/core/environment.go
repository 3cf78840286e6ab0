package core

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Band is a bounded random walk: each step moves the value by at most
// Step/2 in either direction and clamps it to [Min, Max].
type Band struct {
	Initial float64
	Min     float64
	Max     float64
	Step    float64
}

// Default bands for the battery line stations
var (
	TemperatureBand = Band{Initial: 25.0, Min: 23, Max: 27, Step: 1.5}
	HumidityBand    = Band{Initial: 45.0, Min: 40, Max: 50, Step: 2.0}
	VoltageBand     = Band{Initial: 220.0, Min: 217, Max: 223, Step: 3.0}
)

// Environment simulates a station's temperature, humidity and voltage.
// It is shared by the sensor and production loops, so access is locked.
type Environment struct {
	mu  sync.Mutex
	rng *rand.Rand

	temperature float64
	humidity    float64
	voltage     float64
}

// NewEnvironment creates an environment at the band initial values
func NewEnvironment(seed int64) *Environment {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Environment{
		rng:         rand.New(rand.NewSource(seed)),
		temperature: TemperatureBand.Initial,
		humidity:    HumidityBand.Initial,
		voltage:     VoltageBand.Initial,
	}
}

// Step advances all three values one random-walk step and returns the
// rounded snapshot
func (e *Environment) Step() EnvData {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.temperature = e.walk(e.temperature, TemperatureBand)
	e.humidity = e.walk(e.humidity, HumidityBand)
	e.voltage = e.walk(e.voltage, VoltageBand)

	return e.snapshotLocked()
}

// Snapshot returns the current rounded values without advancing
func (e *Environment) Snapshot() EnvData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Environment) snapshotLocked() EnvData {
	return EnvData{
		Temperature: Round1(e.temperature),
		Humidity:    Round1(e.humidity),
		Voltage:     Round1(e.voltage),
	}
}

func (e *Environment) walk(value float64, b Band) float64 {
	return Clamp(value+(e.rng.Float64()-0.5)*b.Step, b.Min, b.Max)
}

// Round1 rounds to one decimal place
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Clamp ensures a value is within bounds
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
