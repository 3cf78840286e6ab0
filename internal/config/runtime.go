package config

import (
	"fmt"
	"sync"
	"time"
)

// MaxDefectRate bounds the defect probability at startup and at runtime
const MaxDefectRate = 0.5

// RuntimeConfig holds configuration values that can be changed at runtime.
// All methods are thread-safe.
type RuntimeConfig struct {
	mu         sync.RWMutex
	timeScale  float64       // Multiplier: 0.1 - 10.0 (default 1.0)
	defectRate float64       // 0.0 - 0.5 (default from config)
	baseUnit   time.Duration // Time unit from config before scaling
}

// NewRuntimeConfig creates a new RuntimeConfig from the static Config.
func NewRuntimeConfig(cfg *Config) *RuntimeConfig {
	return &RuntimeConfig{
		timeScale:  1.0,
		defectRate: cfg.DefectRate,
		baseUnit:   cfg.TimeUnit,
	}
}

// GetTimeScale returns the current simulation speed multiplier.
func (rc *RuntimeConfig) GetTimeScale() float64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.timeScale
}

// Units returns n time units adjusted by the scale factor.
// Higher scale = faster simulation (shorter duration).
func (rc *RuntimeConfig) Units(n float64) time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return time.Duration(n * float64(rc.baseUnit) / rc.timeScale)
}

// GetDefectRate returns the current defect probability.
func (rc *RuntimeConfig) GetDefectRate() float64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.defectRate
}

// SetTimeScale sets the simulation speed multiplier.
// Valid range: 0.1 - 10.0
func (rc *RuntimeConfig) SetTimeScale(scale float64) error {
	if scale < 0.1 || scale > 10.0 {
		return fmt.Errorf("time scale must be between 0.1 and 10.0, got %f", scale)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.timeScale = scale
	return nil
}

// SetDefectRate sets the defect probability.
// Valid range: 0.0 - MaxDefectRate
func (rc *RuntimeConfig) SetDefectRate(rate float64) error {
	if rate < 0.0 || rate > MaxDefectRate {
		return fmt.Errorf("defect rate must be between 0.0 and %.1f, got %f", MaxDefectRate, rate)
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.defectRate = rate
	return nil
}

// RuntimeConfigSnapshot is a copy of all current values for safe reading.
type RuntimeConfigSnapshot struct {
	TimeScale     float64
	BaseUnit      time.Duration
	EffectiveUnit time.Duration
	DefectRate    float64
}

// Snapshot returns a point-in-time copy of all runtime config values.
func (rc *RuntimeConfig) Snapshot() RuntimeConfigSnapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return RuntimeConfigSnapshot{
		TimeScale:     rc.timeScale,
		BaseUnit:      rc.baseUnit,
		EffectiveUnit: time.Duration(float64(rc.baseUnit) / rc.timeScale),
		DefectRate:    rc.defectRate,
	}
}
