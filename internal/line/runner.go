// Package line wires the stations of a battery line together and runs them.
package line

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/backend"
	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/metrics"
	"github.com/sebastiankruger/battery-line-simulator/internal/station"
)

// Publisher exposes live station values, e.g. over OPC UA
type Publisher interface {
	RegisterStation(code, description string, nodes []core.NodeDefinition) (uint16, error)
	UpdateStation(code string, values map[string]interface{})
}

// SenderFactory creates the telemetry sender of one station
type SenderFactory func(stationCode string) station.Sender

// Options configures a Runner
type Options struct {
	Layout    *Layout
	Config    *config.Config
	Runtime   *config.RuntimeConfig
	Backend   station.Backend
	Session   *backend.Session
	Senders   SenderFactory
	Metrics   *metrics.Line
	Publisher Publisher // optional
}

// Runner manages a complete production line
type Runner struct {
	name      string
	runtime   *config.RuntimeConfig
	stations  []*station.Station
	queues    []*core.HandoffQueue
	senders   []station.Sender
	metrics   *metrics.Line
	publisher Publisher

	mu      sync.RWMutex
	running bool
}

// QueueSnapshot is the depth of one handoff queue
type QueueSnapshot struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// NewRunner builds the stations and queues of a layout
func NewRunner(opts Options) (*Runner, error) {
	if opts.Layout == nil {
		return nil, fmt.Errorf("line layout is required")
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, err
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Runtime == nil {
		opts.Runtime = config.NewRuntimeConfig(opts.Config)
	}

	r := &Runner{
		name:      opts.Layout.Name,
		runtime:   opts.Runtime,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
	}

	profiles := opts.Layout.Stations
	for i := 0; i < len(profiles)-1; i++ {
		r.queues = append(r.queues, core.NewHandoffQueue(profiles[i].Code+">"+profiles[i+1].Code))
	}

	for i, p := range profiles {
		var in, out *core.HandoffQueue
		if i > 0 {
			in = r.queues[i-1]
		}
		if i < len(r.queues) {
			out = r.queues[i]
		}

		var sender station.Sender
		if opts.Senders != nil {
			sender = opts.Senders(p.Code)
			r.senders = append(r.senders, sender)
		}

		r.stations = append(r.stations, station.New(station.Options{
			Profile:            p,
			Input:              in,
			Output:             out,
			Backend:            opts.Backend,
			Session:            opts.Session,
			Sender:             sender,
			Runtime:            opts.Runtime,
			StarvationWarn:     opts.Config.StarvationWarn,
			StarvationTimeout:  opts.Config.StarvationTimeout,
			HeadOverproduction: opts.Config.HeadOverproduction,
			Metrics:            opts.Metrics,
		}))
	}

	if r.publisher != nil {
		for _, s := range r.stations {
			p := s.Profile()
			if _, err := r.publisher.RegisterStation(p.Code, p.Name, core.StationNodes()); err != nil {
				return nil, fmt.Errorf("failed to register station %s: %w", p.Code, err)
			}
		}
	}

	return r, nil
}

// Run initializes every station and runs them until ctx is done. A station
// that fails is logged; the others keep running.
func (r *Runner) Run(ctx context.Context) error {
	for _, s := range r.stations {
		s.Initialize(ctx)
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.closeSenders()
	}()

	log.Info().
		Str("line", r.name).
		Int("stations", len(r.stations)).
		Int("queues", len(r.queues)).
		Msg("Production line started")

	var wg sync.WaitGroup
	errs := make([]error, len(r.stations))
	for i, s := range r.stations {
		wg.Add(1)
		go func(i int, s *station.Station) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				log.Error().Err(err).Str("station", s.Code()).Msg("Station stopped with error")
				errs[i] = fmt.Errorf("station %s: %w", s.Code(), err)
			}
		}(i, s)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()

	wg.Wait()
	log.Info().Str("line", r.name).Msg("Production line stopped")
	return errors.Join(errs...)
}

// publishLoop refreshes queue gauges and published station values
func (r *Runner) publishLoop(ctx context.Context) {
	for {
		r.Publish()

		timer := time.NewTimer(r.runtime.Units(1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Publish pushes the current station and queue state to metrics and the publisher
func (r *Runner) Publish() {
	if r.metrics != nil {
		for _, q := range r.queues {
			r.metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(q.Len()))
		}
	}
	if r.publisher == nil {
		return
	}
	for _, snap := range r.Stations() {
		r.publisher.UpdateStation(snap.Code, map[string]interface{}{
			core.NodeTemperature:      snap.Environment.Temperature,
			core.NodeHumidity:         snap.Environment.Humidity,
			core.NodeVoltage:          snap.Environment.Voltage,
			core.NodeStatus:           snap.Status.OPCUAValue(),
			core.NodeCompletedQty:     int32(snap.CompletedQty),
			core.NodeBadQty:           int32(snap.BadQty),
			core.NodeCurrentWorkOrder: snap.WorkOrderID,
		})
	}
}

func (r *Runner) closeSenders() {
	for _, sender := range r.senders {
		if c, ok := sender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Debug().Err(err).Msg("Failed to close telemetry link")
			}
		}
	}
}

// Name returns the line name
func (r *Runner) Name() string {
	return r.name
}

// Running reports whether Run is in progress
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Stations returns snapshots of all stations in line order
func (r *Runner) Stations() []station.Snapshot {
	out := make([]station.Snapshot, 0, len(r.stations))
	for _, s := range r.stations {
		out = append(out, s.Snapshot())
	}
	return out
}

// Station returns the snapshot of one station
func (r *Runner) Station(code string) (station.Snapshot, bool) {
	for _, s := range r.stations {
		if s.Code() == code {
			return s.Snapshot(), true
		}
	}
	return station.Snapshot{}, false
}

// Queues returns the depth of every handoff queue in line order
func (r *Runner) Queues() []QueueSnapshot {
	out := make([]QueueSnapshot, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, QueueSnapshot{Name: q.Name(), Depth: q.Len()})
	}
	return out
}

// RuntimeConfig returns the runtime configuration for dynamic adjustments
func (r *Runner) RuntimeConfig() *config.RuntimeConfig {
	return r.runtime
}
