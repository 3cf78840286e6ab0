// Package station simulates one stage of the battery line: a production
// state machine fed by an optional upstream queue, a sensor model, and the
// client side of the telemetry relay.
package station

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/battery-line-simulator/internal/backend"
	"github.com/sebastiankruger/battery-line-simulator/internal/config"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
	"github.com/sebastiankruger/battery-line-simulator/internal/metrics"
)

// Fixed delays in time units
const (
	idlePollUnits    = 5
	processUnits     = 1
	starvationUnits  = 1
	sensorUnits      = 5
	batchPauseUnits  = 3
	defaultWarnAfter = 5
	defaultTimeout   = 30
)

// Backend is the subset of the MES backend a station consumes
type Backend interface {
	MaterialLots(ctx context.Context, sess *backend.Session, machineCode string) ([]core.MaterialLot, error)
	NextWorkOrder(ctx context.Context, sess *backend.Session, machineCode string) (*core.WorkOrder, error)
	BOM(ctx context.Context, sess *backend.Session, productCode string) ([]core.BOMEntry, error)
	CompleteWorkOrder(ctx context.Context, sess *backend.Session, machineCode, workOrderID string, actualQty int) error
}

// Sender transmits a telemetry packet to the collector
type Sender interface {
	Send(ctx context.Context, p core.Packet) error
}

// Options configures a station
type Options struct {
	Profile Profile
	Input   *core.HandoffQueue // nil for the head of the line
	Output  *core.HandoffQueue // nil for the tail of the line

	Backend Backend
	Session *backend.Session
	Sender  Sender

	Runtime            *config.RuntimeConfig
	StarvationWarn     int     // consecutive empty polls before WAIT/NO_MATERIAL
	StarvationTimeout  int     // consecutive empty polls beyond which the order stops
	HeadOverproduction float64 // head station input multiplier

	Metrics *metrics.Line
	Seed    int64 // 0 = time based
}

// Station owns one production state machine and one sensor model
type Station struct {
	profile Profile
	input   *core.HandoffQueue
	output  *core.HandoffQueue

	backend Backend
	session *backend.Session
	sender  Sender

	runtime        *config.RuntimeConfig
	warnAfter      int
	timeoutAfter   int
	overproduction float64

	env     *core.Environment
	rng     *rand.Rand // production loop only
	metrics *metrics.Line
	logger  zerolog.Logger

	mu            sync.RWMutex
	status        core.Status
	lastCompleted string
	current       *core.WorkOrder
	bom           []core.BOMEntry
	mountedLots   []int64
	completedQty  int
	badQty        int
}

// New creates a station. The first reported status change is always
// WAIT/READY_FOR_WORK because a station starts out in STOP.
func New(opts Options) *Station {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if opts.Runtime == nil {
		opts.Runtime = config.NewRuntimeConfig(&config.Config{TimeUnit: time.Second, DefectRate: 0.05})
	}
	if opts.StarvationWarn <= 0 {
		opts.StarvationWarn = defaultWarnAfter
	}
	if opts.StarvationTimeout <= 0 {
		opts.StarvationTimeout = defaultTimeout
	}
	if opts.HeadOverproduction < 1 {
		opts.HeadOverproduction = 1.5
	}

	return &Station{
		profile:        opts.Profile,
		input:          opts.Input,
		output:         opts.Output,
		backend:        opts.Backend,
		session:        opts.Session,
		sender:         opts.Sender,
		runtime:        opts.Runtime,
		warnAfter:      opts.StarvationWarn,
		timeoutAfter:   opts.StarvationTimeout,
		overproduction: opts.HeadOverproduction,
		env:            core.NewEnvironment(seed + 1),
		rng:            rand.New(rand.NewSource(seed)),
		metrics:        opts.Metrics,
		logger:         log.With().Str("station", opts.Profile.Code).Logger(),
		status:         core.StatusStop,
		mountedLots:    []int64{},
	}
}

// Code returns the station code
func (s *Station) Code() string {
	return s.profile.Code
}

// Profile returns the station profile
func (s *Station) Profile() Profile {
	return s.profile
}

// IsHead reports whether the station has no upstream queue
func (s *Station) IsHead() bool {
	return s.input == nil
}

// Initialize refreshes the mounted material lots. Failures leave the list empty.
func (s *Station) Initialize(ctx context.Context) {
	if !s.session.Authenticated() {
		return
	}

	lots, err := s.backend.MaterialLots(ctx, s.session, s.profile.Code)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load mounted material lots (backend may not be available)")
		return
	}

	ids := make([]int64, 0, len(lots))
	for _, lot := range lots {
		ids = append(ids, lot.MaterialLotID)
	}

	s.mu.Lock()
	s.mountedLots = ids
	s.mu.Unlock()

	s.logger.Info().Int("lots", len(ids)).Msg("Mounted material lots loaded")
}

// Run runs the sensor loop and the production loop until ctx is done.
// A failing loop cancels the other; a panic is returned as an error.
func (s *Station) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, 2)
	run := func(name string, loop func(context.Context) error) {
		defer func() {
			if r := recover(); r != nil {
				results <- fmt.Errorf("%s loop panicked: %v", name, r)
			}
		}()
		results <- loop(ctx)
	}

	go run("sensor", s.sensorLoop)
	go run("production", s.productionLoop)

	var errs []error
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Snapshot is a read-only view of a station
type Snapshot struct {
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	Process       string       `json:"process"`
	IsHead        bool         `json:"isHead"`
	Status        core.Status  `json:"status"`
	Environment   core.EnvData `json:"environment"`
	WorkOrderID   string       `json:"workOrderId,omitempty"`
	ProductCode   string       `json:"productCode,omitempty"`
	PlannedQty    int          `json:"plannedQty"`
	CompletedQty  int          `json:"completedQty"`
	BadQty        int          `json:"badQty"`
	LastCompleted string       `json:"lastCompletedWorkOrder,omitempty"`
	InputDepth    int          `json:"inputDepth"`
}

// Snapshot returns the current station view
func (s *Station) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Code:          s.profile.Code,
		Name:          s.profile.Name,
		Process:       s.profile.Process,
		IsHead:        s.input == nil,
		Status:        s.status,
		CompletedQty:  s.completedQty,
		BadQty:        s.badQty,
		LastCompleted: s.lastCompleted,
	}
	if s.current != nil {
		snap.WorkOrderID = s.current.ID
		snap.ProductCode = s.current.ProductCode
		snap.PlannedQty = s.current.PlannedQuantity
	}
	s.mu.RUnlock()

	snap.Environment = s.env.Snapshot()
	if s.input != nil {
		snap.InputDepth = s.input.Len()
	}
	return snap
}

// Status returns the last reported status
func (s *Station) Status() core.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Station) units(n float64) time.Duration {
	return s.runtime.Units(n)
}

// send wraps body in a packet and transmits it. Telemetry is fire-and-forget:
// failures are logged and never reach the state machine.
func (s *Station) send(ctx context.Context, packetType core.PacketType, body interface{}) {
	if s.sender == nil {
		return
	}
	p, err := core.NewPacket(packetType, s.session.Token(), body)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(packetType)).Msg("Failed to encode packet")
		return
	}
	err = s.sender.Send(ctx, p)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrCollectorUnavailable):
		s.logger.Debug().Str("type", string(packetType)).Msg("Packet not sent, collector redial backing off")
	default:
		s.logger.Warn().Err(err).Str("type", string(packetType)).Msg("Failed to send packet (collector may not be available)")
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
