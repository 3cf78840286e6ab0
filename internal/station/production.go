package station

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sebastiankruger/battery-line-simulator/internal/backend"
	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// productionLoop polls for work orders and runs them one at a time
func (s *Station) productionLoop(ctx context.Context) error {
	s.reportStatus(ctx, core.StatusWait, core.ReasonReadyForWork)

	for {
		wo := s.fetchWorkOrder(ctx)
		if wo == nil || wo.ID == s.lastCompletedID() {
			s.reportStatus(ctx, core.StatusWait, core.ReasonIdle)
			if err := sleep(ctx, s.units(idlePollUnits)); err != nil {
				return err
			}
			continue
		}

		if err := s.runWorkOrder(ctx, wo); err != nil {
			return err
		}
		if err := sleep(ctx, s.units(batchPauseUnits)); err != nil {
			return err
		}
	}
}

// runWorkOrder executes one work order until the head limit is reached or
// upstream material times out, then reports the actual quantity.
func (s *Station) runWorkOrder(ctx context.Context, wo *core.WorkOrder) error {
	bom := s.fetchBOM(ctx, wo.ProductCode)

	s.mu.Lock()
	s.current = wo
	s.bom = bom
	s.completedQty = 0
	s.mu.Unlock()

	s.reportStatus(ctx, core.StatusRun, core.ReasonStartPrefix+wo.ID)

	head := s.IsHead()
	limit := 0
	if head {
		limit = HeadLimit(wo.PlannedQuantity, s.overproduction)
		s.logger.Info().
			Str("workOrder", wo.ID).
			Str("product", wo.ProductCode).
			Int("planned", wo.PlannedQuantity).
			Int("input", limit).
			Msg("Head station work order started")
	} else {
		s.logger.Info().
			Str("workOrder", wo.ID).
			Str("product", wo.ProductCode).
			Int("planned", wo.PlannedQuantity).
			Msg("Line station work order started, waiting for upstream material")
	}

	outcome := "completed"
	attempted := 0
	starved := 0

	for {
		if head {
			if attempted >= limit {
				s.logger.Info().Int("attempted", attempted).Int("limit", limit).Msg("Input target reached")
				break
			}
		} else {
			if _, ok := s.input.TryPop(); !ok {
				starved++
				if starved == s.warnAfter {
					s.reportStatus(ctx, core.StatusWait, core.ReasonNoMaterial)
					s.logger.Info().Int("emptyPolls", starved).Msg("Waiting for material")
				}
				if starved > s.timeoutAfter {
					s.logger.Warn().Int("emptyPolls", starved).Msg("Upstream supply stopped, closing work order")
					s.reportStatus(ctx, core.StatusStop, core.ReasonMaterialTimeout)
					outcome = "timeout"
					break
				}
				if err := sleep(ctx, s.units(starvationUnits)); err != nil {
					return err
				}
				continue
			}

			if starved >= s.warnAfter || s.Status() != core.StatusRun {
				s.reportStatus(ctx, core.StatusRun, core.ReasonResumeWork)
			}
			starved = 0
		}

		if err := sleep(ctx, s.units(processUnits)); err != nil {
			return err
		}

		attempted++
		s.produceUnit(ctx, wo)
	}

	s.mu.RLock()
	actual := s.completedQty
	s.mu.RUnlock()

	s.logger.Info().
		Str("workOrder", wo.ID).
		Int("actualQty", actual).
		Int("planned", wo.PlannedQuantity).
		Str("outcome", outcome).
		Msg("Batch finished")

	if err := s.backend.CompleteWorkOrder(ctx, s.session, s.profile.Code, wo.ID, actual); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Str("workOrder", wo.ID).Msg("Failed to report work order completion (backend may not be available)")
	}
	if s.metrics != nil {
		s.metrics.WorkOrders.WithLabelValues(s.profile.Code, outcome).Inc()
	}

	s.mu.Lock()
	s.lastCompleted = wo.ID
	s.current = nil
	s.mu.Unlock()

	s.reportStatus(ctx, core.StatusWait, core.ReasonBatchCompleted)
	return nil
}

// produceUnit simulates one attempted unit and emits its PRODUCTION packet
func (s *Station) produceUnit(ctx context.Context, wo *core.WorkOrder) {
	env := s.env.Step()
	isBad, defect := drawDefect(s.rng, s.runtime.GetDefectRate(), s.profile)

	s.mu.RLock()
	lots := append([]int64{}, s.mountedLots...)
	s.mu.RUnlock()

	s.send(ctx, core.PacketProduction, core.ProductionEvent{
		MachineCode:    s.profile.Code,
		Timestamp:      core.FormatTimestamp(time.Now()),
		Qty:            1,
		IsBad:          isBad,
		DefectType:     defect,
		Temperature:    env.Temperature,
		Humidity:       env.Humidity,
		Voltage:        env.Voltage,
		WorkerCode:     s.session.WorkerCode(),
		MaterialLotIDs: lots,
	})

	if isBad {
		s.mu.Lock()
		s.badQty++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.UnitsProduced.WithLabelValues(s.profile.Code, "bad").Inc()
		}
		s.logger.Info().Str("defect", defect).Msg("Defective unit scrapped")
		return
	}

	s.mu.Lock()
	s.completedQty++
	completed := s.completedQty
	bom := s.bom
	s.mu.Unlock()

	if s.output != nil {
		s.output.Push(core.Token)
	}
	if s.metrics != nil {
		s.metrics.UnitsProduced.WithLabelValues(s.profile.Code, "good").Inc()
	}

	progress := 0.0
	if wo.PlannedQuantity > 0 {
		progress = float64(completed) / float64(wo.PlannedQuantity) * 100
	}
	s.logger.Info().
		Int("completed", completed).
		Int("planned", wo.PlannedQuantity).
		Str("progress", formatPercent(progress)).
		Str("materials", s.profile.ConsumptionLog(bom)).
		Msg("Unit produced")
}

// HeadLimit is the number of units a head station puts into the line for a
// work order of planned units
func HeadLimit(planned int, overproduction float64) int {
	return int(math.Ceil(float64(planned) * overproduction))
}

// drawDefect decides whether a unit is bad and which defect it carries
func drawDefect(rng *rand.Rand, rate float64, p Profile) (bool, string) {
	if rng.Float64() >= rate {
		return false, core.DefectNone
	}
	return true, p.pickDefect(rng)
}

func (s *Station) fetchWorkOrder(ctx context.Context) *core.WorkOrder {
	wo, err := s.backend.NextWorkOrder(ctx, s.session, s.profile.Code)
	if err != nil {
		if !errors.Is(err, backend.ErrNoWorkOrder) && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Failed to fetch work order (backend may not be available)")
		}
		return nil
	}
	return wo
}

func (s *Station) fetchBOM(ctx context.Context, productCode string) []core.BOMEntry {
	bom, err := s.backend.BOM(ctx, s.session, productCode)
	if err != nil {
		s.logger.Warn().Err(err).Str("product", productCode).Msg("Failed to fetch BOM, consumption will not be logged")
		return []core.BOMEntry{}
	}
	return bom
}

func (s *Station) lastCompletedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCompleted
}
