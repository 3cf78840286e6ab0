package station

import (
	"context"
	"time"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// reportStatus sends a STATUS packet if status differs from the last
// reported one. Only the production loop calls it, so statuses go out in
// transition order.
func (s *Station) reportStatus(ctx context.Context, status core.Status, reason string) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	from := s.status
	s.status = status
	s.mu.Unlock()

	s.logger.Info().
		Str("from", string(from)).
		Str("to", string(status)).
		Str("reason", reason).
		Msg("Status changed")

	if s.metrics != nil {
		s.metrics.StatusTransitions.WithLabelValues(s.profile.Code, string(status)).Inc()
	}

	s.send(ctx, core.PacketStatus, core.StatusEvent{
		MachineCode: s.profile.Code,
		WorkerCode:  s.session.WorkerCode(),
		Status:      status,
		Reason:      reason,
		Timestamp:   core.FormatTimestamp(time.Now()),
	})
}
