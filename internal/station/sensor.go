package station

import (
	"context"
	"time"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// sensorLoop emits a SENSOR packet every sensor period for the station's lifetime
func (s *Station) sensorLoop(ctx context.Context) error {
	for {
		env := s.env.Step()
		s.send(ctx, core.PacketSensor, core.SensorEvent{
			MachineCode: s.profile.Code,
			Timestamp:   core.FormatTimestamp(time.Now()),
			Data:        env,
		})

		if err := sleep(ctx, s.units(sensorUnits)); err != nil {
			return err
		}
	}
}
