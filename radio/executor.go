package radio

import (
	"context"
	"errors"
	"fmt"
)

// HardwareExecutor adapts a blocking Driver to the slot-plan interface by
// running the steps sequentially. The driver owns all sub-slot deadlines;
// the executor never waits past the end of the last step.
//
// The executor applies the antenna-delay calibration so every timestamp
// crossing it is an air time: the transmit delay is added to TX captures
// and the receive delay subtracted from RX captures.
type HardwareExecutor struct {
	drv Driver
	cfg *Config
}

// NewHardwareExecutor wraps a driver with its calibration.
func NewHardwareExecutor(drv Driver, cfg *Config) *HardwareExecutor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &HardwareExecutor{drv: drv, cfg: cfg}
}

// ExecuteSlot runs the plan's steps in order against the hardware.
func (m *HardwareExecutor) ExecuteSlot(ctx context.Context, plan Plan) ([]StepResult, error) {
	if err := m.drv.SetChannel(plan.Channel); err != nil {
		return nil, fmt.Errorf("failed to switch channel: %w", err)
	}

	results := make([]StepResult, len(plan.Steps))
	for i, step := range plan.Steps {
		results[i].Kind = step.Kind

		switch step.Kind {
		case StepTx:
			frame := step.Frame
			if step.Build != nil {
				frame = step.Build(results[:i])
			}
			if frame == nil {
				continue
			}

			res, err := m.drv.TxAt(ctx, plan.Origin+step.Offset, frame, step.AckExpected)
			if err != nil && !errors.Is(err, ErrTimeout) {
				return results, err
			}
			results[i].OK = err == nil
			results[i].Err = err
			results[i].SFD = res.SFD + m.cfg.TxAntennaDelay
			results[i].AckOK = res.AckOK
			results[i].AckSFD = res.AckSFD - m.cfg.RxAntennaDelay
			results[i].AckFrame = res.AckFrame

		case StepRx:
			res, err := m.drv.RxWindow(ctx, plan.Origin+step.Offset, step.Timeout)
			if err != nil {
				if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrCRC) {
					return results, err
				}
				results[i].Err = err
				continue
			}
			results[i].OK = true
			results[i].Frame = res.Frame
			results[i].SFD = res.SFD - m.cfg.RxAntennaDelay

			if step.AutoAck != nil {
				if ack := step.AutoAck(res.Frame); ack != nil {
					if _, err := m.drv.TxAt(ctx, plan.Origin+step.AckOffset, ack, false); err != nil {
						return results, err
					}
				}
			}
		}
	}

	return results, nil
}

// Sleep powers the radio down between slots.
func (m *HardwareExecutor) Sleep() { m.drv.Sleep() }

// Wake powers the radio back up.
func (m *HardwareExecutor) Wake() { m.drv.Wake() }
