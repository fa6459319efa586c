package sim

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/channelio"
	"github.com/voltlab/cellbench/config"
)

// Control operation names as recorded by the port.
const (
	OpConstantCurrent = "constant_current"
	OpConstantVoltage = "constant_voltage"
	OpRest            = "rest"
	OpOff             = "off"
)

// ControlCall is one recorded control handoff.
type ControlCall struct {
	Op      string
	Channel uint32
	Value   float64
}

// NewControlFactory returns a channelio.ControlFactory producing recorder
// ports. The recorded call log stands in for the hardware co-processor.
func NewControlFactory() channelio.ControlFactory {
	return func(cfg config.DriverConfig, deps channelio.Dependencies) (channelio.ControlPort, error) {
		return NewRecorderPort(deps.Logger), nil
	}
}

// RecorderPort is a ControlPort that records every handoff. Tests may arm
// individual operations to fail.
type RecorderPort struct {
	mu      sync.Mutex
	calls   []ControlCall
	failing map[string]error
	logger  zerolog.Logger
}

// NewRecorderPort creates an empty recorder.
func NewRecorderPort(logger zerolog.Logger) *RecorderPort {
	return &RecorderPort{
		failing: make(map[string]error),
		logger:  logger.With().Str("component", "sim_port").Logger(),
	}
}

func (p *RecorderPort) record(op string, channel uint32, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failing[op]; err != nil {
		return err
	}
	p.calls = append(p.calls, ControlCall{Op: op, Channel: channel, Value: value})
	p.logger.Debug().Str("op", op).Uint32("channel", channel).Float64("value", value).Msg("control handoff")
	return nil
}

// SetConstantCurrent records a constant current handoff.
func (p *RecorderPort) SetConstantCurrent(channel uint32, amperes float64) error {
	return p.record(OpConstantCurrent, channel, amperes)
}

// SetConstantVoltage records a constant voltage handoff.
func (p *RecorderPort) SetConstantVoltage(channel uint32, volts float64) error {
	return p.record(OpConstantVoltage, channel, volts)
}

// SetRest records a rest handoff.
func (p *RecorderPort) SetRest(channel uint32) error {
	return p.record(OpRest, channel, 0)
}

// SetOff records an off handoff.
func (p *RecorderPort) SetOff(channel uint32) error {
	return p.record(OpOff, channel, 0)
}

// Close implements channelio.ControlPort.
func (p *RecorderPort) Close() {}

// FailWith arms op to return err on every subsequent handoff. Passing a nil
// error disarms it.
func (p *RecorderPort) FailWith(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, op)
		return
	}
	p.failing[op] = err
}

// Calls returns a copy of the recorded call log.
func (p *RecorderPort) Calls() []ControlCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ControlCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallsFor returns the recorded calls touching one channel.
func (p *RecorderPort) CallsFor(channel uint32) []ControlCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ControlCall, 0)
	for _, call := range p.calls {
		if call.Channel == channel {
			out = append(out, call)
		}
	}
	return out
}
