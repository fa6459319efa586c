package channelio

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/config"
)

// Snapshot is a point-in-time mapping of measurement names to values for one
// channel, e.g. "voltage", "current", "temperature", "dvdt", "timestamp".
type Snapshot map[string]float64

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Sample couples a channel with the measurements it produced during one
// polling round.
type Sample struct {
	Channel uint32
	Values  Snapshot
}

// ControlPort hands control commands off to the hardware front-end.
//
// A nil error indicates only that the local handoff succeeded; the hardware
// acknowledges asynchronously through telemetry. Implementations must be safe
// for concurrent use because control tasks execute on multiple workers.
type ControlPort interface {
	SetConstantCurrent(channel uint32, amperes float64) error
	SetConstantVoltage(channel uint32, volts float64) error
	SetRest(channel uint32) error
	SetOff(channel uint32) error
	Close()
}

// TelemetrySource yields batches of fresh channel samples.
//
// Poll returns the samples produced since the previous call. It may block
// internally up to a bounded interval but must return promptly once the
// context is cancelled. Only the ingestor goroutine calls Poll.
type TelemetrySource interface {
	Poll(ctx context.Context) ([]Sample, error)
	Close()
}

// Dependencies bundles what drivers need at construction time.
type Dependencies struct {
	Logger      zerolog.Logger
	MaxChannels int
}

// ControlFactory constructs a ControlPort from driver configuration.
//
// Factories allow different hardware transports to be wired into the engine
// without coupling the core to concrete types.
type ControlFactory func(cfg config.DriverConfig, deps Dependencies) (ControlPort, error)

// SourceFactory constructs a TelemetrySource from driver configuration.
type SourceFactory func(cfg config.DriverConfig, deps Dependencies) (TelemetrySource, error)
