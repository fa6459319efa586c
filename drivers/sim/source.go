package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/channelio"
	"github.com/voltlab/cellbench/config"
)

// Driver is the identifier under which the simulation driver registers.
const Driver = "sim"

// NewSourceFactory returns a channelio.SourceFactory producing scripted
// telemetry. The factory consumes the source's settings node to determine the
// per-round samples.
func NewSourceFactory() channelio.SourceFactory {
	return func(cfg config.DriverConfig, deps channelio.Dependencies) (channelio.TelemetrySource, error) {
		settings, err := parseSettings(cfg.Settings)
		if err != nil {
			return nil, fmt.Errorf("sim source: %w", err)
		}
		rounds, err := settings.resolve(deps)
		if err != nil {
			return nil, fmt.Errorf("sim source: %w", err)
		}
		return &scriptedSource{
			rounds: rounds,
			loop:   settings.Loop,
			logger: deps.Logger.With().Str("component", "sim_source").Logger(),
		}, nil
	}
}

// scriptedSource replays configured rounds, one per poll. Once the script is
// exhausted it yields empty batches unless loop is set.
type scriptedSource struct {
	mu     sync.Mutex
	rounds [][]channelio.Sample
	pos    int
	loop   bool
	logger zerolog.Logger
}

func (s *scriptedSource) Poll(ctx context.Context) ([]channelio.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.rounds) {
		if !s.loop || len(s.rounds) == 0 {
			return nil, nil
		}
		s.pos = 0
	}
	round := s.rounds[s.pos]
	s.pos++
	s.logger.Trace().Int("round", s.pos).Int("samples", len(round)).Msg("replaying scripted round")
	return round, nil
}

func (s *scriptedSource) Close() {}

// Feeder is a TelemetrySource fed programmatically. Poll blocks until the
// next round is pushed or the context is cancelled, which makes tests and
// interactive harnesses fully deterministic.
type Feeder struct {
	ch     chan []channelio.Sample
	closed chan struct{}
	once   sync.Once
}

// NewFeeder creates a feeder with room for pending rounds.
func NewFeeder() *Feeder {
	return &Feeder{ch: make(chan []channelio.Sample, 64), closed: make(chan struct{})}
}

// Push hands one polling round to the next Poll call.
func (f *Feeder) Push(samples ...channelio.Sample) error {
	select {
	case <-f.closed:
		return errors.New("feeder is closed")
	case f.ch <- samples:
		return nil
	}
}

// Poll returns the next pushed round.
func (f *Feeder) Poll(ctx context.Context) ([]channelio.Sample, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errors.New("feeder is closed")
	case samples := <-f.ch:
		return samples, nil
	}
}

// Close releases pollers; further pushes fail.
func (f *Feeder) Close() {
	f.once.Do(func() { close(f.closed) })
}
