package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/channelio"
	"github.com/voltlab/cellbench/config"
	"github.com/voltlab/cellbench/runtime/datatable"
	"github.com/voltlab/cellbench/runtime/queue"
	"github.com/voltlab/cellbench/runtime/registry"
	"github.com/voltlab/cellbench/runtime/tasks"
	"github.com/voltlab/cellbench/telemetry"
)

// A constant voltage phase is considered finished once the charge current
// tapers below this fraction of the initial constant current.
const cvTailRatio = 0.05

type options struct {
	collector        telemetry.Collector
	controlFactories map[string]channelio.ControlFactory
	sourceFactories  map[string]channelio.SourceFactory
	port             channelio.ControlPort
	source           channelio.TelemetrySource
}

// Option configures the service during construction.
type Option func(*options)

// WithCollector configures the telemetry collector used for runtime metrics.
func WithCollector(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.collector = collector
		}
	}
}

// WithControlFactory registers or overrides a control port factory for a
// driver identifier.
func WithControlFactory(driver string, factory channelio.ControlFactory) Option {
	return func(o *options) {
		if driver == "" {
			return
		}
		if factory == nil {
			delete(o.controlFactories, driver)
			return
		}
		o.controlFactories[driver] = factory
	}
}

// WithSourceFactory registers or overrides a telemetry source factory for a
// driver identifier.
func WithSourceFactory(driver string, factory channelio.SourceFactory) Option {
	return func(o *options) {
		if driver == "" {
			return
		}
		if factory == nil {
			delete(o.sourceFactories, driver)
			return
		}
		o.sourceFactories[driver] = factory
	}
}

// WithControlPort injects a ready-made control port, bypassing driver
// resolution. Intended for embedding and tests.
func WithControlPort(port channelio.ControlPort) Option {
	return func(o *options) { o.port = port }
}

// WithTelemetrySource injects a ready-made telemetry source, bypassing driver
// resolution.
func WithTelemetrySource(source channelio.TelemetrySource) Option {
	return func(o *options) { o.source = source }
}

// Metrics is a snapshot of engine counters.
type Metrics struct {
	TasksExecuted uint64 `json:"tasks_executed"`
	TasksDrained  uint64 `json:"tasks_drained"`
	PollRounds    uint64 `json:"poll_rounds"`
}

// Service composes the queue, worker pool, data table, callback registry and
// telemetry ingestor into the battery testing engine. New starts the engine;
// Shutdown stops it and is idempotent.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	queue    *queue.Queue
	table    *datatable.Table
	registry *registry.Registry
	exec     *executor
	pool     *workerPool
	ingest   *ingestor

	port   channelio.ControlPort
	source channelio.TelemetrySource
	status *statusServer

	cancelIngest context.CancelFunc
	shutdownOnce sync.Once
	drained      atomic.Uint64
}

// New builds and starts the engine from configuration and dependencies.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{
		collector:        telemetry.Noop(),
		controlFactories: make(map[string]channelio.ControlFactory),
		sourceFactories:  make(map[string]channelio.SourceFactory),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	deps := channelio.Dependencies{Logger: logger, MaxChannels: cfg.MaxChannels}
	port, err := resolveControl(cfg.Control, o, deps)
	if err != nil {
		return nil, err
	}
	source, err := resolveSource(cfg.Source, o, deps)
	if err != nil {
		port.Close()
		return nil, err
	}

	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		collector: o.collector,
		queue:     queue.New(),
		table:     datatable.New(cfg.MaxChannels),
		registry:  registry.New(cfg.MaxChannels),
		port:      port,
		source:    source,
	}
	svc.exec = newExecutor(port, svc.table, svc.registry, logger, o.collector)
	svc.pool = newWorkerPool(svc.queue, svc.exec.execute, logger, o.collector)
	svc.ingest = newIngestor(source, svc.table, svc.registry, svc.push, cfg.PollInterval.Duration, logger, o.collector)

	svc.pool.start(cfg.Workers)
	ctx, cancel := context.WithCancel(context.Background())
	svc.cancelIngest = cancel
	svc.ingest.start(ctx)

	if cfg.Status.Enabled {
		status, err := newStatusServer(cfg.Status.Listen, svc, logger)
		if err != nil {
			svc.Shutdown()
			return nil, err
		}
		svc.status = status
	}

	logger.Info().
		Int("channels", cfg.MaxChannels).
		Int("workers", cfg.Workers).
		Dur("poll_interval", cfg.PollInterval.Duration).
		Msg("engine started")
	return svc, nil
}

func resolveControl(cfg config.DriverConfig, o *options, deps channelio.Dependencies) (channelio.ControlPort, error) {
	if o.port != nil {
		return o.port, nil
	}
	if cfg.Driver == "" {
		return nil, errors.New("control driver not configured")
	}
	factory := o.controlFactories[cfg.Driver]
	if factory == nil {
		return nil, fmt.Errorf("no control factory registered for driver %s", cfg.Driver)
	}
	return factory(cfg, deps)
}

func resolveSource(cfg config.DriverConfig, o *options, deps channelio.Dependencies) (channelio.TelemetrySource, error) {
	if o.source != nil {
		return o.source, nil
	}
	if cfg.Driver == "" {
		return nil, errors.New("source driver not configured")
	}
	factory := o.sourceFactories[cfg.Driver]
	if factory == nil {
		return nil, fmt.Errorf("no source factory registered for driver %s", cfg.Driver)
	}
	return factory(cfg, deps)
}

// push enqueues a task and keeps the queue metrics current. All task
// submission inside the engine funnels through here.
func (s *Service) push(t *tasks.Task) {
	s.queue.Push(t)
	s.collector.IncTaskEnqueued(t.Kind.String(), t.Priority.String())
	s.collector.SetQueueDepth(s.queue.Len())
}

func (s *Service) checkChannel(channel uint32) error {
	if int(channel) >= s.table.Channels() {
		return fmt.Errorf("unknown channel %d (max %d)", channel, s.table.Channels()-1)
	}
	return nil
}

// RunCCCV starts a constant current / constant voltage test. The channel is
// driven at current until targetVoltage is reached, then held at
// targetVoltage until the charge current tapers off. Optional step limits
// terminate the test early.
func (s *Service) RunCCCV(channel uint32, current, targetVoltage float64, limits []StepLimit) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if err := s.table.Subscribe(channel); err != nil {
		return err
	}
	logger := s.logger.With().Uint32("channel", channel).Str("procedure", "cccv").Logger()
	logger.Info().Float64("current", current).Float64("target_voltage", targetVoltage).Msg("starting test")

	s.push(tasks.NewConstantCurrent(channel, current))

	var switched atomic.Bool
	_, err := s.registry.RegisterWith(channel, func(self uint64) registry.Callback {
		return func(ch uint32, snapshot channelio.Snapshot) {
			v, ok := snapshot[keyVoltage]
			if !ok || v < targetVoltage {
				return
			}
			if !switched.CompareAndSwap(false, true) {
				return
			}
			logger.Info().Float64("voltage", v).Msg("target voltage reached, switching to constant voltage")
			s.push(tasks.NewConstantVoltage(ch, targetVoltage))
			s.registry.Unregister(ch, self)
			s.watchCVTail(ch, current, logger)
		}
	})
	if err != nil {
		return err
	}
	if len(limits) > 0 {
		if err := s.WatchStepLimits(channel, limits, ActionRest); err != nil {
			return err
		}
	}
	return nil
}

// watchCVTail installs the constant voltage phase watcher: once the charge
// current tapers below the cutoff the test terminates into rest.
func (s *Service) watchCVTail(channel uint32, initialCurrent float64, logger zerolog.Logger) {
	cutoff := math.Abs(initialCurrent) * cvTailRatio
	var done atomic.Bool
	_, err := s.registry.Register(channel, func(ch uint32, snapshot channelio.Snapshot) {
		i, ok := snapshot[keyCurrent]
		if !ok || math.Abs(i) > cutoff {
			return
		}
		if !done.CompareAndSwap(false, true) {
			return
		}
		logger.Info().Float64("current", i).Msg("charge current tapered off, terminating")
		s.Terminate(ch, ActionRest)
	})
	if err != nil {
		logger.Error().Err(err).Msg("installing constant voltage watcher failed")
	}
}

// RunDCIM starts a direct current internal measurement: a current pulse is
// applied, the voltage delta against the pre-pulse baseline yields the
// internal resistance, then the channel returns to rest. The derived
// "resistance" key is merged into the channel data.
func (s *Service) RunDCIM(channel uint32, current float64) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if current == 0 {
		return errors.New("dcim current must not be zero")
	}
	if err := s.table.Subscribe(channel); err != nil {
		return err
	}
	logger := s.logger.With().Uint32("channel", channel).Str("procedure", "dcim").Logger()
	logger.Info().Float64("current", current).Msg("starting test")

	s.push(tasks.NewConstantCurrent(channel, current))

	var mu sync.Mutex
	var baseline float64
	var haveBaseline bool
	var done atomic.Bool
	_, err := s.registry.Register(channel, func(ch uint32, snapshot channelio.Snapshot) {
		v, ok := snapshot[keyVoltage]
		if !ok {
			return
		}
		mu.Lock()
		if !haveBaseline {
			baseline = v
			haveBaseline = true
			mu.Unlock()
			return
		}
		resistance := math.Abs(v-baseline) / math.Abs(current)
		mu.Unlock()
		if !done.CompareAndSwap(false, true) {
			return
		}
		if err := s.table.Update(ch, channelio.Snapshot{keyResistance: resistance}); err != nil {
			logger.Error().Err(err).Msg("merging resistance failed")
		}
		logger.Info().Float64("resistance", resistance).Msg("internal resistance measured")
		s.Terminate(ch, ActionRest)
	})
	return err
}

// RunRest parks the channel in an open circuit state.
func (s *Service) RunRest(channel uint32) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	s.push(tasks.NewGenericControl(channel, func(port channelio.ControlPort) error {
		return port.SetRest(channel)
	}))
	return nil
}

// WatchStepLimits registers a watcher terminating the channel's test once any
// of the limits is met.
func (s *Service) WatchStepLimits(channel uint32, limits []StepLimit, action TerminalAction) error {
	if err := s.checkChannel(channel); err != nil {
		return err
	}
	if len(limits) == 0 {
		return nil
	}
	logger := s.logger.With().Uint32("channel", channel).Str("component", "step_limits").Logger()
	var fired atomic.Bool
	_, err := s.registry.Register(channel, func(ch uint32, snapshot channelio.Snapshot) {
		for _, limit := range limits {
			if !limit.met(snapshot) {
				continue
			}
			if !fired.CompareAndSwap(false, true) {
				return
			}
			logger.Info().Str("variable", limit.Variable).Float64("threshold", limit.Threshold).Str("action", action.String()).Msg("step limit reached")
			s.Terminate(ch, action)
			return
		}
	})
	return err
}

// WatchCondition registers a watcher terminating the channel's test once the
// expression over the channel snapshot evaluates to true, e.g.
// "voltage >= 4.2 && temperature < 45". It returns the watcher's stable
// registry index.
func (s *Service) WatchCondition(channel uint32, src string, action TerminalAction) (uint64, error) {
	if err := s.checkChannel(channel); err != nil {
		return 0, err
	}
	cond, err := compileCondition(src)
	if err != nil {
		return 0, err
	}
	logger := s.logger.With().Uint32("channel", channel).Str("component", "condition").Logger()
	var fired atomic.Bool
	return s.registry.Register(channel, func(ch uint32, snapshot channelio.Snapshot) {
		if !cond.met(snapshot, logger) {
			return
		}
		if !fired.CompareAndSwap(false, true) {
			return
		}
		logger.Info().Str("condition", cond.src).Str("action", action.String()).Msg("condition met")
		s.Terminate(ch, action)
	})
}

// Terminate ends every test activity on the channel: all callbacks are
// dropped, the subscription cleared and the channel parked via the requested
// action. Already queued callback invocations become no-ops.
func (s *Service) Terminate(channel uint32, action TerminalAction) {
	s.registry.UnregisterAll(channel)
	if err := s.table.Unsubscribe(channel); err != nil {
		s.logger.Warn().Err(err).Uint32("channel", channel).Msg("unsubscribe during termination failed")
		return
	}
	s.push(tasks.NewGenericControl(channel, func(port channelio.ControlPort) error {
		if action == ActionOff {
			return port.SetOff(channel)
		}
		return port.SetRest(channel)
	}))
}

// SetWorkerCount resizes the worker pool to exactly n.
func (s *Service) SetWorkerCount(n int) {
	s.pool.setWorkerCount(n)
}

// WorkerCount reports the current pool size.
func (s *Service) WorkerCount() int {
	return s.pool.workerCount()
}

// QueueDepth reports the number of queued tasks.
func (s *Service) QueueDepth() int {
	return s.queue.Len()
}

// Subscribe marks the channel as actively tested, enabling callback fan-out
// for its samples.
func (s *Service) Subscribe(channel uint32) error {
	return s.table.Subscribe(channel)
}

// Unsubscribe clears the channel's subscription flag. Registered callbacks
// stay in place but are no longer invoked.
func (s *Service) Unsubscribe(channel uint32) error {
	return s.table.Unsubscribe(channel)
}

// Subscribed returns the ids of all subscribed channels.
func (s *Service) Subscribed() []uint32 {
	return s.table.Subscribed()
}

// RegisterReaction appends a callback to the channel's reaction list and
// returns its stable index. The callback fires on workers for every sample of
// the channel while it is subscribed.
func (s *Service) RegisterReaction(channel uint32, cb registry.Callback) (uint64, error) {
	return s.registry.Register(channel, cb)
}

// UnregisterReaction removes the reaction at the stable index. It reports
// whether an entry was removed.
func (s *Service) UnregisterReaction(channel uint32, index uint64) bool {
	return s.registry.Unregister(channel, index)
}

// ChannelSnapshot returns a copy of the current data for the channel.
func (s *Service) ChannelSnapshot(channel uint32) (channelio.Snapshot, error) {
	return s.table.Snapshot(channel)
}

// StatusAddr returns the bound address of the status server, or the empty
// string if the server is disabled.
func (s *Service) StatusAddr() string {
	if s.status == nil {
		return ""
	}
	return s.status.addr()
}

// Metrics returns a snapshot of the engine counters.
func (s *Service) Metrics() Metrics {
	return Metrics{
		TasksExecuted: s.exec.executed.Load(),
		TasksDrained:  s.drained.Load(),
		PollRounds:    s.ingest.rounds.Load(),
	}
}

// Shutdown stops the engine: the ingestor is cancelled and joined, the
// workers drain their in-flight tasks and exit, remaining queued tasks are
// drained and dropped, and all callbacks and subscriptions are cleared.
// Safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("shutting down")
		s.cancelIngest()
		s.ingest.wait()
		s.pool.stop()
		dropped := s.queue.Drain()
		s.drained.Add(uint64(len(dropped)))
		s.collector.IncTasksDrained(len(dropped))
		s.collector.SetQueueDepth(0)
		s.registry.Clear()
		for _, channel := range s.table.Subscribed() {
			_ = s.table.Unsubscribe(channel)
		}
		if s.status != nil {
			s.status.close()
		}
		s.source.Close()
		s.port.Close()
		s.logger.Info().Uint64("tasks_executed", s.exec.executed.Load()).Uint64("tasks_drained", s.drained.Load()).Msg("engine stopped")
	})
}

// Close releases all resources held by the engine.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.Shutdown()
	return nil
}
