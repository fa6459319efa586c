package service

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/channelio"
	"github.com/voltlab/cellbench/runtime/datatable"
	"github.com/voltlab/cellbench/runtime/registry"
	"github.com/voltlab/cellbench/runtime/tasks"
	"github.com/voltlab/cellbench/telemetry"
)

// Well-known measurement keys.
const (
	keyVoltage         = "voltage"
	keyCurrent         = "current"
	keyTimestamp       = "timestamp"
	keyFilteredVoltage = "voltage_filtered"
	keyDvdt            = "dvdt"
	keyFitVoltage      = "fit_voltage"
	keyFitTimestamp    = "fit_timestamp"
	keyResistance      = "resistance"
)

// Smoothing factor for the filtered voltage kernel.
const filterAlpha = 0.25

// executor dispatches popped tasks to their effect. Recoverable errors are
// logged with channel and task context and never unwind the worker loop.
type executor struct {
	port      channelio.ControlPort
	table     *datatable.Table
	registry  *registry.Registry
	logger    zerolog.Logger
	collector telemetry.Collector

	executed atomic.Uint64
}

func newExecutor(port channelio.ControlPort, table *datatable.Table, reg *registry.Registry, logger zerolog.Logger, collector telemetry.Collector) *executor {
	return &executor{
		port:      port,
		table:     table,
		registry:  reg,
		logger:    logger.With().Str("component", "executor").Logger(),
		collector: collector,
	}
}

func (e *executor) execute(t *tasks.Task) {
	switch t.Kind {
	case tasks.KindConstantCurrent:
		if err := e.port.SetConstantCurrent(t.Channel, t.Current); err != nil {
			e.controlFailed(t, err)
		}
	case tasks.KindConstantVoltage:
		if err := e.port.SetConstantVoltage(t.Channel, t.TargetVoltage); err != nil {
			e.controlFailed(t, err)
		}
	case tasks.KindGenericControl:
		e.executeSequence(t)
	case tasks.KindCallback:
		e.executeCallback(t)
	case tasks.KindFiltering:
		e.executeFiltering(t)
	case tasks.KindFitting:
		e.executeFitting(t)
	default:
		e.logger.Panic().Uint32("channel", t.Channel).Int("kind", int(t.Kind)).Msg("unknown task kind")
	}
	e.executed.Add(1)
	e.collector.IncTaskExecuted(t.Kind.String())
}

func (e *executor) controlFailed(t *tasks.Task, err error) {
	e.collector.IncControlError(t.Kind.String())
	e.logger.Error().Err(err).Uint32("channel", t.Channel).Str("task", t.Kind.String()).Msg("control handoff failed")
}

// executeSequence runs the ops of a generic control task in order,
// short-circuiting on the first failure.
func (e *executor) executeSequence(t *tasks.Task) {
	for i, op := range t.Ops {
		if op == nil {
			continue
		}
		if err := op(e.port); err != nil {
			e.collector.IncControlError(t.Kind.String())
			e.logger.Error().Err(err).Uint32("channel", t.Channel).Int("op", i).Msg("control sequence aborted")
			return
		}
	}
}

// executeCallback resolves the reaction through its stable index and invokes
// it against a fresh table snapshot. A callback unregistered after the task
// was queued makes the task a silent no-op.
func (e *executor) executeCallback(t *tasks.Task) {
	cb, ok := e.registry.Resolve(t.Channel, t.CallbackIndex)
	if !ok {
		e.logger.Trace().Uint32("channel", t.Channel).Uint64("index", t.CallbackIndex).Msg("callback already unregistered")
		return
	}
	snapshot, err := e.table.Snapshot(t.Channel)
	if err != nil {
		e.logger.Error().Err(err).Uint32("channel", t.Channel).Msg("snapshot for callback failed")
		return
	}
	e.collector.IncCallbackInvocation(t.Channel)
	cb(t.Channel, snapshot)
}

// executeFiltering exponentially smooths the raw voltage and merges the
// result back into the table.
func (e *executor) executeFiltering(t *tasks.Task) {
	v, ok := t.Raw[keyVoltage]
	if !ok {
		return
	}
	previous, err := e.table.Snapshot(t.Channel)
	if err != nil {
		e.logger.Error().Err(err).Uint32("channel", t.Channel).Msg("snapshot for filtering failed")
		return
	}
	filtered := v
	if prior, ok := previous[keyFilteredVoltage]; ok {
		filtered = filterAlpha*v + (1-filterAlpha)*prior
	}
	if err := e.table.Update(t.Channel, channelio.Snapshot{keyFilteredVoltage: filtered}); err != nil {
		e.logger.Error().Err(err).Uint32("channel", t.Channel).Msg("filtering merge failed")
	}
}

// executeFitting derives a two-point dv/dt estimate from the raw voltage and
// timestamp against the previous fit anchors.
func (e *executor) executeFitting(t *tasks.Task) {
	v, ok := t.Raw[keyVoltage]
	if !ok {
		return
	}
	previous, err := e.table.Snapshot(t.Channel)
	if err != nil {
		e.logger.Error().Err(err).Uint32("channel", t.Channel).Msg("snapshot for fitting failed")
		return
	}
	update := channelio.Snapshot{keyFitVoltage: v}
	ts, hasTS := t.Raw[keyTimestamp]
	if hasTS {
		update[keyFitTimestamp] = ts
	}
	priorV, hasPriorV := previous[keyFitVoltage]
	priorTS, hasPriorTS := previous[keyFitTimestamp]
	if hasTS && hasPriorV && hasPriorTS && ts > priorTS {
		update[keyDvdt] = (v - priorV) / (ts - priorTS)
	}
	if err := e.table.Update(t.Channel, update); err != nil {
		e.logger.Error().Err(err).Uint32("channel", t.Channel).Msg("fitting merge failed")
	}
}
