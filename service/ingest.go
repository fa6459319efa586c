package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/channelio"
	"github.com/voltlab/cellbench/runtime/datatable"
	"github.com/voltlab/cellbench/runtime/registry"
	"github.com/voltlab/cellbench/runtime/tasks"
	"github.com/voltlab/cellbench/telemetry"
)

// ingestor is the single dedicated telemetry goroutine. Each round it polls
// the source, commits the samples to the data table, fans out one Filtering
// and one Fitting task per sampled channel, and enqueues one callback
// invocation per registered reaction on subscribed channels.
//
// The ingestor never invokes user callbacks directly; reactions always run
// on workers, so a slow callback cannot stall ingestion. The table update is
// committed before any task referencing the round is pushed.
type ingestor struct {
	source    channelio.TelemetrySource
	table     *datatable.Table
	registry  *registry.Registry
	push      func(*tasks.Task)
	interval  time.Duration
	logger    zerolog.Logger
	collector telemetry.Collector

	rounds atomic.Uint64
	wg     sync.WaitGroup
}

func newIngestor(source channelio.TelemetrySource, table *datatable.Table, reg *registry.Registry, push func(*tasks.Task), interval time.Duration, logger zerolog.Logger, collector telemetry.Collector) *ingestor {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &ingestor{
		source:    source,
		table:     table,
		registry:  reg,
		push:      push,
		interval:  interval,
		logger:    logger.With().Str("component", "ingestor").Logger(),
		collector: collector,
	}
}

func (ing *ingestor) start(ctx context.Context) {
	ing.wg.Add(1)
	go ing.run(ctx)
}

func (ing *ingestor) run(ctx context.Context) {
	defer ing.wg.Done()
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := ing.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ing.logger.Warn().Err(err).Msg("telemetry poll failed")
		}
		for _, sample := range batch {
			ing.dispatch(sample)
		}
		ing.rounds.Add(1)
		ing.collector.IncPollRound()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (ing *ingestor) dispatch(sample channelio.Sample) {
	if len(sample.Values) == 0 {
		return
	}
	if err := ing.table.Update(sample.Channel, sample.Values); err != nil {
		ing.logger.Warn().Err(err).Uint32("channel", sample.Channel).Msg("dropping sample for unknown channel")
		return
	}
	raw := sample.Values.Clone()
	ing.push(tasks.NewFiltering(sample.Channel, raw))
	ing.push(tasks.NewFitting(sample.Channel, raw))
	if !ing.table.IsSubscribed(sample.Channel) {
		return
	}
	for _, entry := range ing.registry.Snapshot(sample.Channel) {
		ing.push(tasks.NewCallback(sample.Channel, entry.Index))
	}
}

func (ing *ingestor) wait() {
	ing.wg.Wait()
}
