package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/voltlab/cellbench/runtime/queue"
	"github.com/voltlab/cellbench/runtime/tasks"
	"github.com/voltlab/cellbench/telemetry"
)

// workerPool runs a variable-size set of workers draining the shared task
// queue. Resizing uses the drop-and-respawn protocol: the queue is closed for
// pops, the old workers are joined, then the queue reopens for a fresh set.
// Tasks already queued survive the swap; tasks in flight complete first.
type workerPool struct {
	queue     *queue.Queue
	execute   func(*tasks.Task)
	logger    zerolog.Logger
	collector telemetry.Collector

	mu    sync.Mutex
	count int
	wg    sync.WaitGroup
}

func newWorkerPool(q *queue.Queue, execute func(*tasks.Task), logger zerolog.Logger, collector telemetry.Collector) *workerPool {
	return &workerPool{
		queue:     q,
		execute:   execute,
		logger:    logger.With().Str("component", "worker_pool").Logger(),
		collector: collector,
	}
}

func (p *workerPool) start(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawnLocked(n)
}

func (p *workerPool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.count = n
	p.collector.SetWorkerCount(n)
	p.logger.Debug().Int("workers", n).Msg("worker set started")
}

func (p *workerPool) run(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.queue.PopBlocking()
		if !ok {
			p.logger.Trace().Int("worker", id).Msg("worker exiting")
			return
		}
		p.execute(task)
	}
}

// setWorkerCount brings the live worker count to exactly n. Calling with the
// current size is a no-op.
func (p *workerPool) setWorkerCount(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.count {
		return
	}
	p.logger.Info().Int("from", p.count).Int("to", n).Msg("resizing worker pool")
	p.queue.Shutdown()
	p.wg.Wait()
	p.queue.Reopen()
	p.spawnLocked(n)
}

func (p *workerPool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// stop shuts the queue and joins all workers. The queue stays closed so the
// remaining tasks can be drained by the caller.
func (p *workerPool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return
	}
	p.queue.Shutdown()
	p.wg.Wait()
	p.count = 0
	p.collector.SetWorkerCount(0)
	p.logger.Debug().Msg("worker pool stopped")
}
