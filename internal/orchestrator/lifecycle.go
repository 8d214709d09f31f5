package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/relay/pkg/models"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("orchestrator already started")

const drainPoll = 50 * time.Millisecond

// Start launches the background loops: pool sweep, oversight sweep,
// progress poll, event routing, dispatch and, when configured, the config
// watcher. It returns immediately; the loops run until Shutdown or until
// ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	loopCtx, stop := context.WithCancel(ctx)
	o.stopLoops = stop
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return o.pool.Run(gctx) })
	g.Go(func() error { return o.broker.Run(gctx) })
	g.Go(func() error { return o.tracker.Run(gctx) })
	g.Go(func() error { return o.routeEvents(gctx) })
	g.Go(func() error { return o.dispatchLoop(gctx) })
	if o.watcher != nil {
		g.Go(func() error { return o.watcher.Run(gctx) })
	}

	go func() {
		if err := g.Wait(); err != nil {
			o.logger.Error("background loop failed", zap.Error(err))
		}
		close(o.loopsDone)
	}()

	o.logger.Info("orchestrator started",
		zap.Int("max_concurrent_tasks", o.cfg.MaxConcurrentTasks),
		zap.Int("queue_size", o.cfg.QueueSize))
	return nil
}

// Shutdown stops intake and waits for queued and executing tasks to finish.
// When ctx expires first, queued tasks are cancelled and executing tasks
// are aborted; the context error is returned. The loops and the pool are
// stopped either way. Shutdown is idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	started := o.started
	o.mu.Unlock()

	o.logger.Info("shutting down")

	var drainErr error
	if started {
		drainErr = o.drain(ctx)
	}

	o.mu.Lock()
	queued := o.queue
	o.queue = nil
	o.reportLocked()
	o.mu.Unlock()
	for _, ts := range queued {
		o.abandon(ts, "orchestrator shutting down")
		o.finish(ts, models.TaskStatusCancelled, "orchestrator shut down before dispatch", "")
	}

	o.cancelRuns()
	o.wg.Wait()

	if started {
		o.stopLoops()
		<-o.loopsDone
	}
	o.pool.Shutdown()
	o.emitter.Close()

	o.logger.Info("orchestrator stopped", zap.Int("cancelled_queued", len(queued)))
	return drainErr
}

// drain waits until the queue is empty and nothing is executing.
func (o *Orchestrator) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		idle := len(o.queue) == 0 && o.running == 0
		o.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.notify()
		}
	}
}
