package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/pkg/models"
)

func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop starts queued tasks whenever a slot frees up, a task is
// queued or the resource check interval elapses.
func (o *Orchestrator) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.GateInterval)
	defer ticker.Stop()

	for {
		o.checkResources()
		o.dispatch()

		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
		case <-ticker.C:
		}
	}
}

// checkResources consults the resource gate. Under pressure it forces a pool
// sweep and halves the concurrency limit; once pressure clears the limit
// doubles back toward the configured maximum.
func (o *Orchestrator) checkResources() {
	ok, reason := o.gate.CheckSystemResources()

	o.mu.Lock()
	prev := o.limit
	entered := false
	if !ok {
		o.limit = max(1, o.limit/2)
		o.stats.PressureEvents++
		entered = !o.pressured
		o.pressured = true
	} else {
		o.limit = min(o.cfg.MaxConcurrentTasks, o.limit*2)
		o.pressured = false
	}
	limit := o.limit
	o.reportLocked()
	o.mu.Unlock()

	if !ok {
		swept := o.pool.Sweep()
		usage := o.gate.MonitorMemoryUsage()
		o.logger.Warn("resource pressure",
			zap.String("reason", reason),
			zap.Int("limit", limit),
			zap.Int("swept_handles", swept),
			zap.Float64("memory_percent", usage.Percent))
		if entered {
			o.broker.Submit(oversight.OpMemoryPercent, usage.Percent, map[string]any{
				"reason":            reason,
				"process_memory_mb": usage.ProcessMemoryMB,
			})
		}
	}
	if limit != prev {
		o.logger.Info("concurrency limit changed", zap.Int("from", prev), zap.Int("to", limit))
		o.emit(OrchestratorEvent{
			Type:    EventConcurrencyChanged,
			Message: reason,
		})
	}
}

// dispatch pops tasks off the FIFO queue while slots are free.
func (o *Orchestrator) dispatch() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 || o.running >= o.limit || o.runCtx.Err() != nil {
			o.mu.Unlock()
			return
		}
		ts := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.running++
		now := o.clock.Now()
		ts.task.Status = models.TaskStatusExecuting
		ts.task.StartedAt = &now
		t := copyTask(ts.task)
		o.reportLocked()
		o.mu.Unlock()

		o.emit(OrchestratorEvent{
			Type:        EventTaskStarted,
			TaskID:      t.ID,
			AgentType:   t.AgentType,
			BackupAgent: backupName(t),
			Status:      t.Status,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.execute(o.runCtx, ts)

			o.mu.Lock()
			o.running--
			o.reportLocked()
			o.mu.Unlock()
			o.notify()
		}()
	}
}
