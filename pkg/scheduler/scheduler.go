// Package scheduler drains the notification stream and fans each
// notification out to every currently started module.
package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xxfunc/xxfunc/pkg/hostlog"
	"github.com/xxfunc/xxfunc/pkg/registry"
	"github.com/xxfunc/xxfunc/pkg/sandbox"
	"github.com/xxfunc/xxfunc/pkg/workerpool"
)

// Notification is anything the scheduler can deliver to a module. The
// scheduler only ever touches its encoded bytes, never its fields.
type Notification interface {
	Encode() ([]byte, error)
}

// JSONNotification is the canonical notification representation: any
// JSON-marshalable value, encoded with encoding/json.
type JSONNotification struct {
	Value any
}

// Encode implements Notification.
func (n JSONNotification) Encode() ([]byte, error) {
	return json.Marshal(n.Value)
}

// Scheduler owns the main fan-out loop. It never cancels in-flight tasks
// and exerts no back-pressure on the notification source.
type Scheduler struct {
	registry *registry.Store
	sandbox  *sandbox.Host
	pool     *workerpool.Pool
	logger   *hostlog.Logger
}

// New builds a Scheduler over the given registry, sandbox host, and worker
// pool.
func New(reg *registry.Store, host *sandbox.Host, pool *workerpool.Pool, logger *hostlog.Logger) *Scheduler {
	return &Scheduler{registry: reg, sandbox: host, pool: pool, logger: logger}
}

// Run reads notifications from in until ctx is cancelled or in closes.
func (s *Scheduler) Run(ctx context.Context, in <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-in:
			if !ok {
				s.logger.Warn(hostlog.ComponentScheduler, "notification source closed", zap.Error(sandbox.ErrChannelClosed))
				return
			}
			s.handleNotification(ctx, notification)
		}
	}
}

func (s *Scheduler) handleNotification(ctx context.Context, notification Notification) {
	batchID := uuid.NewString()
	count, err := s.spawnTasks(ctx, notification, batchID)
	if err != nil {
		s.logger.Error(hostlog.ComponentScheduler, "failed to fan out notification", zap.String("batch_id", batchID), zap.Error(err))
		return
	}
	s.logger.Info(hostlog.ComponentScheduler, "scheduled tasks", zap.String("batch_id", batchID), zap.Int("count", count))
}

func (s *Scheduler) spawnTasks(ctx context.Context, notification Notification, batchID string) (int, error) {
	payload, err := notification.Encode()
	if err != nil {
		return 0, err
	}

	ids, err := s.registry.ListByState(ctx, registry.StateStarted)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		id := id
		mod, err := s.registry.Get(ctx, id)
		if err != nil {
			s.logger.Warn(hostlog.ComponentScheduler, "module disappeared before dispatch", zap.String("batch_id", batchID), zap.Int64("module_id", id), zap.Error(err))
			continue
		}

		binary := mod.Binary
		s.pool.Submit(func(taskCtx context.Context) {
			if _, err := s.sandbox.Run(taskCtx, id, binary, payload); err != nil {
				s.logger.Error(hostlog.ComponentScheduler, "task failed",
					zap.String("batch_id", batchID), zap.Int64("module_id", id), zap.Error(err))
			}
		})
		count++
	}

	return count, nil
}
