// Package scheduler runs named functions on fixed intervals with a
// deterministic shutdown: Stop cancels the shared context and waits for
// in-flight runs to finish, so an in-progress snapshot export or import
// is never cut off halfway.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one scheduled function. It receives the scheduler's context
// and reports failure; failures are logged and the schedule continues.
type Task func(ctx context.Context) error

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		log:    logrus.WithField("component", "scheduler"),
	}
}

// Every runs task each interval until Stop. The first run happens after
// one interval, not immediately; callers wanting an immediate run
// invoke the task themselves at startup.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.log.WithFields(logrus.Fields{"task": name, "interval": interval}).Info("Task scheduled")
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.run(name, task)
			}
		}
	}()
}

func (s *Scheduler) run(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"task": name, "panic": r}).Error("Task panicked")
		}
	}()
	// Stop waits for in-flight runs instead of canceling them: aborting
	// an export or import halfway is worse than finishing it, and the
	// upstream client's timeouts bound how long that can take.
	if err := task(context.WithoutCancel(s.ctx)); err != nil {
		s.log.WithError(err).WithField("task", name).Warn("Task failed")
	}
}

// Stop cancels the schedule and blocks until every in-flight task run
// has returned.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
