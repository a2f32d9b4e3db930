// Package notify delivers human-escalation notices out of band.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/attending-controller/internal/metrics"
)

// #region dispatcher
// Dispatcher sends escalations fire-and-forget with a bounded timeout.
// Delivery failures are logged and counted, never returned.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A non-positive timeout means 5s.
func NewDispatcher(notifier Notifier, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, logger: logger.Named("notify")}
}

// Fire starts delivery in the background and returns immediately.
func (d *Dispatcher) Fire(e Escalation) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, e); err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			d.logger.Error("escalation notification failed",
				zap.String("session", e.SessionID),
				zap.String("intervention", e.InterventionID),
				zap.Error(err))
			return
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// #endregion dispatcher
