package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parkwatch/internal/metrics"
)

// Dispatcher queues messages for a fixed set of workers so that callers never
// wait on the mail server. A full queue drops the message with a warning.
type Dispatcher struct {
	notifier Notifier
	queue    chan Message
	done     chan struct{}
	timeout  time.Duration
	workers  int
	logger   *slog.Logger
	metrics  *metrics.Store

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(n Notifier, workers, queueSize int, timeout time.Duration, logger *slog.Logger, m *metrics.Store) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		notifier: n,
		queue:    make(chan Message, queueSize),
		done:     make(chan struct{}),
		timeout:  timeout,
		workers:  workers,
		logger:   logger,
		metrics:  m,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.run(ctx)
		}
		go func() {
			<-ctx.Done()
			d.Close()
		}()
	})
}

func (d *Dispatcher) Dispatch(msg Message) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.queue <- msg:
		return true
	default:
		d.metrics.Inc(metrics.NotifyDropped)
		if d.logger != nil {
			d.logger.Warn("notification queue full, dropping message",
				"kind", msg.Kind,
				"vehicle_id", msg.VehicleID,
				"episode_id", msg.EpisodeID,
			)
		}
		return false
	}
}

// Close stops the workers and waits for in-flight sends. Queued messages that
// were not picked up are discarded.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.queue:
			d.send(ctx, msg)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, msg Message) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.notifier.Send(sendCtx, msg); err != nil {
		d.metrics.Inc(metrics.NotifyFailed)
		if d.logger != nil {
			d.logger.Warn("notification failed",
				"kind", msg.Kind,
				"to", msg.To,
				"vehicle_id", msg.VehicleID,
				"episode_id", msg.EpisodeID,
				"err", err,
			)
		}
		return
	}
	if d.logger != nil {
		d.logger.Info("notification sent", "kind", msg.Kind, "to", msg.To, "vehicle_id", msg.VehicleID)
	}
}
