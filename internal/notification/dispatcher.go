package notification

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/metrics"
)

// Dispatcher sends queued jobs one at a time, spaced by a delay so upstream
// relays do not throttle us. Failures are logged and never reported back.
type Dispatcher struct {
	mailer   Mailer
	renderer *Renderer
	delay    time.Duration
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	queue    chan Job
}

func NewDispatcher(mailer Mailer, renderer *Renderer, cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Dispatcher{
		mailer:   mailer,
		renderer: renderer,
		delay:    cfg.SpamDelay,
		logger:   logger,
		metrics:  m,
		queue:    make(chan Job, size),
	}
}

// Enqueue hands jobs to the worker without blocking. Jobs that do not fit in
// the queue are dropped and logged.
func (d *Dispatcher) Enqueue(jobs ...Job) {
	for _, job := range jobs {
		select {
		case d.queue <- job:
			d.metrics.SetQueueLength(len(d.queue))
		default:
			d.logger.Warnw("notification queue full, dropping job", "id", job.ID, "template", job.Template, "to", job.To)
			d.metrics.ObserveNotification(string(job.Template), "dropped")
		}
	}
}

// Run sends jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.logger.Warnw("notification dispatcher stopped with pending jobs", "pending", n)
			}
			return
		case job := <-d.queue:
			d.metrics.SetQueueLength(len(d.queue))
			d.send(ctx, job)
			if d.delay > 0 {
				t := time.NewTimer(d.delay)
				select {
				case <-ctx.Done():
					t.Stop()
				case <-t.C:
				}
			}
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, job Job) {
	subject, body, err := d.renderer.Render(job)
	if err != nil {
		d.logger.Errorw("notification render failed", "id", job.ID, "template", job.Template, "err", err)
		d.metrics.ObserveNotification(string(job.Template), "failed")
		return
	}
	if err := d.mailer.Send(ctx, job.To, subject, body); err != nil {
		d.logger.Warnw("notification send failed", "id", job.ID, "template", job.Template, "to", job.To, "err", err)
		d.metrics.ObserveNotification(string(job.Template), "failed")
		return
	}
	d.logger.Debugw("notification sent", "id", job.ID, "template", job.Template, "to", job.To)
	d.metrics.ObserveNotification(string(job.Template), "sent")
}
