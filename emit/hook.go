package emit

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
)

// ErrHookClosed is returned for events emitted after Close.
var ErrHookClosed = errors.New("emit: hook closed")

// Publisher delivers an event to its subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Config tunes the emission queue.
type Config struct {
	Buffer         int
	HandoffTimeout time.Duration
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.HandoffTimeout < 0 {
		c.HandoffTimeout = 0
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Hook is called by the mutation path after a successful commit. Calls never
// wait on network I/O: events are queued and published by a single worker so
// emission order is preserved.
type Hook struct {
	pub    Publisher
	logger *log.Logger
	cfg    Config

	events    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts the emission worker.
func New(pub Publisher, cfg Config, logger *log.Logger) *Hook {
	if logger == nil {
		panic("emit: logger is required")
	}
	cfg = cfg.withDefaults()
	h := &Hook{
		pub:    pub,
		logger: logger,
		cfg:    cfg,
		events: make(chan domain.Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.worker()
	logger.Infof("event hook started, buffer: %d, handoff: %v", cfg.Buffer, cfg.HandoffTimeout)
	return h
}

// TaskUpdated emits task_updated for the committed state of t.
func (h *Hook) TaskUpdated(ctx context.Context, t domain.Task) {
	ev, err := domain.NewTaskUpdated(t)
	if err != nil {
		h.logger.WithError(err).WithField("task", t.ID).Error("emit: build task_updated")
		return
	}
	h.Emit(ctx, ev)
}

// NotificationCreated emits notification to the recipient's room.
func (h *Hook) NotificationCreated(ctx context.Context, n domain.Notification) {
	ev, err := domain.NewNotification(n)
	if err != nil {
		h.logger.WithError(err).WithField("notification", n.ID).Error("emit: build notification")
		return
	}
	h.Emit(ctx, ev)
}

// Emit queues ev. It reports whether the event was accepted; a dropped event
// is logged and never surfaces as a mutation failure.
func (h *Hook) Emit(ctx context.Context, ev domain.Event) bool {
	if err := h.enqueue(ctx, ev); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{
			"kind":   ev.Kind,
			"topics": ev.Topics,
		}).Warn("emit: event dropped")
		return false
	}
	return true
}

var errQueueFull = errors.New("emit: queue full")

func (h *Hook) enqueue(ctx context.Context, ev domain.Event) error {
	select {
	case <-h.done:
		return ErrHookClosed
	default:
	}

	select {
	case h.events <- ev:
		return nil
	default:
	}

	if h.cfg.HandoffTimeout <= 0 {
		return errQueueFull
	}
	timer := time.NewTimer(h.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHookClosed
	case <-timer.C:
		return errQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hook) worker() {
	defer h.wg.Done()
	for {
		select {
		case ev := <-h.events:
			h.publish(ev)
		case <-h.done:
			// Drain what was queued before Close.
			for {
				select {
				case ev := <-h.events:
					h.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (h *Hook) publish(ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
	err := h.pub.Publish(ctx, ev)
	cancel()
	if err != nil {
		h.logger.WithError(err).WithFields(log.Fields{
			"kind":   ev.Kind,
			"topics": ev.Topics,
		}).Error("emit: publish failed")
	}
}

// Pending returns the number of queued events.
func (h *Hook) Pending() int {
	return len(h.events)
}

// Close stops accepting events and waits until queued ones are published.
// Emitters waiting on a full queue return immediately.
func (h *Hook) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}
