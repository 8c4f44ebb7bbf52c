package router

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"task-fanout/domain"
	"task-fanout/registry"
)

const (
	tracerName       = "task-fanout/router"
	dispatchSpanName = "fanout.dispatch"
)

// Members resolves the current subscribers of a topic.
type Members interface {
	MembersOf(topic domain.Topic) []registry.Member
}

// Result summarizes one dispatch.
type Result struct {
	Topics    int
	Skipped   int
	Members   int
	Delivered int
	Failed    int
}

// Router delivers events to every connection subscribed to their topics.
type Router struct {
	members Members
	logger  *log.Logger
}

// New creates a router resolving membership through members.
func New(members Members, logger *log.Logger) *Router {
	if logger == nil {
		panic("router: logger is required")
	}
	return &Router{members: members, logger: logger}
}

// Publish dispatches ev to local subscribers. It never fails; delivery
// problems are logged.
func (r *Router) Publish(ctx context.Context, ev domain.Event) error {
	r.Dispatch(ctx, ev)
	return nil
}

// Dispatch serializes ev once and hands the frame to every member of each
// target topic. A connection that belongs to several target topics gets a
// single copy. Send failures are isolated per connection.
func (r *Router) Dispatch(ctx context.Context, ev domain.Event) Result {
	start := time.Now()
	_, span := otel.Tracer(tracerName).Start(ctx, dispatchSpanName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("fanout.kind", ev.Kind)),
	)
	defer span.End()

	var res Result
	frame, err := ev.Frame()
	if err != nil {
		r.logger.WithError(err).WithField("kind", ev.Kind).Error("fanout.dispatch: encode frame")
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode frame")
		return res
	}

	allowed := domain.AllowedTopicKind(ev.Kind)
	seen := make(map[string]struct{})
	for _, topic := range ev.Topics {
		if allowed == domain.TopicInvalid || topic.Kind() != allowed {
			res.Skipped++
			r.logger.WithFields(log.Fields{"kind": ev.Kind, "topic": topic}).Warn("fanout.dispatch: topic outside event namespace")
			continue
		}
		res.Topics++
		for _, m := range r.members.MembersOf(topic) {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			res.Members++
			if err := safeSend(m.Conn, frame); err != nil {
				res.Failed++
				r.logger.WithError(err).WithFields(log.Fields{
					"conn":  m.ID,
					"topic": topic,
					"kind":  ev.Kind,
				}).Warn("fanout.dispatch: delivery failed")
				continue
			}
			res.Delivered++
		}
	}

	span.SetAttributes(
		attribute.Int("fanout.topics", res.Topics),
		attribute.Int("fanout.members", res.Members),
		attribute.Int("fanout.delivered", res.Delivered),
		attribute.Int("fanout.failed", res.Failed),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d deliveries failed", res.Failed))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	r.logger.WithFields(log.Fields{
		"kind":      ev.Kind,
		"topics":    res.Topics,
		"skipped":   res.Skipped,
		"members":   res.Members,
		"delivered": res.Delivered,
		"failed":    res.Failed,
		"total_ms":  durationToMillis(time.Since(start)),
	}).Debug("fanout.dispatch")
	return res
}

func safeSend(c registry.Conn, frame []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return c.Send(frame)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
