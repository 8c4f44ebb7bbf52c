package protocol

import (
	"context"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"task-fanout/domain"
)

// Rejection reasons sent back to the client.
const (
	ReasonInvalidMessage = "invalid message"
	ReasonUnknownEvent   = "unknown event"
	ReasonForbidden      = "forbidden"
	ReasonUnavailable    = "authorization unavailable"
)

// Membership is the part of the connection registry the protocol mutates.
type Membership interface {
	Join(id string, topic domain.Topic) bool
	Leave(id string, topic domain.Topic) bool
}

// Authorizer decides whether a user may watch a task.
type Authorizer interface {
	CanAccessTask(ctx context.Context, userID, taskID string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, userID, taskID string) (bool, error)

func (f AuthorizerFunc) CanAccessTask(ctx context.Context, userID, taskID string) (bool, error) {
	return f(ctx, userID, taskID)
}

// Reply is the frame sent back to the requesting connection only.
type Reply struct {
	Event string
	Data  any
}

// Encode serializes the reply as a websocket frame.
func (r Reply) Encode() ([]byte, error) {
	return domain.EncodeFrame(r.Event, r.Data)
}

// Session applies subscription requests of one authenticated connection.
type Session struct {
	connID     string
	userID     string
	membership Membership
	authz      Authorizer
	validate   *validator.Validate
	logger     *log.Entry
}

// NewSession binds a connection id to the user authenticated at channel open.
func NewSession(connID, userID string, membership Membership, authz Authorizer, validate *validator.Validate, logger *log.Logger) *Session {
	if authz == nil {
		panic("protocol: authorizer is required")
	}
	if validate == nil {
		validate = validator.New()
	}
	return &Session{
		connID:     connID,
		userID:     userID,
		membership: membership,
		authz:      authz,
		validate:   validate,
		logger:     logger.WithFields(log.Fields{"conn": connID, "user": userID}),
	}
}

// HandleFrame decodes and applies one raw client message.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) Reply {
	f, err := domain.DecodeFrame(raw)
	if err != nil {
		s.logger.WithError(err).Debug("subscription: malformed frame")
		return reject(domain.ClientMessage{}, ReasonInvalidMessage)
	}
	msg, err := domain.DecodeClientMessage(f)
	if err != nil {
		s.logger.WithError(err).WithField("event", f.Event).Debug("subscription: malformed payload")
		return reject(domain.ClientMessage{Event: f.Event}, ReasonInvalidMessage)
	}
	return s.Handle(ctx, msg)
}

// Handle applies a decoded subscription request.
func (s *Session) Handle(ctx context.Context, msg domain.ClientMessage) Reply {
	switch msg.Event {
	case domain.EventJoinTask, domain.EventLeaveTask, domain.EventJoinUserRoom:
	default:
		return reject(msg, ReasonUnknownEvent)
	}
	if err := s.validate.Struct(msg); err != nil {
		return reject(msg, ReasonInvalidMessage)
	}

	switch msg.Event {
	case domain.EventJoinTask:
		return s.joinTask(ctx, msg)
	case domain.EventLeaveTask:
		topic := domain.TaskTopic(msg.TaskID)
		if s.membership.Leave(s.connID, topic) {
			s.logger.WithField("topic", topic).Debug("left task room")
		}
		return Reply{Event: domain.EventUnsubscribed, Data: domain.Ack{Event: msg.Event, Topic: topic}}
	default:
		return s.joinUserRoom(msg)
	}
}

func (s *Session) joinTask(ctx context.Context, msg domain.ClientMessage) Reply {
	ok, err := s.authz.CanAccessTask(ctx, s.userID, msg.TaskID)
	if err != nil {
		s.logger.WithError(err).WithField("task", msg.TaskID).Error("subscription: authorization lookup failed")
		return reject(msg, ReasonUnavailable)
	}
	if !ok {
		s.logger.WithField("task", msg.TaskID).Warn("subscription: task room rejected")
		return reject(msg, ReasonForbidden)
	}
	topic := domain.TaskTopic(msg.TaskID)
	if s.membership.Join(s.connID, topic) {
		s.logger.WithField("topic", topic).Debug("joined task room")
	}
	return Reply{Event: domain.EventSubscribed, Data: domain.Ack{Event: msg.Event, Topic: topic}}
}

func (s *Session) joinUserRoom(msg domain.ClientMessage) Reply {
	if msg.UserID != s.userID {
		s.logger.WithField("requested", msg.UserID).Warn("subscription: foreign user room rejected")
		return reject(msg, ReasonForbidden)
	}
	topic := domain.UserTopic(msg.UserID)
	if s.membership.Join(s.connID, topic) {
		s.logger.WithField("topic", topic).Debug("joined user room")
	}
	return Reply{Event: domain.EventSubscribed, Data: domain.Ack{Event: msg.Event, Topic: topic}}
}

func reject(msg domain.ClientMessage, reason string) Reply {
	return Reply{
		Event: domain.EventSubscriptionRejected,
		Data: domain.Rejection{
			Event:  msg.Event,
			TaskID: msg.TaskID,
			UserID: msg.UserID,
			Reason: reason,
		},
	}
}
