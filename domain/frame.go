package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrMalformedFrame wraps every websocket message decode failure.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame serializes data into a frame named event.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame parses a single websocket message.
func DecodeFrame(msg []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(msg, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return f, nil
}

// ClientMessage is a decoded subscription request.
type ClientMessage struct {
	Event  string
	TaskID string `validate:"required_if=Event join_task,required_if=Event leave_task,max=128"`
	UserID string `validate:"required_if=Event join_user_room,max=128"`
}

// DecodeClientMessage extracts the subscription request from a frame. Ids may
// be sent either as {"taskId": "..."} / {"userId": "..."} or as a bare JSON
// string.
func DecodeClientMessage(f Frame) (ClientMessage, error) {
	msg := ClientMessage{Event: f.Event}
	if len(f.Data) == 0 {
		return msg, nil
	}
	var bare string
	if err := sonic.Unmarshal(f.Data, &bare); err == nil {
		switch f.Event {
		case EventJoinUserRoom:
			msg.UserID = bare
		default:
			msg.TaskID = bare
		}
		return msg, nil
	}
	var body struct {
		TaskID string `json:"taskId"`
		UserID string `json:"userId"`
	}
	if err := sonic.Unmarshal(f.Data, &body); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	msg.TaskID = body.TaskID
	msg.UserID = body.UserID
	return msg, nil
}

// Ack confirms a join or leave.
type Ack struct {
	Event string `json:"event"`
	Topic Topic  `json:"topic"`
}

// Rejection is sent to a client whose subscription request was refused.
type Rejection struct {
	Event  string `json:"event"`
	TaskID string `json:"taskId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason"`
}
