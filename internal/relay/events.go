package relay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EventType is the wire name of a consumer event.
type EventType string

const (
	TypeDelta    EventType = "agent.message.delta"
	TypeTurnEnd  EventType = "agent.turn.end"
	TypeQuestion EventType = "agent.question"
	TypeEnd      EventType = "agent.message.end"
	TypePing     EventType = "ping"
	TypeError    EventType = "error"
)

// Event is one consumer-facing event. The concrete types below are the only
// implementations.
type Event interface {
	Type() EventType
	event()
}

// Delta is an incremental piece of agent text.
type Delta struct {
	Text string
}

// TurnEnd marks the end of one agent turn.
type TurnEnd struct{}

// Question asks the consumer to answer one or more questions. Answers are
// submitted later under ToolUseID.
type Question struct {
	ToolUseID string
	Questions []QuestionItem
}

// QuestionItem is one multiple-choice or free-form question.
type QuestionItem struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect"`
}

// Option is one selectable answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// End is the terminal event of a successful session.
type End struct{}

// Ping is a keepalive.
type Ping struct{}

// Error is the terminal event of a failed session. Message is safe to show.
type Error struct {
	Code    string
	Message string
}

func (Delta) Type() EventType    { return TypeDelta }
func (TurnEnd) Type() EventType  { return TypeTurnEnd }
func (Question) Type() EventType { return TypeQuestion }
func (End) Type() EventType      { return TypeEnd }
func (Ping) Type() EventType     { return TypePing }
func (Error) Type() EventType    { return TypeError }

func (Delta) event()    {}
func (TurnEnd) event()  {}
func (Question) event() {}
func (End) event()      {}
func (Ping) event()     {}
func (Error) event()    {}

// Envelope pairs an event with a unique id.
type Envelope struct {
	ID    string
	Event Event
}

// NewEnvelope wraps e with a fresh id.
func NewEnvelope(e Event) Envelope {
	return Envelope{ID: uuid.NewString(), Event: e}
}

// Payload returns the JSON body for the envelope's event, always carrying "type".
func (e Envelope) Payload() (any, error) {
	switch ev := e.Event.(type) {
	case Delta:
		return struct {
			Type  EventType `json:"type"`
			Delta string    `json:"delta"`
		}{ev.Type(), ev.Text}, nil
	case Question:
		return struct {
			Type      EventType      `json:"type"`
			ToolUseID string         `json:"toolUseId"`
			Questions []QuestionItem `json:"questions"`
		}{ev.Type(), ev.ToolUseID, ev.Questions}, nil
	case Error:
		return struct {
			Type    EventType `json:"type"`
			Code    string    `json:"code"`
			Message string    `json:"message"`
		}{ev.Type(), ev.Code, ev.Message}, nil
	case Ping:
		return struct{}{}, nil
	case TurnEnd, End:
		return struct {
			Type EventType `json:"type"`
		}{ev.Type()}, nil
	default:
		return nil, fmt.Errorf("unknown event type %T", e.Event)
	}
}

// Sink receives envelopes for one consumer. Send fails once the consumer is gone.
type Sink interface {
	Send(ctx context.Context, e Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Envelope) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, e Envelope) error { return f(ctx, e) }
