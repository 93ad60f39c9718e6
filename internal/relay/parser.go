package relay

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedLine is returned for a line that looks like JSON but does not parse.
var ErrMalformedLine = errors.New("malformed agent output line")

const (
	toolAskUserQuestion = "AskUserQuestion"
	toolTodoWrite       = "TodoWrite"
)

// TodoItem is one entry of an agent progress checklist.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Parsed is what one agent output line means to the relay.
type Parsed struct {
	Events   []Event
	Progress []TodoItem
}

type agentLine struct {
	Type    string            `json:"type"`
	Event   *streamEvent      `json:"event"`
	Message *assistantMessage `json:"message"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseLine interprets one line of agent output.
//
// Lines that are not JSON objects are plain text and become a Delta. JSON lines
// are decoded as agent stream events; unrecognized event kinds yield nothing.
func ParseLine(line string) (Parsed, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Parsed{}, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Parsed{Events: []Event{Delta{Text: line}}}, nil
	}

	var l agentLine
	if err := json.Unmarshal([]byte(trimmed), &l); err != nil {
		return Parsed{}, ErrMalformedLine
	}

	switch l.Type {
	case "stream_event":
		return parseStreamEvent(l.Event), nil
	case "assistant":
		return parseAssistant(l.Message)
	default:
		return Parsed{}, nil
	}
}

func parseStreamEvent(ev *streamEvent) Parsed {
	if ev == nil {
		return Parsed{}
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return Parsed{Events: []Event{Delta{Text: ev.Delta.Text}}}
		}
	case "message_stop":
		return Parsed{Events: []Event{TurnEnd{}}}
	}
	return Parsed{}
}

func parseAssistant(msg *assistantMessage) (Parsed, error) {
	var p Parsed
	if msg == nil {
		return p, nil
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		switch block.Name {
		case toolAskUserQuestion:
			var input struct {
				Questions []QuestionItem `json:"questions"`
			}
			if err := json.Unmarshal(block.Input, &input); err != nil || block.ID == "" || len(input.Questions) == 0 {
				return Parsed{}, ErrMalformedLine
			}
			p.Events = append(p.Events, Question{ToolUseID: block.ID, Questions: input.Questions})
		case toolTodoWrite:
			var input struct {
				Todos []TodoItem `json:"todos"`
			}
			if err := json.Unmarshal(block.Input, &input); err == nil {
				p.Progress = append(p.Progress, input.Todos...)
			}
		}
	}
	return p, nil
}
