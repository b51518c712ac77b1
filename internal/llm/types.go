package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies the speaker of a Message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the payload carried by a ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ToolCallData is a single tool invocation requested by the model.
type ToolCallData struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResultData carries the outcome of executing a ToolCallData back to the model.
type ToolResultData struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ContentPart is one block of a Message's content. Exactly one of the
// pointer/value fields matching Kind is populated.
type ContentPart struct {
	Kind       ContentKind
	Text       string
	ToolCall   *ToolCallData
	ToolResult *ToolResultData
}

// Message is one turn in a conversation sent to or received from the model.
type Message struct {
	Role    Role
	Content []ContentPart
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func System(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

func User(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// ToolDefinition is the schema of one tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is the wire shape of one model call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   *int
	Temperature *float64
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "request.Model must not be empty"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request.Messages must not be empty"}
	}
	return nil
}

// FinishReason describes why the model stopped generating.
type FinishReason struct {
	Reason string // "stop" | "tool_calls" | "length" | "error"
	Raw    string
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the result of one model call.
type Response struct {
	Model   string
	ID      string
	Message Message
	Finish  FinishReason
	Usage   Usage
}

func (r Response) Text() string { return r.Message.Text() }

func (r Response) ToolCalls() []ToolCallData {
	var out []ToolCallData
	for _, p := range r.Message.Content {
		if p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// NormalizeFinishReason maps a provider-native stop reason to the unified vocabulary.
func NormalizeFinishReason(native string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "end_turn", "stop", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: native}
	case "tool_use", "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: native}
	case "max_tokens", "length":
		return FinishReason{Reason: "length", Raw: native}
	default:
		return FinishReason{Reason: "stop", Raw: native}
	}
}
