// Package claude implements the agent CLI's stream-json stdio dialect and
// builds the commands and MCP config files used to spawn it.
package claude

import (
	"encoding/json"
	"fmt"
)

// Message types emitted by the agent CLI on stdout.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"
)

// SubtypeInit marks the system message sent once the child has finished
// warm-up.
const SubtypeInit = "init"

// CancelByte interrupts the agent's current turn when written to stdin.
const CancelByte = 0x1B

// StreamMessage is one parsed line of the agent CLI's stream-json output.
// Raw preserves the full line for consumers that need fields the supervisor
// does not model.
type StreamMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Message   *MessageBody    `json:"message,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// MessageBody carries the role and content blocks of user and assistant
// messages.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block of message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseMessage parses one newline-delimited JSON line from the child's
// stdout. The line is copied into Raw: scanners reuse their buffers, and
// parsed messages outlive the read loop iteration.
func ParseMessage(line []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse stream message: %w", err)
	}
	raw := make([]byte, len(line))
	copy(raw, line)
	msg.Raw = raw
	return &msg, nil
}

// IsInit reports whether this is the warm-up sentinel.
func (m *StreamMessage) IsInit() bool {
	return m.Type == MessageTypeSystem && m.Subtype == SubtypeInit
}

// IsResult reports whether this message ends the current request's reply.
func (m *StreamMessage) IsResult() bool {
	return m.Type == MessageTypeResult
}

// ResultText returns the result field when it is a plain string, as it is
// on successful turns. Returns "" when the result is absent or an object.
func (m *StreamMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// UserMessage is the outbound frame carrying one tell to the child.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the message part of an outbound user frame. Content is
// always a list of text blocks; the CLI rejects bare strings in
// stream-json input mode.
type UserMessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserMessage builds the outbound frame for a tell string.
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role: "user",
			Content: []ContentBlock{
				{Type: "text", Text: text},
			},
		},
	}
}

// EncodeUserMessage marshals the outbound frame for a tell string,
// newline-terminated for the stream-json stdin protocol.
func EncodeUserMessage(text string) ([]byte, error) {
	data, err := json.Marshal(NewUserMessage(text))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user message: %w", err)
	}
	return append(data, '\n'), nil
}
