package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrEntryTerminal is returned when appending to an entry that has already
// reached a terminal status.
var ErrEntryTerminal = errors.New("cache entry already terminal")

// Status is the lifecycle state of a cache entry. An entry starts active and
// transitions to exactly one terminal status.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusErrored    Status = "errored"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusTerminated
}

// Kind distinguishes the warm-up entry written during spawn from entries
// carrying a user message.
type Kind string

const (
	KindSpawn Kind = "spawn"
	KindTell  Kind = "tell"
)

// Message is one parsed protocol message received from the agent child.
// Raw preserves the full line as received so consumers can extract fields
// the supervisor does not model.
type Message struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// Entry records the messages exchanged for a single request. Messages are
// append-only and the status moves from active to a terminal state exactly
// once; appends after the terminal transition fail with ErrEntryTerminal.
type Entry struct {
	mu          sync.Mutex
	id          int64
	kind        Kind
	tellString  string
	status      Status
	errReason   string
	createdAt   time.Time
	completedAt time.Time
	messages    []Message
	subs        map[int]chan Status
	nextSub     int
}

func newEntry(id int64, kind Kind, tellString string) *Entry {
	return &Entry{
		id:         id,
		kind:       kind,
		tellString: tellString,
		status:     StatusActive,
		createdAt:  time.Now().UTC(),
		subs:       make(map[int]chan Status),
	}
}

// ID returns the entry id, monotonic within its session.
func (e *Entry) ID() int64 { return e.id }

// Kind returns whether this is a spawn or tell entry.
func (e *Entry) Kind() Kind { return e.kind }

// TellString returns the original user text, or "ping" for spawn entries.
func (e *Entry) TellString() string { return e.tellString }

// CreatedAt returns when the entry was started.
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// Status returns the current status.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CompletedAt returns when the entry reached a terminal status, or the zero
// time while it is still active.
func (e *Entry) CompletedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completedAt
}

// ErrorReason returns the reason recorded by Error, if any.
func (e *Entry) ErrorReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errReason
}

// Append adds a parsed message to the entry.
func (e *Entry) Append(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return fmt.Errorf("%w: entry %d is %s", ErrEntryTerminal, e.id, e.status)
	}
	e.messages = append(e.messages, msg)
	return nil
}

// Complete marks the entry completed. Returns true if this call performed
// the transition, false if the entry was already terminal.
func (e *Entry) Complete() bool {
	return e.transition(StatusCompleted, "")
}

// Error marks the entry errored with the given reason.
func (e *Entry) Error(reason string) bool {
	return e.transition(StatusErrored, reason)
}

// Terminate marks the entry terminated. Used when the child process goes
// away while the entry is still active.
func (e *Entry) Terminate() bool {
	return e.transition(StatusTerminated, "")
}

func (e *Entry) transition(status Status, reason string) bool {
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.status = status
	e.errReason = reason
	e.completedAt = time.Now().UTC()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	// Buffered channels (see Subscribe) make these sends non-blocking.
	for _, ch := range subs {
		ch <- status
		close(ch)
	}
	return true
}

// Subscribe returns a channel that immediately carries the current status
// and later the terminal status; the channel is closed after the terminal
// value. Subscribing to an already-terminal entry yields the terminal value
// and a closed channel. The returned func cancels the subscription.
func (e *Entry) Subscribe() (<-chan Status, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Status, 2)
	ch <- e.status
	if e.status.Terminal() {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
	return ch, cancel
}

// Wait blocks until the entry reaches a terminal status or ctx is done.
// On ctx expiry the entry keeps draining; only the wait is abandoned.
func (e *Entry) Wait(ctx context.Context) (Status, error) {
	ch, cancel := e.Subscribe()
	defer cancel()

	for {
		select {
		case status, ok := <-ch:
			if !ok {
				return e.Status(), nil
			}
			if status.Terminal() {
				return status, nil
			}
		case <-ctx.Done():
			return e.Status(), ctx.Err()
		}
	}
}

// Messages returns a copy of the appended messages in arrival order.
func (e *Entry) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// MessageCount returns the number of appended messages.
func (e *Entry) MessageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

type resultPayload struct {
	Result json.RawMessage `json:"result"`
}

type assistantPayload struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// AssistantText extracts the reply text for this entry. The result message's
// result field wins when it is a plain string; otherwise the text blocks of
// the assistant messages are joined in arrival order.
func (e *Entry) AssistantText() string {
	e.mu.Lock()
	messages := make([]Message, len(e.messages))
	copy(messages, e.messages)
	e.mu.Unlock()

	var resultText string
	var parts []string
	for _, msg := range messages {
		switch msg.Type {
		case "result":
			var payload resultPayload
			if err := json.Unmarshal(msg.Raw, &payload); err != nil {
				continue
			}
			var s string
			if err := json.Unmarshal(payload.Result, &s); err == nil && s != "" {
				resultText = s
			}
		case "assistant":
			var payload assistantPayload
			if err := json.Unmarshal(msg.Raw, &payload); err != nil {
				continue
			}
			for _, block := range payload.Message.Content {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, block.Text)
				}
			}
		}
	}
	if resultText != "" {
		return resultText
	}
	return strings.Join(parts, "\n")
}

// EntryView is the JSON-friendly snapshot of an entry for dashboards and
// session reports.
type EntryView struct {
	ID           int64      `json:"id"`
	Kind         Kind       `json:"kind"`
	TellString   string     `json:"tellString"`
	Status       Status     `json:"status"`
	ErrorReason  string     `json:"errorReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	MessageCount int        `json:"messageCount"`
	Messages     []Message  `json:"messages,omitempty"`
}

// Snapshot captures the entry state, optionally including the full message
// list.
func (e *Entry) Snapshot(withMessages bool) EntryView {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := EntryView{
		ID:           e.id,
		Kind:         e.kind,
		TellString:   e.tellString,
		Status:       e.status,
		ErrorReason:  e.errReason,
		CreatedAt:    e.createdAt,
		MessageCount: len(e.messages),
	}
	if !e.completedAt.IsZero() {
		completed := e.completedAt
		view.CompletedAt = &completed
	}
	if withMessages {
		view.Messages = make([]Message, len(e.messages))
		copy(view.Messages, e.messages)
	}
	return view
}
