package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(msgType, subtype, raw string) Message {
	return Message{
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Subtype:   subtype,
		Raw:       json.RawMessage(raw),
	}
}

func TestEntry_AppendAndComplete(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	assert.Equal(t, StatusActive, entry.Status())
	assert.True(t, entry.CompletedAt().IsZero())

	require.NoError(t, entry.Append(testMessage("assistant", "", `{"type":"assistant"}`)))
	require.NoError(t, entry.Append(testMessage("result", "success", `{"type":"result"}`)))
	assert.Equal(t, 2, entry.MessageCount())

	assert.True(t, entry.Complete())
	assert.Equal(t, StatusCompleted, entry.Status())
	assert.False(t, entry.CompletedAt().IsZero())
}

func TestEntry_AppendAfterTerminal(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")
	entry.Complete()

	err := entry.Append(testMessage("assistant", "", `{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntryTerminal))
	assert.Equal(t, 0, entry.MessageCount())
}

func TestEntry_TerminalTransitionIsOneShot(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	assert.True(t, entry.Complete())
	assert.False(t, entry.Error("too late"))
	assert.False(t, entry.Terminate())
	assert.False(t, entry.Complete())

	assert.Equal(t, StatusCompleted, entry.Status())
	assert.Empty(t, entry.ErrorReason())
}

func TestEntry_ErrorRecordsReason(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	assert.True(t, entry.Error("child exited"))
	assert.Equal(t, StatusErrored, entry.Status())
	assert.Equal(t, "child exited", entry.ErrorReason())
}

func TestEntry_SubscribeReceivesCurrentValue(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	ch, cancel := entry.Subscribe()
	defer cancel()

	select {
	case status := <-ch:
		assert.Equal(t, StatusActive, status)
	default:
		t.Fatal("expected current status immediately on subscribe")
	}
}

func TestEntry_SubscribeAfterTerminal(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")
	entry.Terminate()

	ch, cancel := entry.Subscribe()
	defer cancel()

	status, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StatusTerminated, status)

	// Channel is closed after the terminal value.
	_, ok = <-ch
	assert.False(t, ok)
}

func TestEntry_SubscriberSeesTerminalTransition(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	ch, cancel := entry.Subscribe()
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		for status := range ch {
			if status.Terminal() {
				done <- status
				return
			}
		}
	}()

	entry.Complete()

	select {
	case status := <-done:
		assert.Equal(t, StatusCompleted, status)
	case <-time.After(time.Second):
		t.Fatal("subscriber never observed the terminal transition")
	}
}

func TestEntry_WaitReturnsTerminalStatus(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	go func() {
		time.Sleep(10 * time.Millisecond)
		entry.Complete()
	}()

	status, err := entry.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestEntry_WaitTimeoutLeavesEntryActive(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	status, err := entry.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StatusActive, status)

	// The entry keeps draining after the wait is abandoned.
	require.NoError(t, entry.Append(testMessage("assistant", "", `{}`)))
	assert.True(t, entry.Complete())
}

func TestEntry_AssistantTextPrefersResultString(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	require.NoError(t, entry.Append(testMessage("assistant", "",
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}`)))
	require.NoError(t, entry.Append(testMessage("result", "success",
		`{"type":"result","subtype":"success","result":"final answer"}`)))
	entry.Complete()

	assert.Equal(t, "final answer", entry.AssistantText())
}

func TestEntry_AssistantTextFallsBackToContentBlocks(t *testing.T) {
	entry := newEntry(1, KindTell, "hello")

	require.NoError(t, entry.Append(testMessage("assistant", "",
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first"}]}}`)))
	require.NoError(t, entry.Append(testMessage("assistant", "",
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"second"}]}}`)))
	// Result carries an object, not a string, so it does not win.
	require.NoError(t, entry.Append(testMessage("result", "success",
		`{"type":"result","subtype":"success","result":{"code":0}}`)))
	entry.Complete()

	assert.Equal(t, "first\nsecond", entry.AssistantText())
}

func TestEntry_Snapshot(t *testing.T) {
	entry := newEntry(7, KindSpawn, "ping")
	require.NoError(t, entry.Append(testMessage("system", "init", `{"type":"system","subtype":"init"}`)))

	view := entry.Snapshot(false)
	assert.Equal(t, int64(7), view.ID)
	assert.Equal(t, KindSpawn, view.Kind)
	assert.Equal(t, "ping", view.TellString)
	assert.Equal(t, StatusActive, view.Status)
	assert.Nil(t, view.CompletedAt)
	assert.Equal(t, 1, view.MessageCount)
	assert.Nil(t, view.Messages)

	entry.Complete()
	view = entry.Snapshot(true)
	assert.Equal(t, StatusCompleted, view.Status)
	require.NotNil(t, view.CompletedAt)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "init", view.Messages[0].Subtype)
}
