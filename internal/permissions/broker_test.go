package permissions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/events/bus"
	"github.com/iris-hq/iris/internal/teams"
)

func team(policy string) *teams.Team {
	return &teams.Team{Name: "alpha", Path: "/work/alpha", PermissionPolicy: policy}
}

func setupBroker(t *testing.T, timeout time.Duration) *Broker {
	t.Helper()
	log := logger.Default()
	return NewBroker(timeout, bus.NewMemoryEventBus(log), log)
}

func TestPolicyYesAllowsImmediately(t *testing.T) {
	b := setupBroker(t, time.Minute)

	decision, err := b.Request(context.Background(), team("yes"), "sid", "Bash", nil)
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Empty(t, b.Pending())
}

func TestPolicyNoDeniesImmediately(t *testing.T) {
	b := setupBroker(t, time.Minute)

	decision, err := b.Request(context.Background(), team("no"), "sid", "Bash", nil)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.NotEmpty(t, decision.Reason)
}

func TestAskPolicyResolvedByDashboard(t *testing.T) {
	b := setupBroker(t, time.Minute)

	type result struct {
		decision Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		d, err := b.Request(context.Background(), team("ask"), "sid", "Bash", json.RawMessage(`{"command":"ls"}`))
		done <- result{d, err}
	}()

	var pending []Pending
	require.Eventually(t, func() bool {
		pending = b.Pending()
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bash", pending[0].ToolName)
	assert.Equal(t, "alpha", pending[0].Team)

	require.NoError(t, b.Resolve(pending[0].ID, true, "looks fine"))

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.decision.Approved)
	assert.Equal(t, "looks fine", res.decision.Reason)
	assert.Empty(t, b.Pending())
}

func TestAskPolicyDeniesOnTimeout(t *testing.T) {
	b := setupBroker(t, 50*time.Millisecond)

	decision, err := b.Request(context.Background(), team("ask"), "sid", "Bash", nil)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Contains(t, decision.Reason, "timed out")
	assert.Empty(t, b.Pending())
}

func TestResolveUnknownRequest(t *testing.T) {
	b := setupBroker(t, time.Minute)
	assert.Error(t, b.Resolve("nope", true, ""))
}

func TestDoubleResolve(t *testing.T) {
	b := setupBroker(t, time.Minute)

	go func() {
		_, _ = b.Request(context.Background(), team("ask"), "sid", "Bash", nil)
	}()
	var pending []Pending
	require.Eventually(t, func() bool {
		pending = b.Pending()
		return len(pending) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Resolve(pending[0].ID, false, "denied"))
	err := b.Resolve(pending[0].ID, true, "")
	assert.Error(t, err, "second resolve is rejected")
}
