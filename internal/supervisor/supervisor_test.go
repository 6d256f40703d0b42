package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
)

func TestSpawnReportsSuccess(t *testing.T) {
	results := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, results)

	node := descriptor.ResolvedNode{Id: "ok-node", Command: "true"}
	require.NoError(t, s.Spawn(ids.NewDataflowId(), node, nil))

	select {
	case r := <-results:
		assert.Equal(t, ids.NodeId("ok-node"), r.NodeId)
		assert.True(t, r.Status.OK())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit result")
	}
}

func TestSpawnReportsNonZeroExit(t *testing.T) {
	results := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, results)

	node := descriptor.ResolvedNode{Id: "bad-node", Command: "sh", Args: []string{"-c", "exit 7"}}
	require.NoError(t, s.Spawn(ids.NewDataflowId(), node, nil))

	r := <-results
	assert.Equal(t, ExitCode, r.Status.Kind)
	assert.Equal(t, 7, r.Status.Code)
	assert.False(t, r.Status.OK())
}

func TestSpawnUnknownCommandReportsIoError(t *testing.T) {
	results := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, results)

	node := descriptor.ResolvedNode{Id: "missing-node", Command: "/no/such/executable-meshflow"}
	err := s.Spawn(ids.NewDataflowId(), node, nil)
	assert.Error(t, err)

	r := <-results
	assert.Equal(t, ExitIoError, r.Status.Kind)
}

func TestSignalNameTableFixesDuplicateEntries(t *testing.T) {
	assert.Equal(t, "SIGTERM", signalName(15))
	assert.Equal(t, "SIGTTOU", signalName(22))
	assert.Equal(t, "SIGURG", signalName(23))
	assert.Equal(t, "signal 90", signalName(90))
}

func TestCancelContextKillsRunningChild(t *testing.T) {
	results := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, results)

	node := descriptor.ResolvedNode{Id: "sleepy-node", Command: "sleep", Args: []string{"30"}}
	require.NoError(t, s.Spawn(ids.NewDataflowId(), node, nil))

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case r := <-results:
		assert.Equal(t, ExitSignal, r.Status.Kind)
		assert.Equal(t, "SIGKILL", r.Status.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for killed child to report")
	}
}
