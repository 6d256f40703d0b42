package coordinator_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/coordinator"
	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/wire"
)

// fakeDaemon simulates one daemon's two coordinator connections entirely
// in-process over net.Pipe, so the coordinator's session/barrier logic can
// be exercised without spawning a real process or listener.
type fakeDaemon struct {
	t         *testing.T
	machineId string
	push      *wire.Conn // client side of the push connection
	req       *wire.Conn // client side of the request connection
}

func newFakeDaemon(t *testing.T, c *coordinator.Coordinator, machineId string) *fakeDaemon {
	t.Helper()
	pushServer, pushClient := net.Pipe()
	reqServer, reqClient := net.Pipe()
	t.Cleanup(func() { pushClient.Close(); reqClient.Close() })

	go func() { _ = c.AdoptConnection(wire.NewConn(pushServer)) }()
	go func() { _ = c.AdoptConnection(wire.NewConn(reqServer)) }()

	push := wire.NewConn(pushClient)
	req := wire.NewConn(reqClient)
	require.NoError(t, push.SendJSON(wire.Handshake{MachineId: machineId, Role: wire.RolePush}))
	require.NoError(t, req.SendJSON(wire.Handshake{MachineId: machineId, Role: wire.RoleRequest}))

	return &fakeDaemon{t: t, machineId: machineId, push: push, req: req}
}

// autoReplyOK answers every push this daemon receives with an OK reply of
// the matching kind, as a real daemon's event loop would for Spawn and
// AllNodesReady.
func (f *fakeDaemon) autoReplyOK() {
	go func() {
		for {
			var ev wire.DaemonCoordinatorEvent
			if err := f.push.ReceiveJSON(&ev); err != nil {
				return
			}
			var reply wire.DaemonCoordinatorReply
			switch ev.Kind {
			case wire.EventSpawn:
				reply.Kind = wire.ReplySpawnResult
			case wire.EventAllNodesReady:
				reply.Kind = wire.ReplyAllNodesReadyResult
			default:
				reply.Kind = wire.ReplyWatchdogAck
			}
			if err := f.push.SendJSON(reply); err != nil {
				return
			}
		}
	}()
}

func (f *fakeDaemon) sendRequest(t *testing.T, ev wire.DaemonEvent) wire.CoordinatorAck {
	t.Helper()
	require.NoError(t, f.req.SendJSON(wire.CoordinatorRequest{MachineId: f.machineId, Event: ev}))
	var ack wire.CoordinatorAck
	require.NoError(t, f.req.ReceiveJSON(&ack))
	return ack
}

func writeDescriptor(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dataflow.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func readTestDescriptor(t *testing.T, yaml string) (*descriptor.Descriptor, error) {
	t.Helper()
	return descriptor.Read(writeDescriptor(t, yaml))
}

const twoNodeDescriptor = `
nodes:
  - id: source
    deploy_machine: m1
    outputs: [tick]
  - id: sink
    deploy_machine: m1
    inputs:
      in: source/tick
`

func TestWatchdogUpdatesLiveness(t *testing.T) {
	c := coordinator.New(nil)
	d := newFakeDaemon(t, c, "m1")
	d.autoReplyOK()

	ack := d.sendRequest(t, wire.DaemonEvent{Kind: wire.DaemonEventWatchdog})
	assert.Empty(t, ack.Error)
}

func TestControlStartRejectsUnknownMachine(t *testing.T) {
	c := coordinator.New(nil)
	path := writeDescriptor(t, twoNodeDescriptor)

	addr, err := c.ListenControl("127.0.0.1:0", "m1")
	require.NoError(t, err)

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()
	conn := wire.NewConn(raw)

	require.NoError(t, conn.SendJSON(wire.ControlRequest{Kind: wire.ControlStart, DescriptorPath: path}))
	var reply wire.ControlReply
	require.NoError(t, conn.ReceiveJSON(&reply))
	assert.Contains(t, reply.Error, "no daemon connected")
}

func TestSpawnAndReadyBarrierAndAwaitFinished(t *testing.T) {
	c := coordinator.New(nil)
	m1 := newFakeDaemon(t, c, "m1")
	m1.autoReplyOK()
	// touch the watchdog so Spawn's healthy() check passes
	ack := m1.sendRequest(t, wire.DaemonEvent{Kind: wire.DaemonEventWatchdog})
	require.Empty(t, ack.Error)

	desc, err := readTestDescriptor(t, twoNodeDescriptor)
	require.NoError(t, err)

	id, err := c.Spawn(desc, t.TempDir(), "m1")
	require.NoError(t, err)

	ack = m1.sendRequest(t, wire.DaemonEvent{Kind: wire.DaemonEventAllNodesReady, DataflowId: id})
	require.Empty(t, ack.Error)

	ack = m1.sendRequest(t, wire.DaemonEvent{Kind: wire.DaemonEventAllNodesFinished, DataflowId: id})
	require.Empty(t, ack.Error)

	done := make(chan struct{})
	var reports []wire.NodeReport
	go func() {
		reports, err = c.AwaitFinished(id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitFinished did not return")
	}
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestAwaitFinishedCollectsNodeErrors(t *testing.T) {
	c := coordinator.New(nil)
	m1 := newFakeDaemon(t, c, "m1")
	m1.autoReplyOK()
	ack := m1.sendRequest(t, wire.DaemonEvent{Kind: wire.DaemonEventWatchdog})
	require.Empty(t, ack.Error)

	desc, err := readTestDescriptor(t, twoNodeDescriptor)
	require.NoError(t, err)
	id, err := c.Spawn(desc, t.TempDir(), "m1")
	require.NoError(t, err)

	ack = m1.sendRequest(t, wire.DaemonEvent{Kind: wire.DaemonEventAllNodesFinished, DataflowId: id, Error: "node \"sink\": exit code 1"})
	require.Empty(t, ack.Error)

	reports, err := c.AwaitFinished(id)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "m1", reports[0].Machine)
	assert.Contains(t, reports[0].Error, "exit code 1")
}
