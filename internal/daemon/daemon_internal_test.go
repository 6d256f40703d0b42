package daemon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/dataflow"
	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
	"github.com/meshflow/meshflow/internal/wire"
)

// newTestDaemon builds a Daemon with a single-machine, two-node dataflow
// already registered, bypassing real process spawning so the event-loop
// handlers can be exercised directly against fake node connections.
func newTestDaemon(t *testing.T) (*Daemon, ids.DataflowId, *dataflow.RunningDataflow) {
	t.Helper()
	d := New("m1", nil, nil, nil)
	id := ids.NewDataflowId()
	nodes := []descriptor.ResolvedNode{
		{Id: "source", Machine: "m1", Outputs: []ids.DataId{"tick"}},
		{Id: "sink", Machine: "m1", Inputs: map[ids.DataId]descriptor.InputMapping{
			"in": {Source: "source", Output: "tick"},
		}},
	}
	df := dataflow.New(id)
	for _, n := range nodes {
		df.RegisterLocalNode(n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.running[id] = df
	d.dataflowCtx[id] = ctx
	d.cancelFns[id] = cancel
	return d, id, df
}

// subscribeAsync sends node's Subscribe call and returns before reading any
// reply: handleNodeEvent never blocks on conn I/O for a Subscribe kind, it
// only starts a background goroutine that waits for the dataflow to start,
// so callers can invoke this back-to-back for every local node without a
// race on the shared RunningDataflow (matching the single-threaded
// ownership the real event loop provides) and only read the reply — which
// doesn't arrive until every local node has subscribed — afterward.
func subscribeAsync(t *testing.T, d *Daemon, id ids.DataflowId, node ids.NodeId) *wire.Conn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	d.handleNodeEvent(wire.DaemonNodeEvent{Kind: wire.NodeEventSubscribe, DataflowId: id, NodeId: node}, wire.NewConn(serverSide))
	return wire.NewConn(clientSide)
}

// subscribe is subscribeAsync for the single-node-barrier case: only use it
// when node is the last local node expected to subscribe, so the reply is
// already on its way by the time this call reads it.
func subscribe(t *testing.T, d *Daemon, id ids.DataflowId, node ids.NodeId) (*wire.Conn, wire.DaemonReply) {
	t.Helper()
	client := subscribeAsync(t, d, id, node)
	var reply wire.DaemonReply
	require.NoError(t, client.ReceiveJSON(&reply))
	return client, reply
}

func TestSubscribeBarrierWaitsForEveryLocalNode(t *testing.T) {
	d, id, df := newTestDaemon(t)

	sourceClient := subscribeAsync(t, d, id, "source")
	assert.NotEmpty(t, df.PendingNodes, "sink has not subscribed yet")

	sinkClient, sinkReply := subscribe(t, d, id, "sink")
	assert.Empty(t, sinkReply.Error)

	var sourceReply wire.DaemonReply
	require.NoError(t, sourceClient.ReceiveJSON(&sourceReply))
	assert.Empty(t, sourceReply.Error)

	assert.Empty(t, df.PendingNodes)
	_ = sinkClient
}

func TestSendOutDeliversToLocalSubscriber(t *testing.T) {
	d, id, _ := newTestDaemon(t)

	sourceClient := subscribeAsync(t, d, id, "source")
	sinkClient, _ := subscribe(t, d, id, "sink")
	var sourceReply wire.DaemonReply
	require.NoError(t, sourceClient.ReceiveJSON(&sourceReply))

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	sendOutEvent := wire.DaemonNodeEvent{
		Kind: wire.NodeEventSendOut, DataflowId: id, NodeId: "source",
		OutputId: "tick", Data: []byte("hello"), HasData: true,
	}
	go d.handleNodeEvent(sendOutEvent, wire.NewConn(serverSide))

	var event wire.DaemonReply
	require.NoError(t, sinkClient.ReceiveJSON(&event))
	assert.Equal(t, wire.NodeReplyEvent, event.Kind)

	var input wire.NodeEvent
	require.NoError(t, sinkClient.ReceiveJSON(&input))
	assert.Equal(t, wire.NodeStreamInput, input.Kind)
	assert.Equal(t, ids.DataId("in"), input.Id)
	assert.Equal(t, []byte("hello"), input.Data)

	// drain the ack the SendOut caller is waiting on
	var ack wire.DaemonReply
	require.NoError(t, wire.NewConn(clientSide).ReceiveJSON(&ack))
	assert.Empty(t, ack.Error)
}

func TestSendOutReleasesDropTokenAfterBothConsumersReport(t *testing.T) {
	d, id, df := newTestDaemon(t)
	df.RegisterLocalNode(descriptor.ResolvedNode{Id: "relay", Machine: "m1", Inputs: map[ids.DataId]descriptor.InputMapping{
		"in": {Source: "source", Output: "tick"},
	}})

	sourceClient := subscribeAsync(t, d, id, "source")
	sinkClient := subscribeAsync(t, d, id, "sink")
	relayClient, _ := subscribe(t, d, id, "relay")
	var sourceReply, sinkReply wire.DaemonReply
	require.NoError(t, sourceClient.ReceiveJSON(&sourceReply))
	require.NoError(t, sinkClient.ReceiveJSON(&sinkReply))

	dropClient := func() *wire.Conn {
		serverSide, clientSide := net.Pipe()
		t.Cleanup(func() { clientSide.Close() })
		go d.handleNodeEvent(wire.DaemonNodeEvent{Kind: wire.NodeEventSubscribeDrop, DataflowId: id, NodeId: "source"}, wire.NewConn(serverSide))
		var ack wire.DaemonReply
		require.NoError(t, wire.NewConn(clientSide).ReceiveJSON(&ack))
		return wire.NewConn(clientSide)
	}()

	token := ids.NewDropToken()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	sendOutEvent := wire.DaemonNodeEvent{
		Kind: wire.NodeEventSendOut, DataflowId: id, NodeId: "source",
		OutputId: "tick", Data: []byte("buf"), HasData: true,
		HasDropToken: true, DropToken: token,
	}
	go d.handleNodeEvent(sendOutEvent, wire.NewConn(serverSide))

	drainInput := func(c *wire.Conn) {
		var wrap wire.DaemonReply
		require.NoError(t, c.ReceiveJSON(&wrap))
		var input wire.NodeEvent
		require.NoError(t, c.ReceiveJSON(&input))
	}
	drainInput(sinkClient)
	drainInput(relayClient)

	var ack wire.DaemonReply
	require.NoError(t, wire.NewConn(clientSide).ReceiveJSON(&ack))
	require.Empty(t, ack.Error)

	assert.Contains(t, df.PendingDropTokens, token)

	reportDrop := func(node ids.NodeId) {
		serverSide, clientSide := net.Pipe()
		t.Cleanup(func() { clientSide.Close() })
		go d.handleNodeEvent(wire.DaemonNodeEvent{Kind: wire.NodeEventReportDrop, DataflowId: id, NodeId: node, Tokens: []ids.DropToken{token}}, wire.NewConn(serverSide))
		var ack wire.DaemonReply
		require.NoError(t, wire.NewConn(clientSide).ReceiveJSON(&ack))
	}

	reportDrop("sink")
	require.NoError(t, dropClient.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	var early wire.NodeDropEvent
	err := dropClient.ReceiveJSON(&early)
	require.Error(t, err, "token released before second consumer reported")
	require.NoError(t, dropClient.SetReadDeadline(time.Time{}))

	reportDrop("relay")
	var dropped wire.NodeDropEvent
	require.NoError(t, dropClient.ReceiveJSON(&dropped))
	assert.Equal(t, wire.NodeDropOutputDropped, dropped.Kind)
	assert.Equal(t, token, dropped.DropToken)
	assert.NotContains(t, df.PendingDropTokens, token)
}

func TestCloseOutputsClosesDownstreamInput(t *testing.T) {
	d, id, _ := newTestDaemon(t)

	sourceClient := subscribeAsync(t, d, id, "source")
	sinkClient, _ := subscribe(t, d, id, "sink")
	var sourceReply wire.DaemonReply
	require.NoError(t, sourceClient.ReceiveJSON(&sourceReply))

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	closeEvent := wire.DaemonNodeEvent{Kind: wire.NodeEventCloseOutputs, DataflowId: id, NodeId: "source", Outputs: []ids.DataId{"tick"}}
	go d.handleNodeEvent(closeEvent, wire.NewConn(serverSide))

	var wrap wire.DaemonReply
	require.NoError(t, sinkClient.ReceiveJSON(&wrap))
	assert.Equal(t, wire.NodeReplyEvent, wrap.Kind)

	var closed wire.NodeEvent
	require.NoError(t, sinkClient.ReceiveJSON(&closed))
	assert.Equal(t, wire.NodeStreamInputClosed, closed.Kind)

	require.NoError(t, sinkClient.ReceiveJSON(&wrap))
	var allClosed wire.NodeEvent
	require.NoError(t, sinkClient.ReceiveJSON(&allClosed))
	assert.Equal(t, wire.NodeStreamAllInputsClosed, allClosed.Kind)

	var ack wire.DaemonReply
	require.NoError(t, wire.NewConn(clientSide).ReceiveJSON(&ack))
	assert.Empty(t, ack.Error)
}
