package dataflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
	"github.com/meshflow/meshflow/internal/wire"
)

func testDescriptorNodes() []descriptor.ResolvedNode {
	return []descriptor.ResolvedNode{
		{
			Id:      "source",
			Machine: "m1",
			Outputs: []ids.DataId{"tick"},
		},
		{
			Id:      "sink",
			Machine: "m1",
			Inputs: map[ids.DataId]descriptor.InputMapping{
				"in": {Source: "source", Output: "tick"},
			},
		},
	}
}

func TestRegisterLocalNodePopulatesMappingsAndOpenInputs(t *testing.T) {
	df := New(ids.NewDataflowId())
	nodes := testDescriptorNodes()
	df.RegisterLocalNode(nodes[0])
	df.RegisterLocalNode(nodes[1])

	assert.Contains(t, df.OpenInputsOf("sink"), ids.DataId("in"))
	receivers := df.Mappings[ids.OutputId{Node: "source", Output: "tick"}]
	assert.Contains(t, receivers, ids.InputId{Node: "sink", Input: "in"})
	assert.Contains(t, df.PendingNodes, ids.NodeId("source"))
	assert.Contains(t, df.PendingNodes, ids.NodeId("sink"))
}

func TestCloseInputIsIdempotentAndEmitsAllInputsClosed(t *testing.T) {
	df := New(ids.NewDataflowId())
	nodes := testDescriptorNodes()
	df.RegisterLocalNode(nodes[1])

	ch := make(chan wire.NodeEvent, 4)
	df.SubscribeChannels["sink"] = ch

	df.CloseInput("sink", "in")
	ev1 := <-ch
	assert.Equal(t, wire.NodeStreamInputClosed, ev1.Kind)
	ev2 := <-ch
	assert.Equal(t, wire.NodeStreamAllInputsClosed, ev2.Kind)
	assert.Empty(t, df.OpenInputsOf("sink"))

	df.CloseInput("sink", "in")
	select {
	case ev := <-ch:
		t.Fatalf("expected no further events, got %+v", ev)
	default:
	}
}

func TestDrainClosuresRoutesLocalAndExternalMappings(t *testing.T) {
	df := New(ids.NewDataflowId())
	nodes := testDescriptorNodes()
	df.RegisterLocalNode(nodes[0])
	df.RegisterLocalNode(nodes[1])

	sinkCh := make(chan wire.NodeEvent, 4)
	df.SubscribeChannels["sink"] = sinkCh

	output := ids.OutputId{Node: "source", Output: "tick"}
	df.RegisterExternalMapping(output, "m2", ids.InputId{Node: "remote-sink", Input: "in"})

	drained := df.DrainClosures(func(o ids.OutputId) bool { return o == output })

	<-sinkCh // InputClosed
	<-sinkCh // AllInputsClosed

	require.Contains(t, drained, "m2")
	assert.Contains(t, drained["m2"], ids.InputId{Node: "remote-sink", Input: "in"})
	assert.NotContains(t, df.OpenExternalMappings, output)
}

func TestDropTokenReleasesWhenPendingSetEmpties(t *testing.T) {
	df := New(ids.NewDataflowId())
	ownerCh := make(chan wire.NodeDropEvent, 1)
	df.DropChannels["owner"] = ownerCh

	token := ids.NewDropToken()
	df.RegisterDropToken(token, "owner", []ids.NodeId{"a", "b"})

	require.NoError(t, df.ReportDrop("a", token))
	select {
	case ev := <-ownerCh:
		t.Fatalf("token released too early: %+v", ev)
	default:
	}

	require.NoError(t, df.ReportDrop("b", token))
	ev := <-ownerCh
	assert.Equal(t, token, ev.DropToken)
	assert.NotContains(t, df.PendingDropTokens, token)
}

func TestRegisterDropTokenWithNoConsumersReleasesImmediately(t *testing.T) {
	df := New(ids.NewDataflowId())
	ownerCh := make(chan wire.NodeDropEvent, 1)
	df.DropChannels["owner"] = ownerCh

	token := ids.NewDropToken()
	df.RegisterDropToken(token, "owner", nil)
	require.NoError(t, df.CheckDropToken(token))

	ev := <-ownerCh
	assert.Equal(t, token, ev.DropToken)
	assert.NotContains(t, df.PendingDropTokens, token)
}

func TestReportDropUnknownTokenIsError(t *testing.T) {
	df := New(ids.NewDataflowId())
	err := df.ReportDrop("a", ids.NewDropToken())
	assert.Error(t, err)
}

func TestStartReleasesSubscribeRepliesAndFiresTimer(t *testing.T) {
	df := New(ids.NewDataflowId())
	replyCh := make(chan SubscribeResult, 1)
	df.HoldSubscribeReply("sink", replyCh, SubscribeResult{})

	interval := 10 * time.Millisecond
	df.timerSet(interval)[ids.InputId{Node: "sink", Input: "timer-in"}] = struct{}{}

	ticked := make(chan time.Duration, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	df.Start(ctx, func(interval time.Duration, receivers map[ids.InputId]struct{}) {
		select {
		case ticked <- interval:
		default:
		}
	})

	select {
	case res := <-replyCh:
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("subscribe reply never released")
	}

	select {
	case got := <-ticked:
		assert.Equal(t, interval, got)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestStopAllLatchesStopSentForFutureSubscribers(t *testing.T) {
	df := New(ids.NewDataflowId())
	ch := make(chan wire.NodeEvent, 1)
	df.SubscribeChannels["sink"] = ch

	df.StopAll()
	ev := <-ch
	assert.Equal(t, wire.NodeStreamStop, ev.Kind)
	assert.True(t, df.StopSent)

	// late-node has no inputs, so Subscribe first reports AllInputsClosed;
	// the latched Stop follows as the last event.
	late := make(chan wire.NodeEvent, 2)
	df.Subscribe("late-node", late)
	ev1 := <-late
	assert.Equal(t, wire.NodeStreamAllInputsClosed, ev1.Kind)
	ev2 := <-late
	assert.Equal(t, wire.NodeStreamStop, ev2.Kind)
}
