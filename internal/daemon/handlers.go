package daemon

import (
	"fmt"

	"github.com/meshflow/meshflow/internal/dataflow"
	"github.com/meshflow/meshflow/internal/ids"
	"github.com/meshflow/meshflow/internal/supervisor"
	"github.com/meshflow/meshflow/internal/unboundedchan"
	"github.com/meshflow/meshflow/internal/wire"
)

// handleCoordinatorEvent implements every DaemonCoordinatorEvent variant of
// spec.md §4.5/§6 and returns the single reply frame the caller must send
// back (Output/InputsClosed pushes carry no meaningful result and are
// answered with a bare watchdog_ack reply; the coordinator ignores it for
// those kinds).
func (d *Daemon) handleCoordinatorEvent(ev wire.DaemonCoordinatorEvent) wire.DaemonCoordinatorReply {
	switch ev.Kind {
	case wire.EventSpawn:
		if ev.Spawn == nil {
			return wire.DaemonCoordinatorReply{Kind: wire.ReplySpawnResult, Error: "spawn event missing payload"}
		}
		err := d.spawnDataflow(ev.Spawn.DataflowId, ev.Spawn.WorkingDir, ev.Spawn.Nodes, ev.Spawn.Communication)
		return resultReply(wire.ReplySpawnResult, err)

	case wire.EventAllNodesReady:
		// Pushed once the coordinator has heard all_nodes_ready from every
		// machine in the dataflow; releases every held Subscribe reply and
		// starts this machine's timers (spec.md §4.5 "Coordinator/AllNodesReady").
		df := d.dataflowOrNil(ev.DataflowId)
		if df == nil {
			return resultReply(wire.ReplyAllNodesReadyResult, fmt.Errorf("unknown dataflow %s", ev.DataflowId))
		}
		df.Start(d.dataflowRunCtx(ev.DataflowId), d.timerTick(ev.DataflowId))
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyAllNodesReadyResult}

	case wire.EventReloadDataflow:
		df := d.dataflowOrNil(ev.DataflowId)
		if df == nil {
			return resultReply(wire.ReplyReloadResult, fmt.Errorf("unknown dataflow %s", ev.DataflowId))
		}
		if ch, ok := df.SubscribeChannels[ev.NodeId]; ok {
			ch <- wire.NodeEvent{Kind: wire.NodeStreamReload, OperatorId: ev.OperatorId}
		}
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyReloadResult}

	case wire.EventStopDataflow:
		df := d.dataflowOrNil(ev.DataflowId)
		if df == nil {
			return resultReply(wire.ReplyStopResult, fmt.Errorf("unknown dataflow %s", ev.DataflowId))
		}
		df.StopAll()
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyStopResult}

	case wire.EventDestroy:
		d.mu.Lock()
		if cancel, ok := d.cancelFns[ev.DataflowId]; ok {
			cancel()
		}
		delete(d.running, ev.DataflowId)
		delete(d.supervisors, ev.DataflowId)
		delete(d.dataflowCtx, ev.DataflowId)
		delete(d.cancelFns, ev.DataflowId)
		d.mu.Unlock()
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyDestroyResult}

	case wire.EventWatchdog:
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyWatchdogAck}

	case wire.EventOutput:
		d.relayRemoteOutput(ev)
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyWatchdogAck}

	case wire.EventInputsClosed:
		df := d.dataflowOrNil(ev.DataflowId)
		if df != nil {
			for _, ref := range ev.Inputs {
				df.CloseInput(ref.Node, ref.Input)
			}
		}
		return wire.DaemonCoordinatorReply{Kind: wire.ReplyWatchdogAck}

	default:
		return wire.DaemonCoordinatorReply{Error: fmt.Sprintf("unknown coordinator event kind %q", ev.Kind)}
	}
}

func resultReply(kind wire.DaemonCoordinatorReplyKind, err error) wire.DaemonCoordinatorReply {
	if err != nil {
		return wire.DaemonCoordinatorReply{Kind: kind, Error: err.Error()}
	}
	return wire.DaemonCoordinatorReply{Kind: kind}
}

// relayRemoteOutput delivers an Output push forwarded by the coordinator
// from a node running on another machine into this machine's local
// subscribers, via the same RunningDataflow.Mappings path a local output
// would use (spec.md §4.5 "Output routing").
func (d *Daemon) relayRemoteOutput(ev wire.DaemonCoordinatorEvent) {
	df := d.dataflowOrNil(ev.DataflowId)
	if df == nil {
		return
	}
	out := ids.OutputId{Node: ev.NodeId, Output: ev.OutputId}
	for recv := range df.Mappings[out] {
		ch, ok := df.SubscribeChannels[recv.Node]
		if !ok {
			continue
		}
		ch <- wire.NodeEvent{Kind: wire.NodeStreamInput, Id: recv.Input, Metadata: ev.Metadata, Data: ev.Data, HasData: ev.Data != nil}
	}
}

// handleNodeEvent implements every DaemonNodeEvent variant of spec.md §4.5
// "Node events", replying on the originating connection.
func (d *Daemon) handleNodeEvent(ev wire.DaemonNodeEvent, conn *wire.Conn) {
	df := d.dataflowOrNil(ev.DataflowId)
	if df == nil {
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult, Error: fmt.Sprintf("unknown dataflow %s", ev.DataflowId)})
		return
	}

	switch ev.Kind {
	case wire.NodeEventSubscribe:
		d.handleSubscribe(df, ev, conn)

	case wire.NodeEventSubscribeDrop:
		dropCh := unboundedchan.New[wire.NodeDropEvent]()
		df.DropChannels[ev.NodeId] = dropCh.In()
		go d.pumpDropEvents(conn, dropCh.Out())
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult})

	case wire.NodeEventCloseOutputs:
		for _, output := range ev.Outputs {
			drained := df.CloseOutput(ids.OutputId{Node: ev.NodeId, Output: output})
			d.forwardInputsClosed(ev.DataflowId, drained)
		}
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult})

	case wire.NodeEventOutputsDone:
		for _, output := range df.NodeOutputsOf(ev.NodeId) {
			drained := df.CloseOutput(ids.OutputId{Node: ev.NodeId, Output: output})
			d.forwardInputsClosed(ev.DataflowId, drained)
		}
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult})

	case wire.NodeEventSendOut:
		d.sendOut(ev.DataflowId, ev.NodeId, ev.OutputId, ev.Metadata, ev.Data, ev.HasData, ev.HasDropToken, ev.DropToken)
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult})

	case wire.NodeEventReportDrop:
		for _, token := range ev.Tokens {
			if err := df.ReportDrop(ev.NodeId, token); err != nil {
				d.log.Warnw("report_drop", "node", ev.NodeId, "error", err)
			}
		}
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult})

	case wire.NodeEventStreamDropped:
		df.RemoveSubscriber(ev.NodeId)
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult})

	default:
		_ = conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyResult, Error: fmt.Sprintf("unknown node event kind %q", ev.Kind)})
	}
}

// handleSubscribe implements the cross-daemon ready barrier of spec.md
// §4.5: a node's Subscribe does not get its first reply until every local
// node has subscribed. At that point a daemon without a coordinator calls
// Start directly, releasing every held reply at once; a daemon with a
// coordinator reports AllNodesReady upward and Start runs when the
// coordinator pushes AllNodesReady back.
func (d *Daemon) handleSubscribe(df *dataflow.RunningDataflow, ev wire.DaemonNodeEvent, conn *wire.Conn) {
	eventCh := unboundedchan.New[wire.NodeEvent]()
	df.Subscribe(ev.NodeId, eventCh.In())

	replyCh := make(chan dataflow.SubscribeResult, 1)
	df.HoldSubscribeReply(ev.NodeId, replyCh, dataflow.SubscribeResult{})
	delete(df.PendingNodes, ev.NodeId)

	go func() {
		res := <-replyCh
		reply := wire.DaemonReply{Kind: wire.NodeReplyResult}
		if res.Err != nil {
			reply.Error = res.Err.Error()
		}
		if err := conn.SendJSON(reply); err != nil {
			return
		}
		d.pumpNodeEvents(conn, eventCh.Out())
	}()

	if len(df.PendingNodes) == 0 {
		if d.coordinatorReq == nil {
			// Single-machine run: there is no cross-machine barrier to wait
			// for, so this machine's readiness is the whole dataflow's.
			df.Start(d.dataflowRunCtx(ev.DataflowId), d.timerTick(ev.DataflowId))
		} else {
			d.notifyAllNodesReady(ev.DataflowId)
		}
	}
}

func (d *Daemon) pumpNodeEvents(conn *wire.Conn, eventCh <-chan wire.NodeEvent) {
	for ev := range eventCh {
		if err := conn.SendJSON(wire.DaemonReply{Kind: wire.NodeReplyEvent}); err != nil {
			return
		}
		if err := conn.SendJSON(ev); err != nil {
			return
		}
	}
}

func (d *Daemon) pumpDropEvents(conn *wire.Conn, dropCh <-chan wire.NodeDropEvent) {
	for ev := range dropCh {
		if err := conn.SendJSON(ev); err != nil {
			return
		}
	}
}

func (d *Daemon) forwardInputsClosed(dataflowId ids.DataflowId, byMachine map[string][]ids.InputId) {
	if len(byMachine) == 0 || d.coordinatorReq == nil {
		return
	}
	var grouped []wire.MachineInputs
	for machine, inputs := range byMachine {
		refs := make([]wire.InputRef, len(inputs))
		for i, in := range inputs {
			refs[i] = wire.InputRef{Node: in.Node, Input: in.Input}
		}
		grouped = append(grouped, wire.MachineInputs{Machine: machine, Inputs: refs})
	}
	req := wire.CoordinatorRequest{
		MachineId: d.MachineId,
		Event: wire.DaemonEvent{
			Kind:            wire.DaemonEventInputsClosed,
			DataflowId:      dataflowId,
			InputsByMachine: grouped,
		},
	}
	if err := d.coordinatorReq.SendJSON(req); err != nil {
		d.log.Warnw("forwarding inputs_closed", "error", err)
		return
	}
	var ack wire.CoordinatorAck
	_ = d.coordinatorReq.ReceiveJSON(&ack)
}

// sendOut implements spec.md §4.5 "Output routing": a local output is
// delivered to every local subscriber synchronously; if the output carries
// a drop token, it is registered against exactly the consumers that
// accepted delivery and checked for immediate release (§4.8, even when
// that set is empty); and for every machine with an open external mapping
// on this output the bytes are forwarded once to the coordinator for
// relay.
func (d *Daemon) sendOut(dataflowId ids.DataflowId, node ids.NodeId, output ids.DataId, meta wire.Metadata, data []byte, hasData bool, hasDropToken bool, dropToken ids.DropToken) {
	df := d.dataflowOrNil(dataflowId)
	if df == nil {
		return
	}
	out := ids.OutputId{Node: node, Output: output}
	var accepted []ids.NodeId
	for recv := range df.Mappings[out] {
		ch, ok := df.SubscribeChannels[recv.Node]
		if !ok {
			continue
		}
		ch <- wire.NodeEvent{Kind: wire.NodeStreamInput, Id: recv.Input, Metadata: meta, Data: data, HasData: hasData}
		accepted = append(accepted, recv.Node)
	}

	if hasDropToken {
		df.RegisterDropToken(dropToken, node, accepted)
		if err := df.CheckDropToken(dropToken); err != nil {
			d.log.Warnw("check_drop_token", "token", dropToken, "error", err)
		}
	}

	machines := df.ExternalMachinesFor(out)
	if len(machines) == 0 || d.coordinatorReq == nil {
		return
	}
	req := wire.CoordinatorRequest{
		MachineId: d.MachineId,
		Event: wire.DaemonEvent{
			Kind:           wire.DaemonEventOutput,
			DataflowId:     dataflowId,
			SourceNode:     node,
			OutputId:       output,
			Metadata:       meta,
			Data:           data,
			TargetMachines: machines,
		},
	}
	if err := d.coordinatorReq.SendJSON(req); err != nil {
		d.log.Warnw("forwarding output", "error", err)
		return
	}
	var ack wire.CoordinatorAck
	_ = d.coordinatorReq.ReceiveJSON(&ack)
}

func (d *Daemon) notifyAllNodesReady(dataflowId ids.DataflowId) {
	if d.coordinatorReq == nil {
		return
	}
	req := wire.CoordinatorRequest{
		MachineId: d.MachineId,
		Event:     wire.DaemonEvent{Kind: wire.DaemonEventAllNodesReady, DataflowId: dataflowId},
	}
	if err := d.coordinatorReq.SendJSON(req); err != nil {
		d.log.Warnw("notifying all_nodes_ready", "error", err)
		return
	}
	var ack wire.CoordinatorAck
	_ = d.coordinatorReq.ReceiveJSON(&ack)
}

func (d *Daemon) notifyAllNodesFinished(dataflowId ids.DataflowId, err error) {
	if d.coordinatorReq == nil {
		return
	}
	ev := wire.DaemonEvent{Kind: wire.DaemonEventAllNodesFinished, DataflowId: dataflowId}
	if err != nil {
		ev.Error = err.Error()
	}
	req := wire.CoordinatorRequest{MachineId: d.MachineId, Event: ev}
	if sendErr := d.coordinatorReq.SendJSON(req); sendErr != nil {
		d.log.Warnw("notifying all_nodes_finished", "error", sendErr)
		return
	}
	var ack wire.CoordinatorAck
	_ = d.coordinatorReq.ReceiveJSON(&ack)
}

// handleNodeExit implements spec.md §4.5 "SpawnedNodeResult": the exit is
// logged, the node's outputs are closed exactly as a CloseOutputs call
// would close them, and AllNodesFinished fires once every local node for
// the dataflow has exited.
func (d *Daemon) handleNodeExit(r supervisor.Result) {
	df := d.dataflowOrNil(r.DataflowId)
	if df == nil {
		return
	}
	if r.Status.OK() {
		d.log.Infow("node exited", "node", r.NodeId, "dataflow", r.DataflowId)
	} else {
		d.log.Errorw("node exited with error", "node", r.NodeId, "dataflow", r.DataflowId, "status", r.Status.String())
	}

	delete(df.PendingNodes, r.NodeId)
	delete(df.LocalNodes, r.NodeId)
	df.RemoveSubscriber(r.NodeId)

	for _, output := range df.NodeOutputsOf(r.NodeId) {
		drained := df.CloseOutput(ids.OutputId{Node: r.NodeId, Output: output})
		d.forwardInputsClosed(r.DataflowId, drained)
	}

	if df.Finished() {
		var err error
		if !r.Status.OK() {
			err = fmt.Errorf("node %q: %s", r.NodeId, r.Status)
		}
		d.notifyAllNodesFinished(r.DataflowId, err)
	}
}

// handleNodeDisconnect runs when a node's IPC connection closes. It does
// not tear down dataflow state itself: a node's actual exit is reported
// through its supervised process (handleNodeExit), which is the
// authoritative signal since a node may close its connection before its
// process has actually exited.
func (d *Daemon) handleNodeDisconnect(conn *wire.Conn) {
	d.log.Debugw("node connection closed")
}
