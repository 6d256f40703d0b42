// Package dataflow implements the in-memory RunningDataflow entity (data
// model §3) and the daemon-local handling of node lifecycle events that
// operate purely on that entity: input closure propagation, the start/stop
// barrier, timer emission, and drop-token accounting (§4.3, §4.5, §4.8).
// It performs no network I/O; all mutation happens through plain method
// calls so the owning daemon event loop can serialize every access.
package dataflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
	"github.com/meshflow/meshflow/internal/wire"
)

// SubscribeResult is the outcome of a node's Subscribe call, held back
// until the dataflow starts.
type SubscribeResult struct {
	Err error
}

type subscribeReply struct {
	replyCh chan<- SubscribeResult
	result  SubscribeResult
}

// DropTokenInfo tracks a published shared-memory buffer's owner and the
// consumers still holding a reference to it.
type DropTokenInfo struct {
	Owner         ids.NodeId
	PendingNodes  map[ids.NodeId]struct{}
}

// InputRef names one (receiver, input) pair.
type InputRef = ids.InputId

// RunningDataflow is the per-daemon, per-dataflow state described in
// spec.md §3. Every field is documented there; this struct carries the
// same shape, realized with Go maps/sets in place of Rust's
// HashMap/BTreeSet.
type RunningDataflow struct {
	Id ids.DataflowId

	PendingNodes      map[ids.NodeId]struct{}
	subscribeReplies  map[ids.NodeId]subscribeReply
	SubscribeChannels map[ids.NodeId]chan<- wire.NodeEvent
	DropChannels      map[ids.NodeId]chan<- wire.NodeDropEvent

	Mappings             map[ids.OutputId]map[ids.InputId]struct{}
	OpenExternalMappings map[ids.OutputId]map[string]map[ids.InputId]struct{}
	Timers               map[time.Duration]map[ids.InputId]struct{}
	OpenInputs           map[ids.NodeId]map[ids.DataId]struct{}
	RunningNodes         map[ids.NodeId]struct{}
	ExternalNodes        map[ids.NodeId]descriptor.ResolvedNode

	PendingDropTokens map[ids.DropToken]*DropTokenInfo

	// LocalNodes is every node spawned on this daemon for this dataflow;
	// it only shrinks (on exit), used to detect AllNodesFinished.
	LocalNodes map[ids.NodeId]struct{}
	nodeOutputs map[ids.NodeId][]ids.DataId

	StopSent bool

	timerCancel []context.CancelFunc
	mu          sync.Mutex // guards timerCancel only; all other fields are owned by the daemon loop goroutine
}

// New creates an empty RunningDataflow for the given id.
func New(id ids.DataflowId) *RunningDataflow {
	return &RunningDataflow{
		Id:                   id,
		PendingNodes:         make(map[ids.NodeId]struct{}),
		subscribeReplies:     make(map[ids.NodeId]subscribeReply),
		SubscribeChannels:    make(map[ids.NodeId]chan<- wire.NodeEvent),
		DropChannels:         make(map[ids.NodeId]chan<- wire.NodeDropEvent),
		Mappings:             make(map[ids.OutputId]map[ids.InputId]struct{}),
		OpenExternalMappings: make(map[ids.OutputId]map[string]map[ids.InputId]struct{}),
		Timers:               make(map[time.Duration]map[ids.InputId]struct{}),
		OpenInputs:           make(map[ids.NodeId]map[ids.DataId]struct{}),
		RunningNodes:         make(map[ids.NodeId]struct{}),
		ExternalNodes:        make(map[ids.NodeId]descriptor.ResolvedNode),
		PendingDropTokens:    make(map[ids.DropToken]*DropTokenInfo),
		LocalNodes:           make(map[ids.NodeId]struct{}),
		nodeOutputs:          make(map[ids.NodeId][]ids.DataId),
	}
}

// NodeInputs flattens a Custom/Runtime node's inputs into a DataId ->
// InputMapping map. Pure helper, no dataflow state involved (spec.md §4.3).
func NodeInputs(node descriptor.ResolvedNode) map[ids.DataId]descriptor.InputMapping {
	return node.NodeInputs()
}

// RuntimeNodeOutputs yields a node's prefixed output ids (spec.md §4.3).
func RuntimeNodeOutputs(node descriptor.ResolvedNode) []ids.DataId {
	return node.NodeOutputs()
}

// RegisterLocalNode registers node as hosted on this daemon: every input
// is added to open_inputs, and routed into either `mappings` (User) or
// `timers` (Timer). The node is added to pending_nodes; the caller is
// responsible for actually spawning its process.
func (d *RunningDataflow) RegisterLocalNode(node descriptor.ResolvedNode) {
	open := d.openInputsFor(node.Id)
	for inputId, mapping := range node.NodeInputs() {
		open[inputId] = struct{}{}
		if mapping.IsUser() {
			out := ids.OutputId{Node: mapping.Source, Output: mapping.Output}
			d.mappingSet(out)[ids.InputId{Node: node.Id, Input: inputId}] = struct{}{}
		} else {
			d.timerSet(mapping.Interval)[ids.InputId{Node: node.Id, Input: inputId}] = struct{}{}
		}
	}
	d.PendingNodes[node.Id] = struct{}{}
	d.LocalNodes[node.Id] = struct{}{}
	d.nodeOutputs[node.Id] = node.NodeOutputs()
}

// NodeOutputsOf returns the output ids node declared, for closing all of
// them on exit (spec.md §4.5 "OutputsDone"/"SpawnedNodeResult").
func (d *RunningDataflow) NodeOutputsOf(node ids.NodeId) []ids.DataId {
	return d.nodeOutputs[node]
}

// CloseOutput drains every local and external mapping of exactly output,
// returning the external batch for the caller to forward (spec.md §4.5
// "Output closure").
func (d *RunningDataflow) CloseOutput(output ids.OutputId) map[string][]ids.InputId {
	return d.DrainClosures(func(o ids.OutputId) bool { return o == output })
}

// ExternalMachinesFor returns the distinct machines with an open external
// mapping on output, used to decide whether a SendOut needs forwarding to
// the coordinator at all (spec.md §4.5 "Output routing").
func (d *RunningDataflow) ExternalMachinesFor(output ids.OutputId) []string {
	byMachine, ok := d.OpenExternalMappings[output]
	if !ok {
		return nil
	}
	machines := make([]string, 0, len(byMachine))
	for m := range byMachine {
		machines = append(machines, m)
	}
	return machines
}

// Finished reports whether every node spawned locally for this dataflow
// has exited (spec.md §4.5 "AllNodesFinished").
func (d *RunningDataflow) Finished() bool {
	return len(d.LocalNodes) == 0
}

// RegisterExternalNode records node as living on another machine.
func (d *RunningDataflow) RegisterExternalNode(node descriptor.ResolvedNode) {
	d.ExternalNodes[node.Id] = node
}

// RegisterExternalMapping records that consumerMachine wants deliveries of
// output, fanned out to input on that machine. Called only for User
// mappings whose source output is produced locally (the caller determines
// that; see daemon's Spawn handler).
func (d *RunningDataflow) RegisterExternalMapping(output ids.OutputId, consumerMachine string, input ids.InputId) {
	byMachine, ok := d.OpenExternalMappings[output]
	if !ok {
		byMachine = make(map[string]map[ids.InputId]struct{})
		d.OpenExternalMappings[output] = byMachine
	}
	set, ok := byMachine[consumerMachine]
	if !ok {
		set = make(map[ids.InputId]struct{})
		byMachine[consumerMachine] = set
	}
	set[input] = struct{}{}
}

func (d *RunningDataflow) openInputsFor(node ids.NodeId) map[ids.DataId]struct{} {
	set, ok := d.OpenInputs[node]
	if !ok {
		set = make(map[ids.DataId]struct{})
		d.OpenInputs[node] = set
	}
	return set
}

func (d *RunningDataflow) mappingSet(output ids.OutputId) map[ids.InputId]struct{} {
	set, ok := d.Mappings[output]
	if !ok {
		set = make(map[ids.InputId]struct{})
		d.Mappings[output] = set
	}
	return set
}

func (d *RunningDataflow) timerSet(interval time.Duration) map[ids.InputId]struct{} {
	set, ok := d.Timers[interval]
	if !ok {
		set = make(map[ids.InputId]struct{})
		d.Timers[interval] = set
	}
	return set
}

// OpenInputsOf returns the still-open input ids of node, or an empty set.
func (d *RunningDataflow) OpenInputsOf(node ids.NodeId) map[ids.DataId]struct{} {
	if set, ok := d.OpenInputs[node]; ok {
		return set
	}
	return map[ids.DataId]struct{}{}
}

// Subscribe records a node's event channel and, per spec.md §4.5
// Node/Subscribe: replays any InputClosed/AllInputsClosed the node missed,
// and sends Stop immediately if the dataflow already latched stop_sent.
// It does not remove the node from pending_nodes or decide whether to
// start — that barrier logic belongs to the daemon event loop since it
// spans multiple dataflows/daemons.
func (d *RunningDataflow) Subscribe(node ids.NodeId, eventCh chan<- wire.NodeEvent) {
	for output, receivers := range d.Mappings {
		_ = output
		for recv := range receivers {
			if recv.Node != node {
				continue
			}
			if _, open := d.openInputsFor(node)[recv.Input]; !open {
				eventCh <- wire.NodeEvent{Kind: wire.NodeStreamInputClosed, Id: recv.Input}
			}
		}
	}
	if len(d.OpenInputsOf(node)) == 0 {
		eventCh <- wire.NodeEvent{Kind: wire.NodeStreamAllInputsClosed}
	}
	if d.StopSent {
		eventCh <- wire.NodeEvent{Kind: wire.NodeStreamStop}
	}
	d.SubscribeChannels[node] = eventCh
}

// HoldSubscribeReply stashes the reply channel for a pending Subscribe
// call; it is answered when Start runs, forming the cross-daemon barrier
// (spec.md §4.5).
func (d *RunningDataflow) HoldSubscribeReply(node ids.NodeId, replyCh chan<- SubscribeResult, result SubscribeResult) {
	d.subscribeReplies[node] = subscribeReply{replyCh: replyCh, result: result}
}

// Start releases every held subscribe reply and launches one timer
// emitter goroutine per distinct interval, each sending a
// wire.NodeEvent{Kind: Input, Data: nil} to its subscribers on every tick
// via the supplied sink. Start is idempotent: subscribeReplies is drained,
// so re-entry (spec.md's "Coordinator/AllNodesReady... idempotent on
// re-entry") is a no-op.
func (d *RunningDataflow) Start(ctx context.Context, tick func(interval time.Duration, receivers map[ids.InputId]struct{})) {
	replies := d.subscribeReplies
	d.subscribeReplies = make(map[ids.NodeId]subscribeReply)
	for _, r := range replies {
		r.replyCh <- r.result
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for interval, receivers := range d.Timers {
		interval, receivers := interval, receivers
		timerCtx, cancel := context.WithCancel(ctx)
		d.timerCancel = append(d.timerCancel, cancel)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-timerCtx.Done():
					return
				case <-ticker.C:
					tick(interval, receivers)
				}
			}
		}()
	}
}

// StopAll sends Stop to every subscriber, drops all subscriber channels,
// cancels timers, and latches StopSent so future subscribers receive Stop
// immediately (spec.md §4.5 Coordinator/Stop and §5 ordering guarantees).
func (d *RunningDataflow) StopAll() {
	for node, ch := range d.SubscribeChannels {
		ch <- wire.NodeEvent{Kind: wire.NodeStreamStop}
		delete(d.SubscribeChannels, node)
	}
	d.StopSent = true

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.timerCancel {
		cancel()
	}
	d.timerCancel = nil
}

// CloseInput removes input from receiver's open set (idempotent: a second
// call is a no-op) and, if the receiver still has a subscriber channel,
// pushes InputClosed and, once the set empties, AllInputsClosed
// (spec.md §4.5 "Input closure").
func (d *RunningDataflow) CloseInput(receiver ids.NodeId, input ids.DataId) {
	open, ok := d.OpenInputs[receiver]
	if ok {
		if _, present := open[input]; !present {
			return
		}
		delete(open, input)
	}
	ch, ok := d.SubscribeChannels[receiver]
	if !ok {
		return
	}
	ch <- wire.NodeEvent{Kind: wire.NodeStreamInputClosed, Id: input}
	if len(d.OpenInputsOf(receiver)) == 0 {
		ch <- wire.NodeEvent{Kind: wire.NodeStreamAllInputsClosed}
	}
}

// DrainClosures implements the "Closure propagation" helper of spec.md
// §4.5: for every local mapping whose OutputId matches filter, CloseInput
// is applied to every receiver; for every external mapping whose OutputId
// matches filter, the entry is drained (removed) and accumulated into the
// returned per-machine batch for the caller to forward upward as a single
// InputsClosed frame.
func (d *RunningDataflow) DrainClosures(filter func(ids.OutputId) bool) map[string][]ids.InputId {
	for output, receivers := range d.Mappings {
		if !filter(output) {
			continue
		}
		for recv := range receivers {
			d.CloseInput(recv.Node, recv.Input)
		}
	}

	drained := make(map[string][]ids.InputId)
	for output, byMachine := range d.OpenExternalMappings {
		if !filter(output) {
			continue
		}
		for machine, set := range byMachine {
			for input := range set {
				drained[machine] = append(drained[machine], input)
			}
		}
		delete(d.OpenExternalMappings, output)
	}
	return drained
}

// RemoveSubscriber drops a node's subscriber channel, e.g. on send
// failure or EventStreamDropped.
func (d *RunningDataflow) RemoveSubscriber(node ids.NodeId) {
	delete(d.SubscribeChannels, node)
}

// RegisterDropToken associates a freshly published drop token with its
// owner and the local consumers that accepted the message, per spec.md
// §4.8: "pending_nodes is populated with every local consumer that
// accepted the message." Called even when consumers is empty, so the
// immediately following CheckDropToken call releases it right away.
func (d *RunningDataflow) RegisterDropToken(token ids.DropToken, owner ids.NodeId, consumers []ids.NodeId) *DropTokenInfo {
	info := &DropTokenInfo{Owner: owner, PendingNodes: make(map[ids.NodeId]struct{}, len(consumers))}
	for _, c := range consumers {
		info.PendingNodes[c] = struct{}{}
	}
	d.PendingDropTokens[token] = info
	return info
}

// CheckDropToken releases a token once its pending set is empty, pushing
// OutputDropped into the owner's drop channel (spec.md §4.8, Invariant 4).
// A missing entry or absent owner channel is reported as an error for the
// caller to log at warn, matching the Protocol error class of spec.md §7.
func (d *RunningDataflow) CheckDropToken(token ids.DropToken) error {
	info, ok := d.PendingDropTokens[token]
	if !ok {
		return fmt.Errorf("check_drop_token called with already closed or unknown token %s", token)
	}
	if len(info.PendingNodes) != 0 {
		return nil
	}
	delete(d.PendingDropTokens, token)
	ch, ok := d.DropChannels[info.Owner]
	if !ok {
		return fmt.Errorf("no drop-subscribe channel for node %q, cannot report drop token %s", info.Owner, token)
	}
	ch <- wire.NodeDropEvent{Kind: wire.NodeDropOutputDropped, DropToken: token}
	return nil
}

// ReportDrop removes node from a token's pending set and checks the token
// for release; an unknown token is reported as an error for the caller to
// log and continue (spec.md §4.5 Node/ReportDrop).
func (d *RunningDataflow) ReportDrop(node ids.NodeId, token ids.DropToken) error {
	info, ok := d.PendingDropTokens[token]
	if !ok {
		return fmt.Errorf("unknown drop token %s", token)
	}
	if _, pending := info.PendingNodes[node]; !pending {
		return fmt.Errorf("node %q is not pending for drop token %s", node, token)
	}
	delete(info.PendingNodes, node)
	return d.CheckDropToken(token)
}
