package wire

import (
	"time"

	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
)

// Metadata carries the timestamp and tracing parameters attached to every
// input delivered to a node, following spec.md's MetadataParameters.
type Metadata struct {
	Timestamp            time.Time `json:"timestamp"`
	Watermark            uint64    `json:"watermark"`
	Deadline             uint64    `json:"deadline"`
	OpenTelemetryContext string    `json:"open_telemetry_context,omitempty"`
}

// InputRef names one (receiver, input) pair, used in InputsClosed batches.
type InputRef struct {
	Node  ids.NodeId `json:"node"`
	Input ids.DataId `json:"input"`
}

// SpawnDataflowNodes is the payload of a Spawn event.
type SpawnDataflowNodes struct {
	DataflowId    ids.DataflowId                `json:"dataflow_id"`
	WorkingDir    string                        `json:"working_dir"`
	Nodes         []descriptor.ResolvedNode     `json:"nodes"`
	Communication descriptor.CommunicationConfig `json:"communication"`
}

// DaemonCoordinatorEventKind discriminates the coordinator->daemon push
// messages of spec.md §6.
type DaemonCoordinatorEventKind string

const (
	EventSpawn          DaemonCoordinatorEventKind = "spawn"
	EventAllNodesReady  DaemonCoordinatorEventKind = "all_nodes_ready"
	EventReloadDataflow DaemonCoordinatorEventKind = "reload_dataflow"
	EventStopDataflow   DaemonCoordinatorEventKind = "stop_dataflow"
	EventDestroy        DaemonCoordinatorEventKind = "destroy"
	EventWatchdog       DaemonCoordinatorEventKind = "watchdog"
	EventOutput         DaemonCoordinatorEventKind = "output"
	EventInputsClosed   DaemonCoordinatorEventKind = "inputs_closed"
)

// DaemonCoordinatorEvent is one push frame sent from coordinator to daemon.
type DaemonCoordinatorEvent struct {
	Kind DaemonCoordinatorEventKind `json:"kind"`

	Spawn *SpawnDataflowNodes `json:"spawn,omitempty"`

	DataflowId ids.DataflowId `json:"dataflow_id,omitempty"`

	// ReloadDataflow
	NodeId     ids.NodeId      `json:"node_id,omitempty"`
	OperatorId *ids.OperatorId `json:"operator_id,omitempty"`

	// Output relay
	OutputId ids.DataId `json:"output_id,omitempty"`
	Metadata Metadata   `json:"metadata,omitempty"`
	Data     []byte     `json:"data,omitempty"`

	// InputsClosed
	Inputs []InputRef `json:"inputs,omitempty"`
}

// DaemonCoordinatorReplyKind discriminates the daemon's reply to a push
// message, per spec.md §6.
type DaemonCoordinatorReplyKind string

const (
	ReplySpawnResult         DaemonCoordinatorReplyKind = "spawn_result"
	ReplyAllNodesReadyResult DaemonCoordinatorReplyKind = "all_nodes_ready_result"
	ReplyReloadResult        DaemonCoordinatorReplyKind = "reload_result"
	ReplyStopResult          DaemonCoordinatorReplyKind = "stop_result"
	ReplyDestroyResult       DaemonCoordinatorReplyKind = "destroy_result"
	ReplyWatchdogAck         DaemonCoordinatorReplyKind = "watchdog_ack"
)

// DaemonCoordinatorReply is the one-frame reply a daemon sends for every
// push message, and the coordinator reads one reply after every push.
// Output and InputsClosed pushes carry no result of their own; they are
// still answered, with a bare ReplyWatchdogAck.
type DaemonCoordinatorReply struct {
	Kind  DaemonCoordinatorReplyKind `json:"kind"`
	Error string                     `json:"error,omitempty"`
}

// OK reports whether the reply indicates success.
func (r DaemonCoordinatorReply) OK() bool { return r.Error == "" }

// DaemonEventKind discriminates the events a daemon pushes to the
// coordinator (daemon -> coordinator), per spec.md §6.
type DaemonEventKind string

const (
	DaemonEventWatchdog        DaemonEventKind = "watchdog"
	DaemonEventAllNodesReady   DaemonEventKind = "all_nodes_ready"
	DaemonEventOutput          DaemonEventKind = "output"
	DaemonEventInputsClosed    DaemonEventKind = "inputs_closed"
	DaemonEventAllNodesFinished DaemonEventKind = "all_nodes_finished"
)

// MachineInputs groups InputRefs by the machine that must receive the
// corresponding InputsClosed notification.
type MachineInputs struct {
	Machine string     `json:"machine"`
	Inputs  []InputRef `json:"inputs"`
}

// DaemonEvent is the payload of a CoordinatorRequest::Event.
type DaemonEvent struct {
	Kind DaemonEventKind `json:"kind"`

	DataflowId ids.DataflowId `json:"dataflow_id,omitempty"`

	// Output
	SourceNode     ids.NodeId `json:"source_node,omitempty"`
	OutputId       ids.DataId `json:"output_id,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
	Data           []byte     `json:"data,omitempty"`
	TargetMachines []string   `json:"target_machines,omitempty"`

	// InputsClosed, grouped by target machine
	InputsByMachine []MachineInputs `json:"inputs_by_machine,omitempty"`

	// AllNodesFinished
	Error string `json:"error,omitempty"`
}

// CoordinatorRequest is the envelope for every daemon->coordinator frame.
type CoordinatorRequest struct {
	MachineId string      `json:"machine_id"`
	Event     DaemonEvent `json:"event"`
}

// CoordinatorAck acknowledges a CoordinatorRequest.
type CoordinatorAck struct {
	Error string `json:"error,omitempty"`
}

// DaemonNodeEventKind discriminates node->daemon IPC messages.
type DaemonNodeEventKind string

const (
	NodeEventSubscribe          DaemonNodeEventKind = "subscribe"
	NodeEventSubscribeDrop      DaemonNodeEventKind = "subscribe_drop"
	NodeEventCloseOutputs       DaemonNodeEventKind = "close_outputs"
	NodeEventOutputsDone        DaemonNodeEventKind = "outputs_done"
	NodeEventSendOut            DaemonNodeEventKind = "send_out"
	NodeEventReportDrop         DaemonNodeEventKind = "report_drop"
	NodeEventStreamDropped      DaemonNodeEventKind = "event_stream_dropped"
)

// DaemonNodeEvent is one frame sent from a node process to its daemon.
// Every frame names the sender so the daemon can route it to the right
// RunningDataflow without a separate handshake step.
type DaemonNodeEvent struct {
	Kind       DaemonNodeEventKind `json:"kind"`
	DataflowId ids.DataflowId      `json:"dataflow_id"`
	NodeId     ids.NodeId          `json:"node_id"`

	// CloseOutputs
	Outputs []ids.DataId `json:"outputs,omitempty"`

	// SendOut
	OutputId     ids.DataId    `json:"output_id,omitempty"`
	Metadata     Metadata      `json:"metadata,omitempty"`
	Data         []byte        `json:"data,omitempty"`
	HasData      bool          `json:"has_data,omitempty"`
	DropToken    ids.DropToken `json:"drop_token,omitempty"`
	HasDropToken bool          `json:"has_drop_token,omitempty"`

	// ReportDrop
	Tokens []ids.DropToken `json:"tokens,omitempty"`
}

// DaemonReplyKind discriminates the daemon's reply to a node IPC frame.
type DaemonReplyKind string

const (
	NodeReplyResult DaemonReplyKind = "result"
	NodeReplyEvent  DaemonReplyKind = "event"
)

// DaemonReply is sent by the daemon back to a node process. Kind
// NodeReplyResult acknowledges a node request (for Subscribe, only once the
// dataflow starts); Kind NodeReplyEvent is a header frame sent ahead of
// each NodeEvent frame on a subscribed node's connection.
type DaemonReply struct {
	Kind  DaemonReplyKind `json:"kind"`
	Error string          `json:"error,omitempty"`
}

// NodeEventKind discriminates the events a daemon pushes into a node's
// subscribed event stream.
type NodeEventKind string

const (
	NodeStreamInput           NodeEventKind = "input"
	NodeStreamInputClosed     NodeEventKind = "input_closed"
	NodeStreamAllInputsClosed NodeEventKind = "all_inputs_closed"
	NodeStreamStop            NodeEventKind = "stop"
	NodeStreamReload          NodeEventKind = "reload"
)

// NodeEvent is one event delivered to a subscribed node.
type NodeEvent struct {
	Kind NodeEventKind `json:"kind"`

	// Input / InputClosed
	Id       ids.DataId `json:"id,omitempty"`
	Metadata Metadata   `json:"metadata,omitempty"`
	Data     []byte     `json:"data,omitempty"`
	HasData  bool       `json:"has_data,omitempty"`

	// Reload
	OperatorId *ids.OperatorId `json:"operator_id,omitempty"`
}

// NodeDropEventKind discriminates drop-channel events.
type NodeDropEventKind string

const NodeDropOutputDropped NodeDropEventKind = "output_dropped"

// NodeDropEvent notifies an output owner that a drop token was released.
type NodeDropEvent struct {
	Kind       NodeDropEventKind `json:"kind"`
	DropToken  ids.DropToken     `json:"drop_token"`
}
