package wire

import "github.com/meshflow/meshflow/internal/ids"

// ControlRequestKind discriminates submitter (CLI) -> coordinator control
// connection requests, the concrete realization of spec.md §6 "CLI
// (submitter)".
type ControlRequestKind string

const (
	ControlRun     ControlRequestKind = "run"
	ControlStart   ControlRequestKind = "start"
	ControlStop    ControlRequestKind = "stop"
	ControlDestroy ControlRequestKind = "destroy"
	ControlList    ControlRequestKind = "list"
)

// ControlRequest is one frame sent by meshflowctl to the coordinator.
type ControlRequest struct {
	Kind           ControlRequestKind `json:"kind"`
	DescriptorPath string             `json:"descriptor_path,omitempty"`
	DataflowId     ids.DataflowId     `json:"dataflow_id,omitempty"`
}

// DataflowSummary describes one running dataflow for ControlList.
type DataflowSummary struct {
	DataflowId ids.DataflowId `json:"dataflow_id"`
	Machines   []string       `json:"machines"`
	Ready      []string       `json:"ready_machines"`
}

// NodeReport summarizes one node's exit for the `run` verb's final report.
type NodeReport struct {
	Machine string     `json:"machine"`
	Node    ids.NodeId `json:"node"`
	Error   string     `json:"error,omitempty"`
}

// ControlReply is the coordinator's response to a ControlRequest. Start
// replies immediately with the allocated DataflowId; Run blocks until the
// dataflow finishes and returns NodeReports for any failed node.
type ControlReply struct {
	Error      string            `json:"error,omitempty"`
	DataflowId ids.DataflowId    `json:"dataflow_id,omitempty"`
	Dataflows  []DataflowSummary `json:"dataflows,omitempty"`
	NodeReports []NodeReport     `json:"node_reports,omitempty"`
}
