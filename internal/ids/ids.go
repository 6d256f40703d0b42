// Package ids defines the opaque identifiers shared across the dataflow
// runtime core: dataflow, node, data, and operator ids, plus the composite
// output/input identifiers and drop tokens described in the data model.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DataflowId universally identifies one dataflow submission. Assigned by
// the coordinator at spawn time.
type DataflowId = uuid.UUID

// NewDataflowId allocates a fresh DataflowId.
func NewDataflowId() DataflowId {
	return uuid.New()
}

// NodeId is an opaque interned string, unique within a dataflow.
type NodeId string

// DataId is an opaque interned string, unique within a node's output set
// (or input set).
type DataId string

// OperatorId is an opaque interned string, unique within a runtime node's
// operator list.
type OperatorId string

// DropToken is an opaque 128-bit id generated by a producer when publishing
// a shared-memory buffer.
type DropToken = uuid.UUID

// NewDropToken allocates a fresh DropToken.
func NewDropToken() DropToken {
	return uuid.New()
}

// OutputId identifies one output slot of one node.
type OutputId struct {
	Node   NodeId
	Output DataId
}

func (o OutputId) String() string {
	return fmt.Sprintf("%s/%s", o.Node, o.Output)
}

// InputId identifies one input slot of one node.
type InputId struct {
	Node  NodeId
	Input DataId
}

func (i InputId) String() string {
	return fmt.Sprintf("%s/%s", i.Node, i.Input)
}

// OperatorInputId builds the effective DataId of a runtime node's operator
// input, following the "{operator_id}/{inner_id}" convention from the data
// model.
func OperatorInputId(operator OperatorId, inner DataId) DataId {
	return DataId(fmt.Sprintf("%s/%s", operator, inner))
}

// Short returns the first segment of a UUID-formatted string (up to the
// first hyphen), used to keep log lines readable; returns the input
// unchanged if it is not hyphenated.
func Short(id fmt.Stringer) string {
	s := id.String()
	if i := strings.IndexByte(s, '-'); i != -1 {
		return s[:i]
	}
	return s
}
