// Package descriptor models a dataflow graph after alias/default
// resolution: nodes, their input mappings, outputs, and deployment
// machine. Reading and validating the raw YAML descriptor file is
// implemented here in a minimal, spec-faithful form; a full-featured
// schema, editor tooling, and versioned migration story for the
// descriptor format are out of scope (spec.md §1 names the descriptor
// parser as an external collaborator).
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshflow/meshflow/internal/ids"
)

// NodeKind distinguishes a Custom node (an arbitrary external process)
// from a Runtime node (a process hosting one or more operators).
type NodeKind int

const (
	KindCustom NodeKind = iota
	KindRuntime
)

func (k NodeKind) String() string {
	if k == KindRuntime {
		return "runtime"
	}
	return "custom"
}

// MarshalJSON implements json.Marshaler.
func (k NodeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "", "custom":
		*k = KindCustom
	case "runtime":
		*k = KindRuntime
	default:
		return fmt.Errorf("unknown node kind %q", s)
	}
	return nil
}

// RemoteCommunication is currently a single variant but kept as its own
// type for forward compatibility, per spec.md §9.
type RemoteCommunication string

const RemoteTCP RemoteCommunication = "tcp"

// CommunicationConfig travels unchanged to every daemon in the Spawn
// payload. Only communication.remote is used there: a Tcp value is exported
// to node processes as MESHFLOW_COMMUNICATION_REMOTE. Local is not passed
// on to the node supervisor or to node processes.
type CommunicationConfig struct {
	Remote RemoteCommunication `yaml:"remote" json:"remote"`
	Local  map[string]any      `yaml:"local,omitempty" json:"local,omitempty"`
}

// InputMapping is a tagged variant: either a User mapping from another
// node's output, or a Timer firing at a fixed interval. On the wire and in
// YAML it is written as a single string, following the descriptor format's
// own convention: "node_id/output_id" for a User mapping, or
// "dora/timer/<duration>" (e.g. "dora/timer/100ms") for a Timer mapping.
type InputMapping struct {
	Source   ids.NodeId    // set iff IsTimer is false
	Output   ids.DataId    // set iff IsTimer is false
	Interval time.Duration // set iff IsTimer is true
	IsTimer  bool
}

// IsUser reports whether this mapping is a User(source, output) variant.
func (m InputMapping) IsUser() bool { return !m.IsTimer }

const timerPrefix = "dora/timer/"

func (m InputMapping) String() string {
	if m.IsTimer {
		return timerPrefix + m.Interval.String()
	}
	return fmt.Sprintf("%s/%s", m.Source, m.Output)
}

func parseInputMapping(s string) (InputMapping, error) {
	if rest, ok := strings.CutPrefix(s, timerPrefix); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return InputMapping{}, fmt.Errorf("invalid timer interval %q: %w", rest, err)
		}
		return InputMapping{IsTimer: true, Interval: d}, nil
	}
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return InputMapping{}, fmt.Errorf("invalid input mapping %q: expected \"node/output\" or %q", s, timerPrefix+"<duration>")
	}
	return InputMapping{Source: ids.NodeId(s[:i]), Output: ids.DataId(s[i+1:])}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *InputMapping) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseInputMapping(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m InputMapping) MarshalYAML() (any, error) {
	return m.String(), nil
}

// MarshalJSON implements json.Marshaler, used when the mapping travels in
// a wire.ResolvedNode payload.
func (m InputMapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *InputMapping) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := parseInputMapping(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// RuntimeOperator is one operator inside a Runtime node, with its own
// input/output namespace.
type RuntimeOperator struct {
	Id      ids.OperatorId          `yaml:"id" json:"id"`
	Inputs  map[ids.DataId]InputMapping `yaml:"inputs" json:"inputs"`
	Outputs []ids.DataId            `yaml:"outputs" json:"outputs"`
}

// ResolvedNode is one node after alias/default resolution.
type ResolvedNode struct {
	Id      ids.NodeId `yaml:"id" json:"id"`
	Machine string     `yaml:"deploy_machine" json:"deploy_machine"`
	Kind    NodeKind   `yaml:"-" json:"kind"`

	// Custom-kind fields.
	Command    string                      `yaml:"command,omitempty" json:"command,omitempty"`
	Args       []string                    `yaml:"args,omitempty" json:"args,omitempty"`
	WorkingDir string                      `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Env        map[string]string           `yaml:"env,omitempty" json:"env,omitempty"`
	Inputs     map[ids.DataId]InputMapping `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs    []ids.DataId                `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Runtime-kind fields.
	Operators []RuntimeOperator `yaml:"operators,omitempty" json:"operators,omitempty"`
}

// NodeInputs flattens a node's Custom/Runtime inputs into a single
// DataId -> InputMapping map, prefixing runtime operator input ids with
// "{operator_id}/".
func (n ResolvedNode) NodeInputs() map[ids.DataId]InputMapping {
	switch n.Kind {
	case KindCustom:
		out := make(map[ids.DataId]InputMapping, len(n.Inputs))
		for k, v := range n.Inputs {
			out[k] = v
		}
		return out
	case KindRuntime:
		out := make(map[ids.DataId]InputMapping)
		for _, op := range n.Operators {
			for inner, mapping := range op.Inputs {
				out[ids.OperatorInputId(op.Id, inner)] = mapping
			}
		}
		return out
	default:
		return nil
	}
}

// UnmarshalYAML implements yaml.Unmarshaler, translating the descriptor's
// "kind: custom|runtime" string field into NodeKind.
func (n *ResolvedNode) UnmarshalYAML(value *yaml.Node) error {
	type rawNode ResolvedNode
	var aux struct {
		Kind string `yaml:"kind"`
		rawNode `yaml:",inline"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*n = ResolvedNode(aux.rawNode)
	switch aux.Kind {
	case "", "custom":
		n.Kind = KindCustom
	case "runtime":
		n.Kind = KindRuntime
	default:
		return fmt.Errorf("node %q: unknown kind %q", aux.rawNode.Id, aux.Kind)
	}
	return nil
}

// NodeOutputs yields a node's effective output ids, prefixing runtime operator
// outputs with "{operator_id}/".
func (n ResolvedNode) NodeOutputs() []ids.DataId {
	switch n.Kind {
	case KindCustom:
		return append([]ids.DataId(nil), n.Outputs...)
	case KindRuntime:
		var out []ids.DataId
		for _, op := range n.Operators {
			for _, o := range op.Outputs {
				out = append(out, ids.OperatorInputId(op.Id, o))
			}
		}
		return out
	default:
		return nil
	}
}

// Descriptor is the raw, not-yet-resolved dataflow graph as read from a
// YAML file.
type Descriptor struct {
	Nodes         []ResolvedNode       `yaml:"nodes"`
	Communication CommunicationConfig  `yaml:"communication"`
}

// Read loads and parses a descriptor file.
func Read(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor %s: %w", path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	return &d, nil
}

// WorkingDir canonicalizes the descriptor's directory, per spec.md §4.6
// step 3.
func WorkingDir(descriptorPath string) (string, error) {
	abs, err := filepath.Abs(descriptorPath)
	if err != nil {
		return "", fmt.Errorf("canonicalizing dataflow path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("canonicalizing dataflow path: %w", err)
	}
	return filepath.Dir(resolved), nil
}

// Check validates the descriptor's referential integrity: node ids must be
// unique, and every User mapping's source node and output must exist among
// the declared nodes (spec.md §3 Invariant 5). Every input has a mapping by
// construction, since inputs are declared as a map to their mappings. The
// graph's shape (for example cycles) is not checked.
func (d *Descriptor) Check() error {
	nodeIds := make(map[ids.NodeId]ResolvedNode, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, dup := nodeIds[n.Id]; dup {
			return fmt.Errorf("duplicate node id %q", n.Id)
		}
		nodeIds[n.Id] = n
	}
	for _, n := range d.Nodes {
		for inputId, mapping := range n.NodeInputs() {
			if !mapping.IsUser() {
				continue
			}
			source, ok := nodeIds[mapping.Source]
			if !ok {
				return fmt.Errorf("node %q input %q maps to unknown source node %q", n.Id, inputId, mapping.Source)
			}
			if !containsDataId(source.NodeOutputs(), mapping.Output) {
				return fmt.Errorf("node %q input %q maps to unknown output %q of node %q", n.Id, inputId, mapping.Output, mapping.Source)
			}
		}
	}
	return nil
}

func containsDataId(haystack []ids.DataId, needle ids.DataId) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// ResolveAliasesAndSetDefaults resolves node aliases and applies defaults.
// In this core there are no aliases beyond the node's own id and no
// optional fields requiring defaulting beyond an empty deploy machine
// meaning defaultMachine, so resolution here is the identity
// transform plus that single default — the richer alias grammar (node
// groups, templated ids) lives in the external descriptor tooling.
func (d *Descriptor) ResolveAliasesAndSetDefaults(defaultMachine string) []ResolvedNode {
	out := make([]ResolvedNode, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.Machine == "" {
			n.Machine = defaultMachine
		}
		out[i] = n
	}
	return out
}

// Machines returns the distinct set of deployment machines across nodes,
// in a deterministic (sorted) order so repeated computations over the same
// descriptor are stable regardless of slice iteration order (Round-trip
// law R1).
func Machines(nodes []ResolvedNode) []string {
	set := make(map[string]struct{})
	for _, n := range nodes {
		set[n.Machine] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
