// Package coordinator implements the cross-machine control plane (spec.md
// §4.6): it tracks one session per daemon, brokers the all-nodes-ready
// barrier and output/input-closure relay across machines, and answers
// submitter (meshflowctl) control requests.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshflow/meshflow/internal/clog"
	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
	"github.com/meshflow/meshflow/internal/wire"
)

// watchdogTimeout is how long a daemon may stay silent before the
// coordinator marks it unhealthy (spec.md §4.7, three missed 5s intervals).
const watchdogTimeout = 15 * time.Second

// Metrics are the Prometheus collectors the coordinator exposes.
type Metrics struct {
	ConnectedDaemons prometheus.Gauge
	RunningDataflows prometheus.Gauge
	UnhealthyDaemons prometheus.Gauge
}

// NewMetrics registers the coordinator's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedDaemons: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshflow_coordinator_connected_daemons",
			Help: "Number of daemons currently connected to the coordinator.",
		}),
		RunningDataflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshflow_coordinator_running_dataflows",
			Help: "Number of dataflows currently tracked by the coordinator.",
		}),
		UnhealthyDaemons: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshflow_coordinator_unhealthy_daemons",
			Help: "Number of connected daemons that have missed 3 consecutive watchdog intervals.",
		}),
	}
	reg.MustRegister(m.ConnectedDaemons, m.RunningDataflows, m.UnhealthyDaemons)
	return m
}

// daemonSession is one daemon's pair of coordinator connections: pushConn
// carries coordinator-initiated events and the daemon's replies to them,
// reqConn carries the daemon's own requests and this coordinator's acks.
// Splitting them means push() never races serveRequests' read loop for
// the same inbound frame.
type daemonSession struct {
	machineId string

	connMu   sync.Mutex
	pushConn *wire.Conn
	reqConn  *wire.Conn

	pushMu sync.Mutex // serializes whole push-send/reply-receive cycles on pushConn

	mu           sync.Mutex
	lastWatchdog time.Time
}

func (s *daemonSession) healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastWatchdog) < watchdogTimeout
}

func (s *daemonSession) touch() {
	s.mu.Lock()
	s.lastWatchdog = time.Now()
	s.mu.Unlock()
}

// push sends ev to the daemon over its push connection and waits for the
// matching reply.
func (s *daemonSession) push(ev wire.DaemonCoordinatorEvent) (wire.DaemonCoordinatorReply, error) {
	s.connMu.Lock()
	conn := s.pushConn
	s.connMu.Unlock()
	if conn == nil {
		return wire.DaemonCoordinatorReply{}, fmt.Errorf("daemon %q has no push connection", s.machineId)
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if err := conn.SendJSON(ev); err != nil {
		return wire.DaemonCoordinatorReply{}, err
	}
	var reply wire.DaemonCoordinatorReply
	if err := conn.ReceiveJSON(&reply); err != nil {
		return wire.DaemonCoordinatorReply{}, err
	}
	return reply, nil
}

// dataflowState is the coordinator's per-dataflow bookkeeping: it knows
// which machines participate and tracks the two barriers (ready, finished)
// that span them (spec.md §4.6/§4.5).
type dataflowState struct {
	id       ids.DataflowId
	machines []string

	mu               sync.Mutex
	readyMachines    map[string]struct{}
	finishedMachines map[string]struct{}
	errs             []wire.NodeReport
	done             chan struct{}
}

func newDataflowState(id ids.DataflowId, machines []string) *dataflowState {
	return &dataflowState{
		id:               id,
		machines:         machines,
		readyMachines:    make(map[string]struct{}),
		finishedMachines: make(map[string]struct{}),
		done:             make(chan struct{}),
	}
}

func (s *dataflowState) markReady(machine string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyMachines[machine] = struct{}{}
	return len(s.readyMachines) == len(s.machines)
}

func (s *dataflowState) markFinished(machine string, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedMachines[machine] = struct{}{}
	if errMsg != "" {
		s.errs = append(s.errs, wire.NodeReport{Machine: machine, Error: errMsg})
	}
	return len(s.finishedMachines) == len(s.machines)
}

// Coordinator owns every daemon session and every dataflow it has spawned.
type Coordinator struct {
	log     *clog.Logger
	metrics *Metrics

	mu        sync.Mutex
	daemons   map[string]*daemonSession
	dataflows map[ids.DataflowId]*dataflowState
}

// New constructs a Coordinator.
func New(metrics *Metrics) *Coordinator {
	return &Coordinator{
		log:       clog.New("coordinator"),
		metrics:   metrics,
		daemons:   make(map[string]*daemonSession),
		dataflows: make(map[ids.DataflowId]*dataflowState),
	}
}

// AdoptConnection reads the connection's handshake, attaches it to the
// named daemon's session, and for a request connection serves it until it
// closes (spec.md §4.2). It blocks when the role is RoleRequest; call it
// in its own goroutine per accepted connection. A push connection returns
// immediately after registration; nothing reads from it until this
// coordinator pushes an event and awaits its reply.
func (c *Coordinator) AdoptConnection(conn *wire.Conn) error {
	var hs wire.Handshake
	if err := conn.ReceiveJSON(&hs); err != nil {
		return fmt.Errorf("reading daemon handshake: %w", err)
	}
	sess := c.sessionFor(hs.MachineId)

	switch hs.Role {
	case wire.RolePush:
		sess.connMu.Lock()
		sess.pushConn = conn
		sess.connMu.Unlock()
		return nil
	case wire.RoleRequest:
		sess.connMu.Lock()
		sess.reqConn = conn
		sess.connMu.Unlock()
		return c.serveRequests(sess, conn)
	default:
		return fmt.Errorf("unknown handshake role %q", hs.Role)
	}
}

func (c *Coordinator) sessionFor(machineId string) *daemonSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.daemons[machineId]
	if !ok {
		sess = &daemonSession{machineId: machineId, lastWatchdog: time.Now()}
		c.daemons[machineId] = sess
	}
	return sess
}

// serveRequests reads daemon-initiated requests off a session's request
// connection until it closes, replying to each in turn.
func (c *Coordinator) serveRequests(sess *daemonSession, conn *wire.Conn) error {
	if c.metrics != nil {
		c.metrics.ConnectedDaemons.Set(float64(c.daemonCount()))
	}
	defer func() {
		c.mu.Lock()
		delete(c.daemons, sess.machineId)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ConnectedDaemons.Set(float64(c.daemonCount()))
		}
	}()

	for {
		var req wire.CoordinatorRequest
		if err := conn.ReceiveJSON(&req); err != nil {
			return fmt.Errorf("daemon %s disconnected: %w", sess.machineId, err)
		}
		ack := c.handleDaemonEvent(req)
		if err := conn.SendJSON(ack); err != nil {
			return fmt.Errorf("acking daemon %s: %w", sess.machineId, err)
		}
	}
}

func (c *Coordinator) daemonCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.daemons)
}

// watchDaemonHealth polls every session's watchdog liveness on an interval
// and republishes the count of daemons that have missed it, the same
// last-seen-timestamp sweep the teacher's tracker runs over its peers.
func (c *Coordinator) watchDaemonHealth(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		sessions := make([]*daemonSession, 0, len(c.daemons))
		for _, sess := range c.daemons {
			sessions = append(sessions, sess)
		}
		c.mu.Unlock()

		unhealthy := 0
		for _, sess := range sessions {
			if !sess.healthy() {
				unhealthy++
			}
		}
		if c.metrics != nil {
			c.metrics.UnhealthyDaemons.Set(float64(unhealthy))
		}
	}
}

func (c *Coordinator) daemonSessionFor(machine string) (*daemonSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.daemons[machine]
	return s, ok
}

func (c *Coordinator) dataflowState(id ids.DataflowId) (*dataflowState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.dataflows[id]
	return s, ok
}

// handleDaemonEvent implements every DaemonEvent kind a daemon can push
// (spec.md §4.5/§4.7): Watchdog, AllNodesReady, Output, InputsClosed,
// AllNodesFinished.
func (c *Coordinator) handleDaemonEvent(req wire.CoordinatorRequest) wire.CoordinatorAck {
	sess, ok := c.daemonSessionFor(req.MachineId)
	if !ok {
		return wire.CoordinatorAck{Error: fmt.Sprintf("unknown machine %q", req.MachineId)}
	}

	switch req.Event.Kind {
	case wire.DaemonEventWatchdog:
		sess.touch()
		return wire.CoordinatorAck{}

	case wire.DaemonEventAllNodesReady:
		df, ok := c.dataflowState(req.Event.DataflowId)
		if !ok {
			return wire.CoordinatorAck{Error: fmt.Sprintf("unknown dataflow %s", req.Event.DataflowId)}
		}
		if df.markReady(req.MachineId) {
			c.broadcastAllNodesReady(df)
		}
		return wire.CoordinatorAck{}

	case wire.DaemonEventOutput:
		c.relayOutput(req.Event)
		return wire.CoordinatorAck{}

	case wire.DaemonEventInputsClosed:
		c.relayInputsClosed(req.Event)
		return wire.CoordinatorAck{}

	case wire.DaemonEventAllNodesFinished:
		df, ok := c.dataflowState(req.Event.DataflowId)
		if !ok {
			return wire.CoordinatorAck{Error: fmt.Sprintf("unknown dataflow %s", req.Event.DataflowId)}
		}
		if df.markFinished(req.MachineId, req.Event.Error) {
			close(df.done)
		}
		return wire.CoordinatorAck{}

	default:
		return wire.CoordinatorAck{Error: fmt.Sprintf("unknown daemon event kind %q", req.Event.Kind)}
	}
}

func (c *Coordinator) broadcastAllNodesReady(df *dataflowState) {
	for _, machine := range df.machines {
		sess, ok := c.daemonSessionFor(machine)
		if !ok {
			continue
		}
		go func(sess *daemonSession) {
			if _, err := sess.push(wire.DaemonCoordinatorEvent{Kind: wire.EventAllNodesReady, DataflowId: df.id}); err != nil {
				c.log.Warnw("pushing all_nodes_ready", "machine", sess.machineId, "error", err)
			}
		}(sess)
	}
}

func (c *Coordinator) relayOutput(ev wire.DaemonEvent) {
	for _, machine := range ev.TargetMachines {
		sess, ok := c.daemonSessionFor(machine)
		if !ok {
			continue
		}
		push := wire.DaemonCoordinatorEvent{
			Kind:       wire.EventOutput,
			DataflowId: ev.DataflowId,
			NodeId:     ev.SourceNode,
			OutputId:   ev.OutputId,
			Metadata:   ev.Metadata,
			Data:       ev.Data,
		}
		if _, err := sess.push(push); err != nil {
			c.log.Warnw("relaying output", "machine", machine, "error", err)
		}
	}
}

func (c *Coordinator) relayInputsClosed(ev wire.DaemonEvent) {
	for _, batch := range ev.InputsByMachine {
		sess, ok := c.daemonSessionFor(batch.Machine)
		if !ok {
			continue
		}
		push := wire.DaemonCoordinatorEvent{
			Kind:       wire.EventInputsClosed,
			DataflowId: ev.DataflowId,
			Inputs:     batch.Inputs,
		}
		if _, err := sess.push(push); err != nil {
			c.log.Warnw("relaying inputs_closed", "machine", batch.Machine, "error", err)
		}
	}
}

// Spawn implements spec.md §4.6's descriptor -> running dataflow path: the
// descriptor is validated, resolved, and its full node list sent to every
// participating machine's daemon. If any daemon fails its spawn, the
// daemons already spawned are sent StopDataflow for the new id.
func (c *Coordinator) Spawn(desc *descriptor.Descriptor, workingDir, defaultMachine string) (ids.DataflowId, error) {
	if err := desc.Check(); err != nil {
		return ids.DataflowId{}, fmt.Errorf("invalid descriptor: %w", err)
	}
	nodes := desc.ResolveAliasesAndSetDefaults(defaultMachine)
	machines := descriptor.Machines(nodes)

	for _, m := range machines {
		sess, ok := c.daemonSessionFor(m)
		if !ok {
			return ids.DataflowId{}, fmt.Errorf("no daemon connected for machine %q", m)
		}
		if !sess.healthy() {
			return ids.DataflowId{}, fmt.Errorf("daemon for machine %q has missed its watchdog, refusing to spawn", m)
		}
	}

	id := ids.NewDataflowId()
	state := newDataflowState(id, machines)

	spawn := &wire.SpawnDataflowNodes{
		DataflowId:    id,
		WorkingDir:    workingDir,
		Nodes:         nodes,
		Communication: desc.Communication,
	}
	var spawned []*daemonSession
	stopSpawned := func() {
		for _, s := range spawned {
			if _, err := s.push(wire.DaemonCoordinatorEvent{Kind: wire.EventStopDataflow, DataflowId: id}); err != nil {
				c.log.Warnw("stopping partially spawned dataflow", "machine", s.machineId, "error", err)
			}
		}
	}
	for _, m := range machines {
		sess, _ := c.daemonSessionFor(m)
		reply, err := sess.push(wire.DaemonCoordinatorEvent{Kind: wire.EventSpawn, Spawn: spawn})
		if err != nil {
			stopSpawned()
			return ids.DataflowId{}, fmt.Errorf("spawning on machine %q: %w", m, err)
		}
		if !reply.OK() {
			stopSpawned()
			return ids.DataflowId{}, fmt.Errorf("machine %q rejected spawn: %s", m, reply.Error)
		}
		spawned = append(spawned, sess)
	}

	c.mu.Lock()
	c.dataflows[id] = state
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RunningDataflows.Set(float64(len(c.dataflows)))
	}
	return id, nil
}

// Stop implements spec.md §4.6 Stop: every machine's RunningDataflow is
// told to stop all its nodes.
func (c *Coordinator) Stop(id ids.DataflowId) error {
	state, ok := c.dataflowState(id)
	if !ok {
		return fmt.Errorf("unknown dataflow %s", id)
	}
	var firstErr error
	for _, m := range state.machines {
		sess, ok := c.daemonSessionFor(m)
		if !ok {
			continue
		}
		if _, err := sess.push(wire.DaemonCoordinatorEvent{Kind: wire.EventStopDataflow, DataflowId: id}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy implements spec.md §4.6 Destroy: every machine tears down and
// forgets the dataflow, and the coordinator drops its own bookkeeping.
func (c *Coordinator) Destroy(id ids.DataflowId) error {
	state, ok := c.dataflowState(id)
	if !ok {
		return fmt.Errorf("unknown dataflow %s", id)
	}
	var firstErr error
	for _, m := range state.machines {
		sess, ok := c.daemonSessionFor(m)
		if !ok {
			continue
		}
		if _, err := sess.push(wire.DaemonCoordinatorEvent{Kind: wire.EventDestroy, DataflowId: id}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	delete(c.dataflows, id)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RunningDataflows.Set(float64(c.dataflowCount()))
	}
	return firstErr
}

func (c *Coordinator) dataflowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dataflows)
}

// AwaitFinished blocks until every machine reports AllNodesFinished for id,
// for the `run` CLI verb (spec.md §6).
func (c *Coordinator) AwaitFinished(id ids.DataflowId) ([]wire.NodeReport, error) {
	state, ok := c.dataflowState(id)
	if !ok {
		return nil, fmt.Errorf("unknown dataflow %s", id)
	}
	<-state.done
	state.mu.Lock()
	reports := append([]wire.NodeReport(nil), state.errs...)
	state.mu.Unlock()
	return reports, nil
}

// List implements spec.md §6's supplemented `list` verb.
func (c *Coordinator) List() []wire.DataflowSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.DataflowSummary, 0, len(c.dataflows))
	for id, state := range c.dataflows {
		state.mu.Lock()
		ready := make([]string, 0, len(state.readyMachines))
		for m := range state.readyMachines {
			ready = append(ready, m)
		}
		state.mu.Unlock()
		out = append(out, wire.DataflowSummary{DataflowId: id, Machines: state.machines, Ready: ready})
	}
	return out
}
