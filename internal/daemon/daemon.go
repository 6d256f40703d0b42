// Package daemon implements the per-machine event loop (spec.md §4.5): a
// single goroutine owns every RunningDataflow on this machine and
// serializes all mutation through one event channel, merging coordinator
// pushes, node IPC requests, child-process exits, and timer ticks the way
// the original implementation merges several stream sources into one
// select loop.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshflow/meshflow/internal/clog"
	"github.com/meshflow/meshflow/internal/dataflow"
	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
	"github.com/meshflow/meshflow/internal/supervisor"
	"github.com/meshflow/meshflow/internal/wire"
)

// eventChanCapacity bounds the dora-event channel (node IPC frames, timer
// ticks and child-exit reports), per spec.md §5: once it is full, senders
// block until the event loop catches up, so a runaway timer shows up as
// backpressure rather than as an ever-growing queue.
const eventChanCapacity = 5

// watchdogInterval is how often the daemon pings the coordinator, per
// spec.md §4.7.
const watchdogInterval = 5 * time.Second

// EventKind discriminates the entries folded into the daemon's single
// event channel.
type EventKind int

const (
	EventNode EventKind = iota
	EventNodeExit
	EventTimerTick
)

// Event is the daemon's internal sum type: exactly one of the pointer
// fields is set, selected by Kind. Coordinator pushes are handled directly
// off runCoordinatorReader's channel rather than folded in here, since
// each one needs a reply written back before the next is read.
type Event struct {
	Kind  EventKind
	Node  *nodeEventEnvelope
	Exit  *supervisor.Result
	Timer *timerEnvelope
}

type nodeEventEnvelope struct {
	event wire.DaemonNodeEvent
	conn  *wire.Conn
}

type timerEnvelope struct {
	dataflowId ids.DataflowId
	interval   time.Duration
	receivers  map[ids.InputId]struct{}
}

// Metrics are the Prometheus collectors the daemon exposes (spec.md §2 A4).
type Metrics struct {
	WatchdogAge     prometheus.Gauge
	RunningDataflows prometheus.Gauge
	RunningNodes    prometheus.Gauge
}

// NewMetrics registers the daemon's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WatchdogAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshflow_daemon_watchdog_age_seconds",
			Help: "Reset to 0 on every successful watchdog round-trip with the coordinator; not advanced between round-trips.",
		}),
		RunningDataflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshflow_daemon_running_dataflows",
			Help: "Number of dataflows currently running on this daemon.",
		}),
		RunningNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshflow_daemon_running_nodes",
			Help: "Number of node processes currently running on this daemon.",
		}),
	}
	reg.MustRegister(m.WatchdogAge, m.RunningDataflows, m.RunningNodes)
	return m
}

// Daemon owns every dataflow running on one machine.
type Daemon struct {
	MachineId string

	log     *clog.Logger
	metrics *Metrics

	// coordinatorPush carries coordinator-initiated pushes (Spawn,
	// AllNodesReady, Output, InputsClosed) and this daemon's replies to
	// them. coordinatorReq carries this daemon's own requests (Watchdog,
	// AllNodesReady, Output, InputsClosed, AllNodesFinished) and the
	// coordinator's acks. Kept as two connections so neither side ever
	// races another reader for the same reply frame.
	coordinatorPush *wire.Conn
	coordinatorReq  *wire.Conn

	mu          sync.Mutex // held while running/supervisors/dataflowCtx/cancelFns are modified; event-loop reads do not take it
	running     map[ids.DataflowId]*dataflow.RunningDataflow
	supervisors map[ids.DataflowId]*supervisor.Supervisor
	dataflowCtx map[ids.DataflowId]context.Context
	cancelFns   map[ids.DataflowId]context.CancelFunc

	events chan Event

	nodeListener net.Listener
}

// New constructs a Daemon. coordinatorPush and coordinatorReq may both be
// nil for a daemon run without a coordinator (meshflow-daemon started
// without --coordinator): the Subscribe barrier then starts each dataflow
// locally as soon as every local node has subscribed (see handleSubscribe).
// Otherwise both must be non-nil; use DialCoordinator to obtain and
// handshake the pair.
func New(machineId string, coordinatorPush, coordinatorReq *wire.Conn, metrics *Metrics) *Daemon {
	return &Daemon{
		MachineId:       machineId,
		log:             clog.New("daemon", "machine", machineId),
		metrics:         metrics,
		coordinatorPush: coordinatorPush,
		coordinatorReq:  coordinatorReq,
		running:         make(map[ids.DataflowId]*dataflow.RunningDataflow),
		supervisors:     make(map[ids.DataflowId]*supervisor.Supervisor),
		dataflowCtx:     make(map[ids.DataflowId]context.Context),
		cancelFns:       make(map[ids.DataflowId]context.CancelFunc),
		events:          make(chan Event, eventChanCapacity),
	}
}

// DialCoordinator opens a daemon's two coordinator connections and
// completes their handshakes.
func DialCoordinator(addr, machineId string) (push, req *wire.Conn, err error) {
	push, err = dialAndHandshake(addr, machineId, wire.RolePush)
	if err != nil {
		return nil, nil, err
	}
	req, err = dialAndHandshake(addr, machineId, wire.RoleRequest)
	if err != nil {
		push.Close()
		return nil, nil, err
	}
	return push, req, nil
}

func dialAndHandshake(addr, machineId string, role wire.HandshakeRole) (*wire.Conn, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing coordinator: %w", err)
	}
	conn := wire.NewConn(raw)
	if err := conn.SendJSON(wire.Handshake{MachineId: machineId, Role: role}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshaking with coordinator: %w", err)
	}
	return conn, nil
}

// ListenNodes opens the local node-IPC listener (spec.md §6, node<->daemon
// protocol over the same framed transport as C1).
func (d *Daemon) ListenNodes(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening for node connections: %w", err)
	}
	d.nodeListener = ln
	go d.acceptNodes(ln)
	return ln.Addr().String(), nil
}

func (d *Daemon) acceptNodes(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if err := wire.ConfigureAccepted(conn); err != nil {
			d.log.Warnw("configuring node connection", "error", err)
		}
		go d.serveNode(wire.NewConn(conn))
	}
}

func (d *Daemon) serveNode(conn *wire.Conn) {
	defer conn.Close()
	for {
		var ev wire.DaemonNodeEvent
		if err := conn.ReceiveJSON(&ev); err != nil {
			d.handleNodeDisconnect(conn)
			return
		}
		d.events <- Event{Kind: EventNode, Node: &nodeEventEnvelope{event: ev, conn: conn}}
	}
}

// Run drives the event loop until ctx is canceled. It is the single
// goroutine that ever mutates a RunningDataflow.
func (d *Daemon) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	var coordinatorPushes chan wire.DaemonCoordinatorEvent
	if d.coordinatorPush != nil {
		coordinatorPushes = d.runCoordinatorReader()
	}

	for {
		select {
		case <-ctx.Done():
			d.stopAllDataflows()
			return ctx.Err()

		case <-sigCh:
			d.log.Infow("received interrupt, stopping all dataflows")
			d.stopAllDataflows()
			return nil

		case <-watchdog.C:
			if err := d.sendWatchdog(); err != nil {
				return fmt.Errorf("watchdog: %w", err)
			}

		case ev, ok := <-coordinatorPushes:
			if !ok {
				return fmt.Errorf("coordinator connection closed")
			}
			reply := d.handleCoordinatorEvent(ev)
			if err := d.coordinatorPush.SendJSON(reply); err != nil {
				return fmt.Errorf("replying to coordinator: %w", err)
			}

		case ev := <-d.events:
			d.dispatch(ev)
		}
	}
}

func (d *Daemon) dispatch(ev Event) {
	switch ev.Kind {
	case EventNode:
		d.handleNodeEvent(ev.Node.event, ev.Node.conn)
	case EventNodeExit:
		d.handleNodeExit(*ev.Exit)
	case EventTimerTick:
		d.handleTimerTick(*ev.Timer)
	}
}

func (d *Daemon) dataflowOrNil(id ids.DataflowId) *dataflow.RunningDataflow {
	return d.running[id]
}

func (d *Daemon) dataflowRunCtx(id ids.DataflowId) context.Context {
	if ctx, ok := d.dataflowCtx[id]; ok {
		return ctx
	}
	return context.Background()
}

// timerTick returns the callback RunningDataflow.Start invokes from its own
// goroutine on every tick. It never touches RunningDataflow state directly
// (that would race with the event loop); it only enqueues a Event for the
// loop to fold in, the same path a node IPC frame takes.
func (d *Daemon) timerTick(dataflowId ids.DataflowId) func(time.Duration, map[ids.InputId]struct{}) {
	return func(interval time.Duration, receivers map[ids.InputId]struct{}) {
		d.events <- Event{Kind: EventTimerTick, Timer: &timerEnvelope{dataflowId: dataflowId, interval: interval, receivers: receivers}}
	}
}

func (d *Daemon) handleTimerTick(t timerEnvelope) {
	df := d.dataflowOrNil(t.dataflowId)
	if df == nil {
		return
	}
	for recv := range t.receivers {
		ch, ok := df.SubscribeChannels[recv.Node]
		if !ok {
			continue
		}
		ch <- wire.NodeEvent{Kind: wire.NodeStreamInput, Id: recv.Input, Metadata: wire.Metadata{Timestamp: time.Now()}}
	}
}

// spawnDataflow implements the Spawn handler of spec.md §4.5: every node
// targeting this machine is registered locally and its process started;
// every other node is recorded as external, and, for User mappings whose
// source output is produced on this machine, a forwarding entry is
// registered so local outputs get relayed upward for that remote consumer.
func (d *Daemon) spawnDataflow(id ids.DataflowId, workingDir string, nodes []descriptor.ResolvedNode, comm descriptor.CommunicationConfig) error {
	df := dataflow.New(id)

	localIds := make(map[ids.NodeId]struct{})
	for _, n := range nodes {
		if n.Machine == d.MachineId {
			localIds[n.Id] = struct{}{}
		}
	}

	dfCtx, cancel := context.WithCancel(context.Background())
	sup := supervisor.New(dfCtx, d.supervisorResultSink())

	for _, n := range nodes {
		if n.Machine != d.MachineId {
			df.RegisterExternalNode(n)
			for inputId, mapping := range n.NodeInputs() {
				if !mapping.IsUser() {
					continue
				}
				if _, local := localIds[mapping.Source]; !local {
					continue
				}
				out := ids.OutputId{Node: mapping.Source, Output: mapping.Output}
				df.RegisterExternalMapping(out, n.Machine, ids.InputId{Node: n.Id, Input: inputId})
			}
			continue
		}
		df.RegisterLocalNode(n)
	}

	d.mu.Lock()
	d.running[id] = df
	d.supervisors[id] = sup
	d.dataflowCtx[id] = dfCtx
	d.cancelFns[id] = cancel
	d.mu.Unlock()

	for _, n := range nodes {
		if n.Machine != d.MachineId {
			continue
		}
		env := map[string]string{
			"MESHFLOW_DATAFLOW_ID": id.String(),
			"MESHFLOW_NODE_ID":     string(n.Id),
		}
		if d.nodeListener != nil {
			env["MESHFLOW_DAEMON_ADDR"] = d.nodeListener.Addr().String()
		}
		if comm.Remote == descriptor.RemoteTCP {
			env["MESHFLOW_COMMUNICATION_REMOTE"] = string(comm.Remote)
		}
		if err := sup.Spawn(id, n, env); err != nil {
			d.log.Errorw("spawning node", "node", n.Id, "error", err)
		}
	}
	return nil
}

func (d *Daemon) supervisorResultSink() chan<- supervisor.Result {
	ch := make(chan supervisor.Result, 16)
	go func() {
		for r := range ch {
			d.events <- Event{Kind: EventNodeExit, Exit: &r}
		}
	}()
	return ch
}

func (d *Daemon) stopAllDataflows() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, df := range d.running {
		df.StopAll()
		if cancel, ok := d.cancelFns[id]; ok {
			cancel()
		}
	}
}

func (d *Daemon) sendWatchdog() error {
	if d.coordinatorReq == nil {
		return nil
	}
	req := wire.CoordinatorRequest{MachineId: d.MachineId, Event: wire.DaemonEvent{Kind: wire.DaemonEventWatchdog}}
	if err := d.coordinatorReq.SendJSON(req); err != nil {
		return err
	}
	var ack wire.CoordinatorAck
	if err := d.coordinatorReq.ReceiveJSON(&ack); err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("coordinator rejected watchdog: %s", ack.Error)
	}
	if d.metrics != nil {
		d.metrics.WatchdogAge.Set(0)
	}
	return nil
}

func (d *Daemon) runCoordinatorReader() chan wire.DaemonCoordinatorEvent {
	out := make(chan wire.DaemonCoordinatorEvent)
	go func() {
		defer close(out)
		for {
			var ev wire.DaemonCoordinatorEvent
			if err := d.coordinatorPush.ReceiveJSON(&ev); err != nil {
				d.log.Warnw("coordinator connection lost", "error", err)
				return
			}
			out <- ev
		}
	}()
	return out
}
