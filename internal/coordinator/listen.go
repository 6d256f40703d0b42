package coordinator

import (
	"fmt"
	"net"
	"time"

	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/wire"
)

// healthSweepInterval is how often watchDaemonHealth re-checks every
// session against watchdogTimeout.
const healthSweepInterval = 5 * time.Second

// ListenDaemons opens the coordinator's daemon-facing listener (spec.md
// §4.2's per-machine daemon connections). Each accepted connection is
// handed to AdoptConnection in its own goroutine, and a background sweep
// starts tracking daemon liveness for the unhealthy-daemons gauge.
func (c *Coordinator) ListenDaemons(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening for daemons: %w", err)
	}
	if c.metrics != nil {
		go c.watchDaemonHealth(healthSweepInterval)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if err := wire.ConfigureAccepted(conn); err != nil {
				c.log.Warnw("configuring daemon connection", "error", err)
			}
			go func(conn net.Conn) {
				if err := c.AdoptConnection(wire.NewConn(conn)); err != nil {
					c.log.Warnw("daemon connection ended", "error", err)
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), nil
}

// ListenControl opens the coordinator's submitter-facing listener
// (meshflowctl's run/start/stop/destroy/list verbs, spec.md §6).
func (c *Coordinator) ListenControl(addr, defaultMachine string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening for submitters: %w", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go c.serveControl(wire.NewConn(conn), defaultMachine)
		}
	}()
	return ln.Addr().String(), nil
}

func (c *Coordinator) serveControl(conn *wire.Conn, defaultMachine string) {
	defer conn.Close()
	var req wire.ControlRequest
	if err := conn.ReceiveJSON(&req); err != nil {
		return
	}
	reply := c.handleControlRequest(req, defaultMachine)
	_ = conn.SendJSON(reply)
}

func (c *Coordinator) handleControlRequest(req wire.ControlRequest, defaultMachine string) wire.ControlReply {
	switch req.Kind {
	case wire.ControlStart:
		desc, err := descriptor.Read(req.DescriptorPath)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		workingDir, err := descriptor.WorkingDir(req.DescriptorPath)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		id, err := c.Spawn(desc, workingDir, defaultMachine)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		return wire.ControlReply{DataflowId: id}

	case wire.ControlRun:
		desc, err := descriptor.Read(req.DescriptorPath)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		workingDir, err := descriptor.WorkingDir(req.DescriptorPath)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		id, err := c.Spawn(desc, workingDir, defaultMachine)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		reports, err := c.AwaitFinished(id)
		if err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		return wire.ControlReply{DataflowId: id, NodeReports: reports}

	case wire.ControlStop:
		if err := c.Stop(req.DataflowId); err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		return wire.ControlReply{DataflowId: req.DataflowId}

	case wire.ControlDestroy:
		if err := c.Destroy(req.DataflowId); err != nil {
			return wire.ControlReply{Error: err.Error()}
		}
		return wire.ControlReply{DataflowId: req.DataflowId}

	case wire.ControlList:
		return wire.ControlReply{Dataflows: c.List()}

	default:
		return wire.ControlReply{Error: fmt.Sprintf("unknown control request kind %q", req.Kind)}
	}
}
