// Command meshflowctl is the submitter CLI: it talks to a running
// meshflow-coordinator over its control listener to run, start, stop,
// destroy, and list dataflows, per spec.md §6.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meshflow/meshflow/internal/wire"
)

func dial(addr string) (*wire.Conn, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing coordinator at %s: %w", addr, err)
	}
	return wire.NewConn(raw), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var coordinatorAddr string

	root := &cobra.Command{
		Use:   "meshflowctl",
		Short: "Submit and control dataflows on a meshflow coordinator",
	}
	root.PersistentFlags().StringVar(&coordinatorAddr, "coordinator", "127.0.0.1:7301", "coordinator control-listener address")

	root.AddCommand(
		newRunCmd(&coordinatorAddr),
		newStartCmd(&coordinatorAddr),
		newStopCmd(&coordinatorAddr),
		newDestroyCmd(&coordinatorAddr),
		newListCmd(&coordinatorAddr),
	)
	return root
}

func newRunCmd(coordinatorAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <descriptor.yml>",
		Short: "Spawn a dataflow and block until every node exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendControl(*coordinatorAddr, wire.ControlRequest{Kind: wire.ControlRun, DescriptorPath: args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("dataflow %s finished\n", reply.DataflowId)
			for _, r := range reply.NodeReports {
				fmt.Printf("  %s/%s: %s\n", r.Machine, r.Node, r.Error)
			}
			return nil
		},
	}
}

func newStartCmd(coordinatorAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <descriptor.yml>",
		Short: "Spawn a dataflow and return its id immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendControl(*coordinatorAddr, wire.ControlRequest{Kind: wire.ControlStart, DescriptorPath: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(reply.DataflowId)
			return nil
		},
	}
}

func newStopCmd(coordinatorAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <dataflow-id>",
		Short: "Stop every node of a running dataflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dataflow id %q: %w", args[0], err)
			}
			_, err = sendControl(*coordinatorAddr, wire.ControlRequest{Kind: wire.ControlStop, DataflowId: id})
			return err
		},
	}
}

func newDestroyCmd(coordinatorAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <dataflow-id>",
		Short: "Stop and forget a dataflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dataflow id %q: %w", args[0], err)
			}
			_, err = sendControl(*coordinatorAddr, wire.ControlRequest{Kind: wire.ControlDestroy, DataflowId: id})
			return err
		},
	}
}

func newListCmd(coordinatorAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dataflows known to the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendControl(*coordinatorAddr, wire.ControlRequest{Kind: wire.ControlList})
			if err != nil {
				return err
			}
			for _, df := range reply.Dataflows {
				fmt.Printf("%s  machines=%v  ready=%v\n", df.DataflowId, df.Machines, df.Ready)
			}
			return nil
		},
	}
}

func sendControl(addr string, req wire.ControlRequest) (wire.ControlReply, error) {
	raw, err := dial(addr)
	if err != nil {
		return wire.ControlReply{}, err
	}
	defer raw.Close()
	if err := raw.SendJSON(req); err != nil {
		return wire.ControlReply{}, fmt.Errorf("sending request: %w", err)
	}
	var reply wire.ControlReply
	if err := raw.ReceiveJSON(&reply); err != nil {
		return wire.ControlReply{}, fmt.Errorf("reading reply: %w", err)
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("coordinator: %s", reply.Error)
	}
	return reply, nil
}
