// Command meshflow-daemon runs the per-machine event loop that spawns and
// supervises dataflow nodes and relays their input/output traffic, per
// spec.md §4.5.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meshflow/meshflow/internal/clog"
	"github.com/meshflow/meshflow/internal/daemon"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		machineId       string
		coordinatorAddr string
		nodeAddr        string
		metricsAddr     string
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "meshflow-daemon",
		Short: "Run the per-machine dataflow daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				clog.Enable()
			}

			reg := prometheus.NewRegistry()
			metrics := daemon.NewMetrics(reg)

			var d *daemon.Daemon
			if coordinatorAddr != "" {
				push, req, err := daemon.DialCoordinator(coordinatorAddr, machineId)
				if err != nil {
					return fmt.Errorf("connecting to coordinator: %w", err)
				}
				d = daemon.New(machineId, push, req, metrics)
			} else {
				d = daemon.New(machineId, nil, nil, metrics)
			}

			listenAddr, err := d.ListenNodes(nodeAddr)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "meshflow-daemon %q listening for nodes on %s\n", machineId, listenAddr)

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, reg)
			}

			return d.Run(context.Background())
		},
	}

	cmd.Flags().StringVar(&machineId, "machine-id", "", "this daemon's machine id (required)")
	cmd.Flags().StringVar(&coordinatorAddr, "coordinator", "", "coordinator daemon-listener address; omit to run standalone")
	cmd.Flags().StringVar(&nodeAddr, "listen", "127.0.0.1:0", "address to accept node process connections on")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on; omit to disable")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = cmd.MarkFlagRequired("machine-id")

	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	_ = http.ListenAndServe(addr, mux)
}
