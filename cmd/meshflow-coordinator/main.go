// Command meshflow-coordinator runs the cross-machine control plane:
// daemon sessions, the ready/finished barriers, and the submitter-facing
// control listener, per spec.md §4.6.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meshflow/meshflow/internal/clog"
	"github.com/meshflow/meshflow/internal/coordinator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		daemonAddr     string
		controlAddr    string
		metricsAddr    string
		defaultMachine string
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "meshflow-coordinator",
		Short: "Run the cross-machine dataflow control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				clog.Enable()
			}

			reg := prometheus.NewRegistry()
			metrics := coordinator.NewMetrics(reg)
			c := coordinator.New(metrics)

			listenedDaemons, err := c.ListenDaemons(daemonAddr)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "meshflow-coordinator listening for daemons on %s\n", listenedDaemons)

			listenedControl, err := c.ListenControl(controlAddr, defaultMachine)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "meshflow-coordinator listening for submitters on %s\n", listenedControl)

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, reg)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}

	cmd.Flags().StringVar(&daemonAddr, "daemon-listen", ":7300", "address to accept daemon connections on")
	cmd.Flags().StringVar(&controlAddr, "control-listen", ":7301", "address to accept meshflowctl connections on")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus metrics on; omit to disable")
	cmd.Flags().StringVar(&defaultMachine, "default-machine", "default", "deploy_machine assumed for nodes that omit one")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	_ = http.ListenAndServe(addr, mux)
}
