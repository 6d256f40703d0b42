// Package supervisor spawns node processes and reports their exit status
// back to the daemon event loop (spec.md §4.4). Spawning uses os/exec;
// waiting for many children concurrently without leaking goroutines uses
// golang.org/x/sync/errgroup, the same pattern the teacher pack reaches
// for whenever it needs a bounded set of concurrent waits.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/meshflow/meshflow/internal/descriptor"
	"github.com/meshflow/meshflow/internal/ids"
)

// ExitStatus classifies how a node process ended, mirroring
// original_source's NodeExitStatus enum (spec.md §4.4).
type ExitStatus struct {
	Kind ExitKind
	Code int    // set iff Kind == ExitCode
	Name string // set iff Kind == Signal: the signal's symbolic name
	Err  string // set iff Kind == IoError
}

type ExitKind int

const (
	ExitSuccess ExitKind = iota
	ExitCode
	ExitSignal
	ExitIoError
	ExitUnknown
)

func (s ExitStatus) String() string {
	switch s.Kind {
	case ExitSuccess:
		return "success"
	case ExitCode:
		return fmt.Sprintf("exit code %d", s.Code)
	case ExitSignal:
		return fmt.Sprintf("signal %s", s.Name)
	case ExitIoError:
		return fmt.Sprintf("io error: %s", s.Err)
	default:
		return "unknown exit status"
	}
}

// OK reports whether the node exited cleanly.
func (s ExitStatus) OK() bool { return s.Kind == ExitSuccess }

// statusFromError converts the error returned by (*exec.Cmd).Wait into an
// ExitStatus. The original daemon's signal-name table (reproduced from
// original_source/binaries/daemon/src/lib.rs) maps signal number 22 to
// SIGABRT (the name of signal 6) and 23 to NSIG, which is not a signal
// name. Per spec.md's
// own Design Note on this exact table, we do NOT reproduce that mistake:
// 22 and 23 are mapped to their actual POSIX names (SIGTTOU, SIGURG). Every
// other entry matches the original table and the Linux signal numbering it
// was transcribed from.
func statusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Kind: ExitSuccess}
	}
	var exitErr *exec.ExitError
	if !asExitError(err, &exitErr) {
		return ExitStatus{Kind: ExitIoError, Err: err.Error()}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Kind: ExitUnknown}
	}
	if ws.Signaled() {
		return ExitStatus{Kind: ExitSignal, Name: signalName(int(ws.Signal()))}
	}
	code := ws.ExitStatus()
	if code == 0 {
		return ExitStatus{Kind: ExitSuccess}
	}
	return ExitStatus{Kind: ExitCode, Code: code}
}

func asExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	10: "SIGUSR1",
	11: "SIGSEGV",
	12: "SIGUSR2",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	16: "SIGSTKFLT",
	17: "SIGCHLD",
	18: "SIGCONT",
	19: "SIGSTOP",
	20: "SIGTSTP",
	21: "SIGTTIN",
	22: "SIGTTOU",
	23: "SIGURG",
	24: "SIGXCPU",
	25: "SIGXFSZ",
	26: "SIGVTALRM",
	27: "SIGPROF",
	28: "SIGWINCH",
	29: "SIGIO",
	30: "SIGPWR",
	31: "SIGSYS",
}

func signalName(n int) string {
	if name, ok := signalNames[n]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", n)
}

// Result is delivered on a node's completion, the Go analog of
// DoraEvent::SpawnedNodeResult.
type Result struct {
	DataflowId ids.DataflowId
	NodeId     ids.NodeId
	Status     ExitStatus
}

// Supervisor launches node processes for one dataflow and reports each
// one's exit via results. It owns no dataflow state; the daemon event loop
// folds Results into RunningDataflow.
type Supervisor struct {
	group   *errgroup.Group
	ctx     context.Context
	results chan<- Result
}

// New creates a Supervisor whose child processes are tied to ctx: canceling
// ctx sends SIGKILL to every still-running child (spec.md §4.4 "Destroy").
func New(ctx context.Context, results chan<- Result) *Supervisor {
	group, _ := errgroup.WithContext(context.Background())
	return &Supervisor{group: group, ctx: ctx, results: results}
}

// Spawn starts node's process. stdout/stderr are inherited so operators see
// node output interleaved with daemon logs, matching the teacher's
// cmd/worker and cmd/coordinator binaries, which never redirect their own
// stdio either.
func (s *Supervisor) Spawn(dataflowId ids.DataflowId, node descriptor.ResolvedNode, extraEnv map[string]string) error {
	cmd := exec.Command(node.Command, node.Args...)
	if node.WorkingDir != "" {
		cmd.Dir = node.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range node.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		s.results <- Result{DataflowId: dataflowId, NodeId: node.Id, Status: statusFromError(err)}
		return fmt.Errorf("spawning node %q: %w", node.Id, err)
	}

	s.group.Go(func() error {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-s.ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGKILL)
			err := <-done
			s.results <- Result{DataflowId: dataflowId, NodeId: node.Id, Status: statusFromError(err)}
		case err := <-done:
			s.results <- Result{DataflowId: dataflowId, NodeId: node.Id, Status: statusFromError(err)}
		}
		return nil
	})
	return nil
}

// Wait blocks until every spawned child has been reported.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}
