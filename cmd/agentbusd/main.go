// Command agentbusd is a demo entry point wiring a minimal
// input -> agent -> console pipeline atop the event bus and declarative
// router, in the style of the teacher's cmd/demo: a small main() that
// constructs a runtime, registers a handful of components, and drives the
// main loop from standard input until an exit sentinel or EOF.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/payload"
	"github.com/flowmesh/agentbus/runtime"
	"github.com/flowmesh/agentbus/telemetry"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	var startupTimeout time.Duration
	var shutdownGrace time.Duration
	var agentName string

	root := &cobra.Command{
		Use:   "agentbusd",
		Short: "Run a demo component pipeline on the event bus and router",
		Long: `agentbusd wires a minimal input -> agent -> console pipeline and drives
it from standard input, one line per input, until "exit", ";", or EOF.
It exercises the bootstrap, routing, and shutdown contract implemented by
the runtime package.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), demoOptions{
				startupTimeout: startupTimeout,
				shutdownGrace:  shutdownGrace,
				agentName:      agentName,
			})
		},
	}
	root.Flags().DurationVar(&startupTimeout, "startup-timeout", runtime.DefaultStartupTimeout,
		"per-component timeout for blocking async startup")
	root.Flags().DurationVar(&shutdownGrace, "shutdown-grace", runtime.DefaultShutdownGrace,
		"grace period for draining in-flight work on shutdown")
	root.Flags().StringVar(&agentName, "agent-name", "echo_agent",
		"logical name of the demo agent component")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentbusd", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentbusd:", err)
		os.Exit(1)
	}
}

type demoOptions struct {
	startupTimeout time.Duration
	shutdownGrace  time.Duration
	agentName      string
}

// runDemo bootstraps a runtime with one input, one agent, and the default
// console sink, then drives the main loop from stdin until the process is
// signaled or stdin closes. It returns a non-nil error only for an
// unrecoverable startup failure (bad config, a routing cycle, an
// unresolvable dependency); a clean shutdown returns nil.
func runDemo(ctx context.Context, opts demoOptions) error {
	ctx = log.Context(ctx, log.WithFormat(log.FormatTerminal))
	logger := telemetry.NewClueLogger()

	rt := runtime.New(runtime.Config{
		Logger:         logger,
		StartupTimeout: opts.startupTimeout,
		ShutdownGrace:  opts.shutdownGrace,
	})

	specs := map[string]component.Spec{
		"cli_input": {
			Name: "cli_input",
			Kind: component.KindInput,
			Build: func(ctx context.Context, resolved component.Spec, deps map[string]component.Component) (component.Component, error) {
				return &inputStub{name: resolved.Name}, nil
			},
		},
		opts.agentName: {
			Name: opts.agentName,
			Kind: component.KindAgent,
			Build: func(ctx context.Context, resolved component.Spec, deps map[string]component.Component) (component.Component, error) {
				return &echoAgent{name: resolved.Name}, nil
			},
		},
	}

	if err := rt.Bootstrap(ctx, specs); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(ctx, "cli_input", newStdinSource())
	}()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			logger.Warn(ctx, "main loop exited with error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownGrace+time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// inputStub is a KindInput placeholder: the router never calls Input on it
// (events flow the other way, from Run's EmitFromComponent), it exists only
// to give the input a named slot in the routing table and component graph.
type inputStub struct{ name string }

func (s *inputStub) Name() string         { return s.name }
func (s *inputStub) Kind() component.Kind { return component.KindInput }
func (s *inputStub) To() []string         { return nil }
func (s *inputStub) Input(ctx context.Context, raw any) (any, error) {
	return nil, nil
}

// echoAgent is a minimal KindAgent component: it upper-cases its input and
// returns the result, letting the router auto-emit "agent.response" toward
// the reserved console sink (there are no declared output components in
// this demo graph).
type echoAgent struct{ name string }

func (a *echoAgent) Name() string         { return a.name }
func (a *echoAgent) Kind() component.Kind { return component.KindAgent }
func (a *echoAgent) To() []string         { return nil }

func (a *echoAgent) Input(ctx context.Context, raw any) (any, error) {
	p, ok := raw.(payload.Payload)
	if !ok {
		return nil, nil
	}
	ir, ok := p.(*payload.InputReceived)
	if !ok {
		return nil, nil
	}
	return fmt.Sprintf("you said: %s", strings.ToUpper(ir.Input)), nil
}

// stdinSource implements runtime.InputSource by reading newline-delimited
// lines from standard input. The blocking Scan call runs in a worker
// goroutine so ReadInput stays responsive to context cancellation, per the
// runtime's expectation that a non-cooperative input function be offloaded.
type stdinSource struct {
	scanner *bufio.Scanner
}

func newStdinSource() *stdinSource {
	return &stdinSource{scanner: bufio.NewScanner(os.Stdin)}
}

func (s *stdinSource) ReadInput(ctx context.Context) (string, bool, error) {
	type result struct {
		line string
		ok   bool
	}
	done := make(chan result, 1)
	go func() {
		ok := s.scanner.Scan()
		done <- result{line: s.scanner.Text(), ok: ok}
	}()
	select {
	case r := <-done:
		if !r.ok {
			return "", false, s.scanner.Err()
		}
		return r.line, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}
