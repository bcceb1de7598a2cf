package runtime

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/payload"
)

// ConsoleOutput is the built-in sink registered under
// component.ConsoleOutputName, always available as a routing target (spec
// §6): it prints delivered payloads to the operating system's standard
// output and never returns a result, so the router never auto-emits a
// response on its behalf.
type ConsoleOutput struct {
	w io.Writer
}

// NewConsoleOutput constructs the reserved console sink. w defaults to
// os.Stdout when nil.
func NewConsoleOutput(w io.Writer) *ConsoleOutput {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleOutput{w: w}
}

func (c *ConsoleOutput) Name() string         { return component.ConsoleOutputName }
func (c *ConsoleOutput) Kind() component.Kind { return component.KindOutput }
func (c *ConsoleOutput) To() []string         { return nil }

// Input prints payload to the console and returns nil, since this is a
// terminal sink with nothing further to route.
func (c *ConsoleOutput) Input(ctx context.Context, raw any) (any, error) {
	if p, ok := raw.(payload.Payload); ok {
		fmt.Fprintf(c.w, "[%s] %+v\n", p.Event(), p)
		return nil, nil
	}
	fmt.Fprintf(c.w, "%v\n", raw)
	return nil, nil
}
