package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/telemetry"
)

// DefaultStartupTimeout is the per-component timeout applied to
// AsyncStartup, per spec §4.7's recommended 30s.
const DefaultStartupTimeout = 30 * time.Second

// Coordinator runs blocking initialization for components that opt in by
// implementing component.AsyncStartup, in parallel, each bounded by a
// per-component timeout — grounded on the join-all-with-per-task-timeout
// shape used for registry sync loops in the teacher's runtime/registry
// manager (syncCtx/syncWg), generalized from a ticking sync loop to a
// one-shot fan-out-and-join.
type Coordinator struct {
	timeout time.Duration
	logger  telemetry.Logger

	mu    sync.RWMutex
	ready map[string]bool
}

// NewCoordinator constructs a Coordinator. timeout <= 0 uses
// DefaultStartupTimeout; logger may be nil.
func NewCoordinator(timeout time.Duration, logger telemetry.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Coordinator{timeout: timeout, logger: logger, ready: make(map[string]bool)}
}

// RunBlockingInit awaits AsyncStartup on every component that implements it,
// concurrently, each bounded by the coordinator's timeout. Success, timeout,
// and panic are all tolerated: the coordinator logs and proceeds rather than
// failing the whole runtime, per spec §4.7. A component that completed
// within its timeout is marked ready; one that timed out or errored is not,
// and its own Describable.Description() is expected to return a "loading"
// sentinel until a later RefreshCapabilities-style call succeeds.
func (c *Coordinator) RunBlockingInit(ctx context.Context, components []component.Component) {
	var wg sync.WaitGroup
	for _, comp := range components {
		startable, ok := comp.(component.AsyncStartup)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, s component.AsyncStartup) {
			defer wg.Done()
			c.runOne(ctx, name, s)
		}(comp.Name(), startable)
	}
	wg.Wait()
}

func (c *Coordinator) runOne(ctx context.Context, name string, s component.AsyncStartup) {
	taskCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(taskCtx)
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("async startup panic: %v", r)
			}
		}()
		return s.AsyncStartup(gctx)
	})

	err := g.Wait()
	switch {
	case err == nil:
		c.setReady(name, true)
		c.logger.Info(ctx, "component async startup complete", "component", name)
	case taskCtx.Err() != nil:
		c.setReady(name, false)
		c.logger.Warn(ctx, "component async startup timed out", "component", name, "timeout", c.timeout)
	default:
		c.setReady(name, false)
		c.logger.Warn(ctx, "component async startup failed", "component", name, "error", err)
	}
}

func (c *Coordinator) setReady(name string, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready[name] = ready
}

// Ready reports whether name's blocking startup completed successfully
// before its timeout, per invariant I5 and property P6. Components with no
// AsyncStartup are always considered ready (there is nothing to await).
func (c *Coordinator) Ready(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ready, ok := c.ready[name]
	if !ok {
		return true
	}
	return ready
}
