package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/runtime"
)

// slowStarter blocks for delay before returning, simulating a tool-server
// component whose AsyncStartup performs a network round trip.
type slowStarter struct {
	name  string
	delay time.Duration
	err   error
}

func (s *slowStarter) Name() string         { return s.name }
func (s *slowStarter) Kind() component.Kind { return component.KindToolServer }
func (s *slowStarter) To() []string         { return nil }
func (s *slowStarter) Input(ctx context.Context, raw any) (any, error) { return nil, nil }
func (s *slowStarter) AsyncStartup(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// noStartup implements plain component.Component with no AsyncStartup hook.
type noStartup struct{ name string }

func (n *noStartup) Name() string                                  { return n.name }
func (n *noStartup) Kind() component.Kind                          { return component.KindAgent }
func (n *noStartup) To() []string                                  { return nil }
func (n *noStartup) Input(ctx context.Context, raw any) (any, error) { return nil, nil }

func TestCoordinatorMarksFastComponentReady(t *testing.T) {
	c := runtime.NewCoordinator(time.Second, nil)
	fast := &slowStarter{name: "fast", delay: time.Millisecond}
	c.RunBlockingInit(context.Background(), []component.Component{fast})
	assert.True(t, c.Ready("fast"))
}

func TestCoordinatorTimesOutSlowComponent(t *testing.T) {
	c := runtime.NewCoordinator(5*time.Millisecond, nil)
	slow := &slowStarter{name: "slow", delay: 50 * time.Millisecond}
	c.RunBlockingInit(context.Background(), []component.Component{slow})
	assert.False(t, c.Ready("slow"))
}

func TestCoordinatorMarksFailedComponentNotReady(t *testing.T) {
	c := runtime.NewCoordinator(time.Second, nil)
	failing := &slowStarter{name: "failing", delay: time.Millisecond, err: assert.AnError}
	c.RunBlockingInit(context.Background(), []component.Component{failing})
	assert.False(t, c.Ready("failing"))
}

func TestCoordinatorReadyDefaultsTrueForComponentsWithoutAsyncStartup(t *testing.T) {
	c := runtime.NewCoordinator(time.Second, nil)
	c.RunBlockingInit(context.Background(), []component.Component{&noStartup{name: "plain"}})
	assert.True(t, c.Ready("plain"))
}

func TestCoordinatorRunsComponentsConcurrently(t *testing.T) {
	c := runtime.NewCoordinator(time.Second, nil)
	start := time.Now()
	components := []component.Component{
		&slowStarter{name: "a", delay: 30 * time.Millisecond},
		&slowStarter{name: "b", delay: 30 * time.Millisecond},
		&slowStarter{name: "c", delay: 30 * time.Millisecond},
	}
	c.RunBlockingInit(context.Background(), components)
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 80*time.Millisecond, "components should start up in parallel, not sequentially")
	for _, comp := range components {
		assert.True(t, c.Ready(comp.Name()))
	}
}
