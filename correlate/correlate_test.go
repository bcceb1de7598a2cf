package correlate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentbus/agentbuserr"
	"github.com/flowmesh/agentbus/component"
	"github.com/flowmesh/agentbus/correlate"
)

type syncComponent struct {
	name   string
	result any
	err    error
}

func (s *syncComponent) Name() string         { return s.name }
func (s *syncComponent) Kind() component.Kind { return component.KindAgent }
func (s *syncComponent) To() []string         { return nil }
func (s *syncComponent) Input(ctx context.Context, p any) (any, error) {
	return s.result, s.err
}

type silentComponent struct{ name string }

func (s *silentComponent) Name() string                                 { return s.name }
func (s *silentComponent) Kind() component.Kind                         { return component.KindAgent }
func (s *silentComponent) To() []string                                 { return nil }
func (s *silentComponent) Input(ctx context.Context, p any) (any, error) { return nil, nil }

func newRegistry(cs ...component.Component) *component.Registry {
	reg := component.NewRegistry()
	for _, c := range cs {
		reg.Register(c)
	}
	return reg
}

func TestRequestReturnsSynchronousResult(t *testing.T) {
	target := &syncComponent{name: "agent", result: "42"}
	c := correlate.New("caller", newRegistry(target))

	result, err := c.Request(context.Background(), "agent", map[string]any{"q": "?"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42", result)
}

func TestRequestToUnknownTargetTimesOutAsResponseTimeout(t *testing.T) {
	c := correlate.New("caller", newRegistry())
	_, err := c.Request(context.Background(), "ghost", nil, 10*time.Millisecond)
	var rte *agentbuserr.ResponseTimeoutError
	require.ErrorAs(t, err, &rte)
	assert.Equal(t, "ghost", rte.Target)
}

func TestRequestComponentErrorIsWrapped(t *testing.T) {
	target := &syncComponent{name: "agent", err: errors.New("boom")}
	c := correlate.New("caller", newRegistry(target))
	_, err := c.Request(context.Background(), "agent", nil, time.Second)
	var ce *agentbuserr.ComponentError
	require.ErrorAs(t, err, &ce)
}

func TestRequestWithNoSynchronousReplyTimesOut(t *testing.T) {
	target := &silentComponent{name: "agent"}
	c := correlate.New("caller", newRegistry(target))
	_, err := c.Request(context.Background(), "agent", nil, 20*time.Millisecond)
	var rte *agentbuserr.ResponseTimeoutError
	require.ErrorAs(t, err, &rte)
}

func TestCancelAllCompletesPendingRequestWithShutdownError(t *testing.T) {
	target := &silentComponent{name: "agent"}
	c := correlate.New("caller", newRegistry(target))

	done := make(chan struct{})
	var result any
	var err error
	go func() {
		result, err = c.Request(context.Background(), "agent", nil, time.Second)
		close(done)
	}()

	// Give Request a moment to register its pending entry, then cancel it
	// the way runtime shutdown does.
	time.Sleep(10 * time.Millisecond)
	// There is no direct way to read the generated request_id from outside,
	// so Resolve is not called here; CancelAll is the shutdown twin of
	// Resolve and completes the same pending entry.
	c.CancelAll("shutdown")
	<-done

	require.Error(t, err)
	var sce *agentbuserr.ShutdownCancelledError
	assert.ErrorAs(t, err, &sce)
	assert.Nil(t, result)
}

func TestRequestBuilderWithoutTargetIsValidationError(t *testing.T) {
	c := correlate.New("caller", newRegistry())
	_, err := c.NewRequest(nil).Do(context.Background())
	var verr *agentbuserr.ValidationErrorKind
	require.ErrorAs(t, err, &verr)
}

func TestRequestBuilderFluentChaining(t *testing.T) {
	target := &syncComponent{name: "agent", result: "ok"}
	c := correlate.New("caller", newRegistry(target))
	result, err := c.NewRequest(map[string]any{}).To("agent").WithTimeout(time.Second).Do(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestRequestMultiCollectsAllResults(t *testing.T) {
	a := &syncComponent{name: "a", result: "a-result"}
	b := &syncComponent{name: "b", result: "b-result"}
	c := correlate.New("caller", newRegistry(a, b))

	results, errs := c.RequestMulti(context.Background(), []string{"a", "b"}, nil, time.Second)
	require.Len(t, results, 2)
	assert.Equal(t, "a-result", results[0])
	assert.Equal(t, "b-result", results[1])
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
}

func TestRequestStreamDegeneratesToSingleFinalChunk(t *testing.T) {
	target := &syncComponent{name: "agent", result: "full answer"}
	c := correlate.New("caller", newRegistry(target))

	chunks := c.RequestStream(context.Background(), "agent", nil, time.Second)
	var got []correlate.StreamChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].IsFinal)
	assert.Equal(t, "full answer", got[0].Data)
}

func TestRequestStreamErrorYieldsFinalErrorChunk(t *testing.T) {
	c := correlate.New("caller", newRegistry())
	chunks := c.RequestStream(context.Background(), "ghost", nil, 10*time.Millisecond)
	var got []correlate.StreamChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].IsFinal)
	assert.Equal(t, true, got[0].Metadata["error"])
}

func TestAskUserTimeoutReturnsSentinelNotError(t *testing.T) {
	c := correlate.New("caller", newRegistry())
	emit := func(ctx context.Context, requestID, question string) error { return nil }
	answer, err := c.AskUser(context.Background(), emit, "continue?", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, correlate.AskUserTimeoutSentinel, answer)
}
