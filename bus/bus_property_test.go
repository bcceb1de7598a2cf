package bus

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flowmesh/agentbus/payload"
)

// TestPipeOrderingProperty checks that pipes registered for the same event
// run strictly in registration order and that each sees the previous pipe's
// transformation, regardless of how many pipes are registered.
func TestPipeOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("pipes append their marker to the thought in registration order", prop.ForAll(
		func(markers []string) bool {
			reg := payload.NewRegistry(nil)
			b := New(reg, nil)

			for _, marker := range markers {
				marker := marker
				b.AddPipe(payload.EventAgentThought, PipeFunc(func(ctx context.Context, p payload.Payload) (payload.Payload, error) {
					at, ok := p.(*payload.AgentThought)
					if !ok {
						return nil, nil
					}
					next := *at
					next.Thought += marker
					return &next, nil
				}))
			}

			result := b.Emit(context.Background(), payload.EventAgentThought, map[string]any{"thought": ""})
			at, ok := result.(*payload.AgentThought)
			if !ok {
				return false
			}
			want := ""
			for _, m := range markers {
				want += m
			}
			return at.Thought == want
		},
		genMarkerList(),
	))

	properties.TestingRun(t)
}

func genMarkerList() gopter.Gen {
	return gen.IntRange(0, 8).FlatMap(func(n any) gopter.Gen {
		return gen.SliceOfN(n.(int), genMarker())
	}, reflect.TypeOf([]string{}))
}

func genMarker() gopter.Gen {
	return gen.IntRange(1, 6).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}
