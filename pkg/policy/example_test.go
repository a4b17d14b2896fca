package policy_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/inittree/pkg/engine"
	"github.com/openfroyo/inittree/pkg/policy"
)

func ExampleEngine_Evaluate() {
	ctx := context.Background()
	noop := func(*engine.Handles) (any, bool) { return nil, true }

	graph, err := engine.BuildGraph([]engine.Descriptor{
		engine.NewDescriptor("config", "config", nil, noop),
		engine.NewDescriptor("server", "server", []engine.Identity{"config", "db"}, noop),
	})
	if err != nil {
		panic(err)
	}

	eng, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		panic(err)
	}
	result, err := eng.Evaluate(ctx, policy.NewInput("web", graph, nil, nil, policy.InputContext{}))
	if err != nil {
		panic(err)
	}

	fmt.Println("allowed:", result.Allowed)
	for _, v := range result.Violations {
		fmt.Printf("%s: %s\n", v.Policy, v.Message)
	}
	// Output:
	// allowed: false
	// missing-dependencies: server depends on db, which no component provides
}
