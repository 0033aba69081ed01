package pipeline

import (
	"context"
	"fmt"
	"time"
)

// node is one step of the cycle. Nodes mutate the run state in place and
// return an error only for fatal gateway failures.
type node interface {
	Name() string
	Run(ctx context.Context, state *RunState) error
}

// Graph drives the cyclic pipeline to termination. The supervisor is the
// single entry point and the single routing decision; the
// retriever→synthesizer→critic→evaluator sub-chain is linear and re-entered
// only through the supervisor's routing.
type Graph struct {
	supervisor  node
	retriever   node
	synthesizer node
	critic      node
	evaluator   node

	metrics *Metrics
}

// NewGraph wires the nodes into a runnable graph.
func NewGraph(supervisor, retriever, synthesizer, critic, evaluator node, metrics *Metrics) *Graph {
	return &Graph{
		supervisor:  supervisor,
		retriever:   retriever,
		synthesizer: synthesizer,
		critic:      critic,
		evaluator:   evaluator,
		metrics:     metrics,
	}
}

// maxCycles bounds the driver loop defensively. The retry budget terminates
// the run long before this.
const maxCycles = 64

// Run executes the state machine until the supervisor terminates the run or
// the retriever short-circuits on empty evidence.
func (g *Graph) Run(ctx context.Context, state *RunState) error {
	for cycle := 0; cycle < maxCycles; cycle++ {
		if err := g.step(ctx, g.supervisor, state); err != nil {
			return err
		}

		if !g.continueFromSupervisor(state) {
			return nil
		}

		if err := g.step(ctx, g.retriever, state); err != nil {
			return err
		}

		// Empty-evidence short-circuit: the retriever already set the
		// terminal flags, skip straight to termination.
		if state.RequiresHumanReview {
			return nil
		}

		for _, n := range []node{g.synthesizer, g.critic, g.evaluator} {
			if err := g.step(ctx, n, state); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("pipeline did not terminate after %d cycles", maxCycles)
}

func (g *Graph) step(ctx context.Context, n node, state *RunState) error {
	start := time.Now()
	err := n.Run(ctx, state)
	g.metrics.ObserveNode(n.Name(), time.Since(start), err)
	return err
}

// continueFromSupervisor is the routing decision: escalation ends the run,
// an explicit retry decision re-enters the cycle, an empty trace means the
// entry pass just happened and the first cycle starts, and anything else is
// a finalized run.
func (g *Graph) continueFromSupervisor(state *RunState) bool {
	if state.RequiresHumanReview {
		return false
	}
	if state.lastDecision() == decisionRetry {
		return true
	}
	if len(state.Trace) == 0 {
		return true
	}
	return false
}
