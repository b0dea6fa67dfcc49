package taskgraph

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"taskorch/internal/apperr"
)

// TestProperty_AcyclicAfterEverySuccessfulAdd checks invariant 1 from
// the orchestration contract: after every successful Add the graph is
// acyclic, and every rejected Add leaves the graph exactly as it was.
func TestProperty_AcyclicAfterEverySuccessfulAdd(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := New()
		ids := rapid.SliceOfDistinct(rapid.StringMatching(`[A-F]`), func(s string) string { return s }).Draw(rt, "ids")
		if len(ids) == 0 {
			return
		}

		admitted := make(map[string]bool)
		now := time.Now()

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			if admitted[id] {
				continue
			}

			var deps []string
			for _, candidate := range ids {
				if candidate != id && admitted[candidate] && rapid.Bool().Draw(rt, "dep?") {
					deps = append(deps, candidate)
				}
			}

			before := g.Stats()
			task := newTask(id, 5, now.Add(time.Duration(i)*time.Millisecond), deps...)
			err := g.Add(task)

			if err != nil {
				if !apperr.Is(err, apperr.KindCycle) {
					rt.Fatalf("unexpected error kind: %v", err)
				}
				after := g.Stats()
				if after != before {
					rt.Fatalf("rejected Add mutated the graph: before=%+v after=%+v", before, after)
				}
				continue
			}

			admitted[id] = true
			if g.hasCycle() {
				rt.Fatalf("graph contains a cycle after successful Add of %s", id)
			}
		}
	})
}
