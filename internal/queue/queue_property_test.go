package queue

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"taskorch/internal/store/migrate"
	"taskorch/internal/store/sqlstore"
)

// TestProperty_ConcurrencyCapAndPriorityOrder checks invariants 2 and
// 3: GetNext always returns the minimal (priority, created_at, id)
// among ready tasks, and running_count never exceeds max_concurrent.
func TestProperty_ConcurrencyCapAndPriorityOrder(t *testing.T) {
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		dbName := rapid.StringMatching(`[a-z0-9]{8,12}`).Draw(rt, "db_name")
		st, err := sqlstore.Open("file:"+dbName+"?mode=memory&cache=shared", nil)
		if err != nil {
			rt.Fatal(err)
		}
		defer st.Close()
		if err := migrate.New(st.DB(), nil, migrate.Migrations()).Run(ctx); err != nil {
			rt.Fatal(err)
		}

		maxConcurrent := rapid.IntRange(1, 3).Draw(rt, "max_concurrent")
		q := New(st, Config{MaxConcurrent: maxConcurrent}, nil)

		n := rapid.IntRange(1, 8).Draw(rt, "n_tasks")
		creates := make([]TaskCreate, n)
		for i := range creates {
			creates[i] = TaskCreate{
				Name:     rapid.StringMatching(`[A-Z][a-z]{2,6}`).Draw(rt, "name"),
				Priority: rapid.IntRange(1, 5).Draw(rt, "priority"),
			}
		}
		ids, err := q.Register(ctx, creates)
		if err != nil {
			rt.Fatal(err)
		}

		dequeued := 0
		for {
			before := q.Stats()
			if before.RunningCount > maxConcurrent {
				rt.Fatalf("running count %d exceeds cap %d", before.RunningCount, maxConcurrent)
			}

			ready := q.graph.Ready()
			next, err := q.GetNext(ctx)
			if err != nil {
				rt.Fatal(err)
			}
			if next == nil {
				if before.RunningCount < maxConcurrent && len(ready) > 0 {
					rt.Fatal("GetNext returned nil despite capacity and ready tasks")
				}
				break
			}
			if len(ready) == 0 || next.ID != ready[0].ID {
				rt.Fatalf("GetNext did not return the minimal-priority ready task")
			}

			after := q.Stats()
			if after.RunningCount > maxConcurrent {
				rt.Fatalf("running count %d exceeds cap %d after dequeue", after.RunningCount, maxConcurrent)
			}
			dequeued++
			if dequeued > n {
				rt.Fatal("dequeued more tasks than registered")
			}
			if _, err := q.Complete(ctx, next.ID, nil); err != nil {
				rt.Fatal(err)
			}
		}
		_ = ids
	})
}

// TestProperty_DependencyGate checks invariant 4: a task never enters
// running before every id in its declared dependencies has been
// observed as completed.
func TestProperty_DependencyGate(t *testing.T) {
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		dbName := rapid.StringMatching(`[a-z0-9]{8,12}`).Draw(rt, "db_name")
		st, err := sqlstore.Open("file:"+dbName+"?mode=memory&cache=shared", nil)
		if err != nil {
			rt.Fatal(err)
		}
		defer st.Close()
		if err := migrate.New(st.DB(), nil, migrate.Migrations()).Run(ctx); err != nil {
			rt.Fatal(err)
		}

		q := New(st, Config{MaxConcurrent: 5}, nil)
		completed := make(map[string]bool)

		chainLen := rapid.IntRange(1, 5).Draw(rt, "chain_len")
		var ids []string
		for i := 0; i < chainLen; i++ {
			var deps []string
			if len(ids) > 0 {
				deps = []string{ids[len(ids)-1]}
			}
			got, err := q.Register(ctx, []TaskCreate{{Name: "T", Dependencies: deps}})
			if err != nil {
				rt.Fatal(err)
			}
			ids = append(ids, got[0])
		}

		for range ids {
			task, err := q.GetNext(ctx)
			if err != nil {
				rt.Fatal(err)
			}
			if task == nil {
				rt.Fatal("expected a ready task in a linear chain")
			}
			for _, dep := range task.Dependencies {
				if !completed[dep] {
					rt.Fatalf("task %s entered running before dependency %s completed", task.ID, dep)
				}
			}
			if _, err := q.Complete(ctx, task.ID, nil); err != nil {
				rt.Fatal(err)
			}
			completed[task.ID] = true
		}
	})
}
