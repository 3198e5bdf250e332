package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/driftworks/cascade/internal/queue"
	"github.com/driftworks/cascade/pkg/logging"
)

func TestEngineRunsNodesInOrder(t *testing.T) {
	checkpoints := newMemCheckpoints()
	engine := NewEngine("test", "first", checkpoints, logging.NewLogger())

	var visited []string
	engine.Node("first", func(ctx context.Context, run *Run) error {
		visited = append(visited, "first")
		return nil
	}, func(run *Run) string { return "second" })
	engine.Node("second", func(ctx context.Context, run *Run) error {
		visited = append(visited, "second")
		run.State["done"] = true
		return nil
	}, nil)

	run := NewRun("test", 1)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(visited) != 2 || visited[0] != "first" || visited[1] != "second" {
		t.Errorf("visited = %v", visited)
	}
	// Finished runs leave no checkpoint behind.
	if saved, _ := checkpoints.LoadByTask(context.Background(), "test", run.TaskID); saved != nil {
		t.Error("expected checkpoint to be deleted after completion")
	}
}

func TestEngineStopsOnNodeError(t *testing.T) {
	checkpoints := newMemCheckpoints()
	engine := NewEngine("test", "first", checkpoints, logging.NewLogger())

	boom := errors.New("node blew up")
	secondRan := false
	engine.Node("first", func(ctx context.Context, run *Run) error {
		return nil
	}, func(run *Run) string { return "second" })
	engine.Node("second", func(ctx context.Context, run *Run) error {
		secondRan = true
		return boom
	}, nil)

	run := NewRun("test", 1)
	err := engine.Execute(context.Background(), run)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped node error, got %v", err)
	}
	if !secondRan {
		t.Error("second node never ran")
	}
	// The checkpoint still records the last COMPLETED node.
	saved, loadErr := checkpoints.LoadByTask(context.Background(), "test", run.TaskID)
	if loadErr != nil || saved == nil {
		t.Fatalf("checkpoint missing after failure: %v", loadErr)
	}
	if saved.LastCompletedNode != "first" {
		t.Errorf("LastCompletedNode = %s, want first", saved.LastCompletedNode)
	}
}

func TestEngineResumesAfterLastCompletedNode(t *testing.T) {
	engine := NewEngine("test", "first", newMemCheckpoints(), logging.NewLogger())

	var visited []string
	engine.Node("first", func(ctx context.Context, run *Run) error {
		visited = append(visited, "first")
		return nil
	}, func(run *Run) string { return "second" })
	engine.Node("second", func(ctx context.Context, run *Run) error {
		visited = append(visited, "second")
		return nil
	}, nil)

	// Simulate a recovered run that already completed "first".
	run := NewRun("test", 1)
	run.LastCompletedNode = "first"
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(visited) != 1 || visited[0] != "second" {
		t.Errorf("visited = %v, want [second]", visited)
	}
}

func TestEngineRoutesDynamically(t *testing.T) {
	engine := NewEngine("test", "check", newMemCheckpoints(), logging.NewLogger())

	var visited []string
	engine.Node("check", func(ctx context.Context, run *Run) error {
		run.State["path"] = "b"
		return nil
	}, func(run *Run) string {
		if run.StateString("path") == "b" {
			return "branch_b"
		}
		return "branch_a"
	})
	engine.Node("branch_a", func(ctx context.Context, run *Run) error {
		visited = append(visited, "a")
		return nil
	}, nil)
	engine.Node("branch_b", func(ctx context.Context, run *Run) error {
		visited = append(visited, "b")
		return nil
	}, nil)

	if err := engine.Execute(context.Background(), NewRun("test", 1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(visited) != 1 || visited[0] != "b" {
		t.Errorf("visited = %v, want [b]", visited)
	}
}

func TestSweepOrphanedCheckpoints(t *testing.T) {
	tasks := newFakeQueue()
	checkpoints := newMemCheckpoints()

	// One task is still in flight, the other finished for good.
	live := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c1"}, 0, 3)
	dead := tasks.add(queue.TypeProduce, queue.ProducePayload{ContentID: "c2"}, 3, 3)
	dead.Status = queue.StatusFailedPermanent

	liveRun := NewRun(PipelineProduction, live.ID)
	deadRun := NewRun(PipelineProduction, dead.ID)
	if err := checkpoints.Save(context.Background(), liveRun); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := checkpoints.Save(context.Background(), deadRun); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := SweepOrphanedCheckpoints(context.Background(), checkpoints, tasks, logging.NewLogger())
	if err != nil {
		t.Fatalf("SweepOrphanedCheckpoints: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	kept, _ := checkpoints.LoadByTask(context.Background(), PipelineProduction, live.ID)
	if kept == nil {
		t.Error("checkpoint for in-flight task was swept")
	}
	gone, _ := checkpoints.LoadByTask(context.Background(), PipelineProduction, dead.ID)
	if gone != nil {
		t.Error("checkpoint for terminal task survived the sweep")
	}
}

func TestEngineUnknownNode(t *testing.T) {
	engine := NewEngine("test", "missing", newMemCheckpoints(), logging.NewLogger())
	if err := engine.Execute(context.Background(), NewRun("test", 1)); err == nil {
		t.Error("expected error for unknown start node")
	}
}
