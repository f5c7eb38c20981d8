package experience

import (
	"context"
	"testing"
	"time"

	"github.com/synthloop/evoagent/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordTaskUpdatesToolStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := types.TaskRecord{
		TaskID:      "task-1",
		Description: "list files",
		TaskType:    "filesystem",
		Steps: []types.StepResult{
			{Tool: "terminal", Outcome: types.StepOutcomeSucceeded, Duration: 10 * time.Millisecond},
		},
		Succeeded:  true,
		Quality:    0.9,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	if err := s.RecordTask(ctx, rec); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}

	stat, ok, err := s.ToolStats(ctx, "terminal")
	if err != nil {
		t.Fatalf("ToolStats: %v", err)
	}
	if !ok {
		t.Fatal("expected tool_stats row for terminal")
	}
	if stat.UsageCount != 1 || stat.Successes != 1 || stat.SuccessRate != 1.0 {
		t.Errorf("stat = %+v, want usage=1 successes=1 rate=1.0", stat)
	}

	rec2 := rec
	rec2.TaskID = "task-2"
	rec2.Steps = []types.StepResult{{Tool: "terminal", Outcome: types.StepOutcomeFailed, Duration: 20 * time.Millisecond}}
	rec2.Succeeded = false
	if err := s.RecordTask(ctx, rec2); err != nil {
		t.Fatalf("RecordTask 2: %v", err)
	}
	stat, _, err = s.ToolStats(ctx, "terminal")
	if err != nil {
		t.Fatalf("ToolStats 2: %v", err)
	}
	if stat.UsageCount != 2 || stat.Successes != 1 || stat.SuccessRate != 0.5 {
		t.Errorf("stat after second task = %+v, want usage=2 successes=1 rate=0.5", stat)
	}
}

func TestRecommendPicksBestPattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	good := types.TaskRecord{
		TaskID: "g1", TaskType: "search", Quality: 0.9, Succeeded: true,
		Steps: []types.StepResult{{Tool: "websearch", Outcome: types.StepOutcomeSucceeded}},
		StartedAt: time.Now(), FinishedAt: time.Now(),
	}
	bad := types.TaskRecord{
		TaskID: "b1", TaskType: "search", Quality: 0.1, Succeeded: false,
		Steps: []types.StepResult{{Tool: "terminal", Outcome: types.StepOutcomeFailed}},
		StartedAt: time.Now(), FinishedAt: time.Now(),
	}
	if err := s.RecordTask(ctx, good); err != nil {
		t.Fatalf("record good: %v", err)
	}
	if err := s.RecordTask(ctx, bad); err != nil {
		t.Fatalf("record bad: %v", err)
	}

	rec, ok, err := s.Recommend(ctx, "search")
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !ok {
		t.Fatal("expected a recommendation for task_type=search")
	}
	if len(rec.RecommendedTools) != 1 || rec.RecommendedTools[0] != "websearch" {
		t.Errorf("recommended tools = %v, want [websearch] (the higher success_rate pattern)", rec.RecommendedTools)
	}
}

func TestRecommendMissingTaskType(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Recommend(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if ok {
		t.Error("expected no recommendation for an unrecorded task_type")
	}
}

func TestCleanupDeletesOldExperiences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := types.TaskRecord{
		TaskID: "old", TaskType: "x", StartedAt: time.Now().Add(-48 * time.Hour),
		FinishedAt: time.Now().Add(-48 * time.Hour), Succeeded: true,
	}
	if err := s.RecordTask(ctx, old); err != nil {
		t.Fatalf("record: %v", err)
	}
	n, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup removed %d rows, want 1", n)
	}
}
