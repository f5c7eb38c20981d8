// Package experience implements the Experience Store (C7): a
// write-heavy, append-mostly record of completed tasks, running
// per-tool success statistics, and per-task-type patterns, with
// eventual consistency between a commit and the next read of
// recomputed aggregates.
package experience

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/synthloop/evoagent/pkg/types"
)

// Store is the C7 Experience Store, backed by an embedded SQLite
// database (pure-Go driver, no CGO).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open experience store: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS experiences (
	task_id      TEXT PRIMARY KEY,
	description  TEXT NOT NULL,
	task_type    TEXT NOT NULL,
	created_tool TEXT,
	tools_used   TEXT NOT NULL DEFAULT '[]',
	result       TEXT,
	quality      REAL NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL,
	started_at   DATETIME NOT NULL,
	finished_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_stats (
	tool_name    TEXT PRIMARY KEY,
	usage_count  INTEGER NOT NULL DEFAULT 0,
	successes    INTEGER NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 0,
	avg_duration_ms REAL NOT NULL DEFAULT 0,
	last_used    DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS task_patterns (
	pattern_hash      TEXT PRIMARY KEY,
	task_type         TEXT NOT NULL,
	description       TEXT,
	recommended_tools TEXT NOT NULL DEFAULT '[]',
	task_count        INTEGER NOT NULL DEFAULT 0,
	avg_quality       REAL NOT NULL DEFAULT 0,
	success_rate      REAL NOT NULL DEFAULT 0,
	updated_at        DATETIME NOT NULL
);
`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordTask persists a completed task's record and folds its outcome
// into tool_stats (per tool used) and task_patterns (per task_type).
// A failure here never aborts the task it describes — callers treat
// RecordTask as best-effort enrichment.
func (s *Store) RecordTask(ctx context.Context, rec types.TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	toolsUsed := toolsUsedFrom(rec.Steps)
	toolsJSON, err := json.Marshal(toolsUsed)
	if err != nil {
		return fmt.Errorf("marshal tools_used: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO experiences (task_id, description, task_type, created_tool, tools_used, result, quality, succeeded, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	result = excluded.result, quality = excluded.quality, succeeded = excluded.succeeded, finished_at = excluded.finished_at
`, rec.TaskID, rec.Description, rec.TaskType, rec.CreatedTool, string(toolsJSON), rec.Result, rec.Quality, rec.Succeeded, rec.StartedAt, rec.FinishedAt); err != nil {
		return fmt.Errorf("insert experience: %w", err)
	}

	for _, step := range rec.Steps {
		if err := recordToolStat(ctx, tx, step.Tool, step.Outcome == types.StepOutcomeSucceeded, step.Duration); err != nil {
			return fmt.Errorf("record tool stat for %q: %w", step.Tool, err)
		}
	}

	if err := recordTaskPattern(ctx, tx, rec.TaskType, rec.Description, toolsUsed, rec.Quality, rec.Succeeded); err != nil {
		return fmt.Errorf("record task pattern: %w", err)
	}

	return tx.Commit()
}

// toolsUsedFrom extracts the distinct tool names invoked by steps, in
// first-seen order.
func toolsUsedFrom(steps []types.StepResult) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(steps))
	for _, step := range steps {
		if step.Tool == "" || seen[step.Tool] {
			continue
		}
		seen[step.Tool] = true
		out = append(out, step.Tool)
	}
	return out
}

// patternHash computes the task_patterns key:
// hash(task_type + sorted(tools_used)).
func patternHash(taskType string, toolsUsed []string) string {
	sorted := append([]string(nil), toolsUsed...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(taskType + "|" + strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

// recordToolStat applies the running-mean success-rate and
// average-duration update, identical in shape to the originating
// system's DynamicTool.update_tool_usage: the first observation sets
// the rate outright, subsequent observations fold in the new sample
// weighted by the growing usage count.
func recordToolStat(ctx context.Context, tx *sql.Tx, tool string, success bool, dur time.Duration) error {
	var usageCount, successes int
	var successRate, avgDurationMs float64
	err := tx.QueryRowContext(ctx, `SELECT usage_count, successes, success_rate, avg_duration_ms FROM tool_stats WHERE tool_name = ?`, tool).
		Scan(&usageCount, &successes, &successRate, &avgDurationMs)
	switch {
	case err == sql.ErrNoRows:
		usageCount, successes, successRate, avgDurationMs = 0, 0, 0, 0
	case err != nil:
		return err
	}

	usageCount++
	if success {
		successes++
	}
	current := 0.0
	if success {
		current = 1.0
	}
	if usageCount == 1 {
		successRate = current
		avgDurationMs = float64(dur.Milliseconds())
	} else {
		n := float64(usageCount)
		successRate = (successRate*(n-1) + current) / n
		avgDurationMs = (avgDurationMs*(n-1) + float64(dur.Milliseconds())) / n
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO tool_stats (tool_name, usage_count, successes, success_rate, avg_duration_ms, last_used, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tool_name) DO UPDATE SET
	usage_count = excluded.usage_count, successes = excluded.successes, success_rate = excluded.success_rate,
	avg_duration_ms = excluded.avg_duration_ms, last_used = excluded.last_used, updated_at = excluded.updated_at
`, tool, usageCount, successes, successRate, avgDurationMs, time.Now(), time.Now())
	return err
}

// recordTaskPattern upserts the task_patterns row keyed by
// hash(task_type + sorted(tools_used)), folding quality and success
// into running means exactly like recordToolStat.
func recordTaskPattern(ctx context.Context, tx *sql.Tx, taskType, description string, toolsUsed []string, quality float64, succeeded bool) error {
	hash := patternHash(taskType, toolsUsed)
	toolsJSON, err := json.Marshal(toolsUsed)
	if err != nil {
		return err
	}

	var taskCount int
	var avgQuality, successRate float64
	err = tx.QueryRowContext(ctx, `SELECT task_count, avg_quality, success_rate FROM task_patterns WHERE pattern_hash = ?`, hash).
		Scan(&taskCount, &avgQuality, &successRate)
	switch {
	case err == sql.ErrNoRows:
		taskCount, avgQuality, successRate = 0, 0, 0
	case err != nil:
		return err
	}

	taskCount++
	current := 0.0
	if succeeded {
		current = 1.0
	}
	if taskCount == 1 {
		avgQuality = quality
		successRate = current
	} else {
		n := float64(taskCount)
		avgQuality = (avgQuality*(n-1) + quality) / n
		successRate = (successRate*(n-1) + current) / n
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_patterns (pattern_hash, task_type, description, recommended_tools, task_count, avg_quality, success_rate, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pattern_hash) DO UPDATE SET
	task_count = excluded.task_count, avg_quality = excluded.avg_quality,
	success_rate = excluded.success_rate, updated_at = excluded.updated_at
`, hash, taskType, description, string(toolsJSON), taskCount, avgQuality, successRate, time.Now())
	return err
}

// ToolStat is a snapshot of tool_stats for one tool.
type ToolStat struct {
	ToolName      string
	UsageCount    int
	Successes     int
	SuccessRate   float64
	AvgDurationMs float64
}

// ToolStats returns the current running statistics for name.
func (s *Store) ToolStats(ctx context.Context, name string) (ToolStat, bool, error) {
	var stat ToolStat
	stat.ToolName = name
	err := s.db.QueryRowContext(ctx, `SELECT usage_count, successes, success_rate, avg_duration_ms FROM tool_stats WHERE tool_name = ?`, name).
		Scan(&stat.UsageCount, &stat.Successes, &stat.SuccessRate, &stat.AvgDurationMs)
	if err == sql.ErrNoRows {
		return ToolStat{}, false, nil
	}
	if err != nil {
		return ToolStat{}, false, err
	}
	return stat, true, nil
}

// Recommendation is Recommend's result: the tool set and success rate
// of the best-matching recorded pattern for a task_type.
type Recommendation struct {
	RecommendedTools []string
	EstimatedSuccess float64
	Uses             int
}

// Recommend returns the best pattern recorded for taskType, picked by
// success_rate desc then uses (task_count) desc. The second return is
// false if no pattern has been recorded for taskType.
func (s *Store) Recommend(ctx context.Context, taskType string) (Recommendation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT recommended_tools, success_rate, task_count
FROM task_patterns
WHERE task_type = ?
ORDER BY success_rate DESC, task_count DESC
LIMIT 1
`, taskType)

	var toolsJSON string
	var rec Recommendation
	if err := row.Scan(&toolsJSON, &rec.EstimatedSuccess, &rec.Uses); err != nil {
		if err == sql.ErrNoRows {
			return Recommendation{}, false, nil
		}
		return Recommendation{}, false, err
	}
	if err := json.Unmarshal([]byte(toolsJSON), &rec.RecommendedTools); err != nil {
		return Recommendation{}, false, fmt.Errorf("decode recommended_tools: %w", err)
	}
	return rec, true, nil
}

// Cleanup deletes experience records older than olderThan, returning
// the number of rows removed. Intended to run on a recurring schedule
// (see internal/experience.Scheduler), not on every write.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiences WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
