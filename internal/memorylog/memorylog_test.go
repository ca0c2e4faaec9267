package memorylog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completedLog = `---
agent: agent_1
task_ref: "1.2"
status: Completed
important_findings: true
---

## Summary
Did the thing.

## Details
Details here.

## Output
- file1.ts
- file2.ts

## Issues
None

## Next Steps
Ship it.

Completed at 2026-07-30T10:00:00Z.
`

func TestParseFrontmatterCompleted(t *testing.T) {
	rec, err := Parse("Task_1_2_demo.md", []byte(completedLog))
	require.NoError(t, err)
	assert.Equal(t, "1.2", rec.TaskRef)
	assert.Equal(t, "agent_1", rec.AgentID)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.False(t, rec.StatusWasUnknown)
	assert.Nil(t, rec.Blockers)
	require.NotNil(t, rec.CompletionTimestamp)
	assert.True(t, rec.HasImportantFindings)
}

func TestParseBlockersFromIssuesSection(t *testing.T) {
	content := `---
agent: a
task_ref: "2.1"
status: Blocked
---

## Issues
- waiting on API key
- flaky test in CI
`
	rec, err := Parse("Task_2_1.md", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, rec.Status)
	assert.ElementsMatch(t, []string{"waiting on API key", "flaky test in CI"}, rec.Blockers)
}

func TestParseUnknownStatusFallsBackToInProgress(t *testing.T) {
	content := `---
agent: a
task_ref: "3.1"
status: some_weird_status
---
`
	rec, err := Parse("Task_3_1.md", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.True(t, rec.StatusWasUnknown)
}

func TestParseTaskRefFallsBackToFilename(t *testing.T) {
	content := `---
agent: a
status: InProgress
---
body with no ref
`
	rec, err := Parse("Task_4_5_whatever.md", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, "4.5", rec.TaskRef)
}

func TestParsePlainMarkdownRecovery(t *testing.T) {
	content := "Just some notes about Task 5.1, status completed here.\n"
	rec, err := Parse("notes.md", []byte(content))
	require.NoError(t, err)
	assert.True(t, rec.PlainMode)
	assert.Equal(t, "5.1", rec.TaskRef)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestParseProgressExtraction(t *testing.T) {
	content := `---
agent: a
task_ref: "1.1"
status: InProgress
---
Progress: 42%
`
	rec, err := Parse("Task_1_1.md", []byte(content))
	require.NoError(t, err)
	require.NotNil(t, rec.ProgressPercent)
	assert.Equal(t, 42, *rec.ProgressPercent)
}

func TestParseNoTaskRefFails(t *testing.T) {
	_, err := Parse("notes.md", []byte("no task reference anywhere"))
	require.Error(t, err)
}
