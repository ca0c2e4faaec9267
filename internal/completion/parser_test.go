package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/memorylog"
)

func TestParseCompletionExtractsDeliverablesAndTests(t *testing.T) {
	body := `## Summary
Implemented the widget.

## Output
- Added widget.go
- Added widget_test.go

12/12 tests passing, coverage: 93%

## Issues
None
`
	rec := &memorylog.ParsedRecord{TaskRef: "3.1", AgentID: "agent-1", Status: memorylog.StatusCompleted, Body: body}
	pc := ParseCompletion(rec)

	require.Len(t, pc.Deliverables, 2)
	assert.Equal(t, "Added widget.go", pc.Deliverables[0])
	require.NotNil(t, pc.TestResults)
	assert.Equal(t, 12, pc.TestResults.Total)
	assert.Equal(t, 12, pc.TestResults.Passed)
	require.NotNil(t, pc.TestResults.CoveragePercent)
	assert.Equal(t, 93, *pc.TestResults.CoveragePercent)
}

func TestParseCompletionAlternateTestPattern(t *testing.T) {
	body := "## Output\n- done\n\n20 tests, 18 passed\n"
	rec := &memorylog.ParsedRecord{TaskRef: "1.1", Status: memorylog.StatusPartial, Body: body}
	pc := ParseCompletion(rec)

	require.NotNil(t, pc.TestResults)
	assert.Equal(t, 20, pc.TestResults.Total)
	assert.Equal(t, 18, pc.TestResults.Passed)
}

func TestParseCompletionQualityGates(t *testing.T) {
	body := "Followed TDD throughout. Used conventional commits. Ran a security review. Met the coverage threshold."
	rec := &memorylog.ParsedRecord{TaskRef: "1.1", Status: memorylog.StatusCompleted, Body: body}
	pc := ParseCompletion(rec)

	require.NotNil(t, pc.QualityGates)
	assert.True(t, pc.QualityGates.TDD)
	assert.True(t, pc.QualityGates.Commits)
	assert.True(t, pc.QualityGates.Security)
	assert.True(t, pc.QualityGates.Coverage)
}

func TestParseCompletionConfidenceRewardsCompletedAndEvidence(t *testing.T) {
	thin := &memorylog.ParsedRecord{TaskRef: "1.1", Status: memorylog.StatusInProgress, Body: "short"}
	rich := &memorylog.ParsedRecord{
		TaskRef: "1.1", Status: memorylog.StatusCompleted,
		Body: "## Output\n- did the thing\n\n10/10 tests passing\n" + stringsRepeat("padding ", 100),
	}

	thinPC := ParseCompletion(thin)
	richPC := ParseCompletion(rich)

	assert.Less(t, thinPC.Confidence, richPC.Confidence)
	assert.LessOrEqual(t, richPC.Confidence, 1.0)
}

func stringsRepeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
