// Package completion implements the adaptive completion poller, the
// completion-log parser and validator, and the transactional state updater
// that commits a detected completion.
package completion

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kandev/conductor/internal/memorylog"
)

// TestResults summarizes test-run evidence extracted from a completion log.
type TestResults struct {
	Total           int
	Passed          int
	CoveragePercent *int
}

// QualityGates are boolean flags inferred from phrase patterns in the log.
type QualityGates struct {
	TDD        bool
	Commits    bool
	Security   bool
	Coverage   bool
}

// ParsedCompletion is the completion parser's output.
type ParsedCompletion struct {
	TaskRef             string
	AgentID             string
	Status              memorylog.Status
	Deliverables        []string
	TestResults         *TestResults
	QualityGates        *QualityGates
	CompletionTimestamp *time.Time
	Confidence          float64
}

var (
	outputSectionRe = regexp.MustCompile(`(?is)##\s*Output\s*\n(.*?)(?:\n##|\z)`)
	bulletRe        = regexp.MustCompile(`(?m)^\s*[-*]\s*(.+)$`)

	testPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+)\s*/\s*(\d+)\s*tests?\s*passing`),
		regexp.MustCompile(`(?i)(\d+)\s*tests?,\s*(\d+)\s*passed`),
		regexp.MustCompile(`(?i)tests?:\s*(\d+)\s*/\s*(\d+)\s*passing`),
	}
	coverageRe = regexp.MustCompile(`(?i)coverage[:\s]+(\d{1,3})%`)

	tddPatternRe      = regexp.MustCompile(`(?i)\b(tdd|test[- ]driven)\b`)
	commitsPatternRe  = regexp.MustCompile(`(?i)\bconventional commits?\b`)
	securityPatternRe = regexp.MustCompile(`(?i)\bsecurity (review|scan|audit)\b`)
	coverageGateRe    = regexp.MustCompile(`(?i)coverage threshold`)
)

// ParseCompletion extracts a ParsedCompletion from a completion log's body.
func ParseCompletion(rec *memorylog.ParsedRecord) *ParsedCompletion {
	pc := &ParsedCompletion{
		TaskRef:             rec.TaskRef,
		AgentID:             rec.AgentID,
		Status:              rec.Status,
		Deliverables:        extractDeliverables(rec.Body),
		TestResults:         extractTestResults(rec.Body),
		QualityGates:        extractQualityGates(rec.Body),
		CompletionTimestamp: rec.CompletionTimestamp,
	}
	pc.Confidence = computeConfidence(pc, rec.Body)
	return pc
}

func extractDeliverables(body string) []string {
	m := outputSectionRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	bullets := bulletRe.FindAllStringSubmatch(m[1], -1)
	out := make([]string, 0, len(bullets))
	for _, b := range bullets {
		item := strings.TrimSpace(b[1])
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func extractTestResults(body string) *TestResults {
	for _, re := range testPatterns {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		a, errA := strconv.Atoi(m[1])
		b, errB := strconv.Atoi(m[2])
		if errA != nil || errB != nil {
			continue
		}

		tr := &TestResults{}
		// "X/Y passing" means X passed of Y total; "X tests, Y passed" means
		// X total, Y passed.
		if strings.Contains(strings.ToLower(re.String()), "tests?,") {
			tr.Total, tr.Passed = a, b
		} else {
			tr.Passed, tr.Total = a, b
		}

		if cm := coverageRe.FindStringSubmatch(body); cm != nil {
			if n, err := strconv.Atoi(cm[1]); err == nil {
				tr.CoveragePercent = &n
			}
		}
		return tr
	}
	return nil
}

func extractQualityGates(body string) *QualityGates {
	qg := &QualityGates{
		TDD:      tddPatternRe.MatchString(body),
		Commits:  commitsPatternRe.MatchString(body),
		Security: securityPatternRe.MatchString(body),
		Coverage: coverageGateRe.MatchString(body),
	}
	if !qg.TDD && !qg.Commits && !qg.Security && !qg.Coverage {
		return nil
	}
	return qg
}

// computeConfidence is a weighted sum: base 0.5, bumped by status
// completeness, presence of deliverables, test documentation (a full pass
// adds an extra bump), each present quality gate, and content length.
func computeConfidence(pc *ParsedCompletion, body string) float64 {
	score := 0.5

	if pc.Status == memorylog.StatusCompleted {
		score += 0.15
	}
	if len(pc.Deliverables) > 0 {
		score += 0.1
	}
	if pc.TestResults != nil {
		score += 0.1
		if pc.TestResults.Total > 0 && pc.TestResults.Passed == pc.TestResults.Total {
			score += 0.05
		}
	}
	if pc.QualityGates != nil {
		gates := 0
		if pc.QualityGates.TDD {
			gates++
		}
		if pc.QualityGates.Commits {
			gates++
		}
		if pc.QualityGates.Security {
			gates++
		}
		if pc.QualityGates.Coverage {
			gates++
		}
		score += float64(gates) * 0.025
	}
	if len(body) > 500 {
		score += 0.05
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
