// Package memorylog parses task-owned markdown memory logs: a YAML
// frontmatter block describing the task's status, followed by markdown
// sections. Parsing degrades gracefully to a plain-markdown recovery mode
// when frontmatter is missing or malformed.
package memorylog

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandev/conductor/internal/common/apperr"
)

// Status is the task-status enum carried by a memory log.
type Status string

const (
	StatusCompleted  Status = "Completed"
	StatusPartial    Status = "Partial"
	StatusBlocked    Status = "Blocked"
	StatusFailed     Status = "Failed"
	StatusError      Status = "Error"
	StatusInProgress Status = "InProgress"
	StatusNotStarted Status = "NotStarted"
)

var statusAliases = map[string]Status{
	"completed":   StatusCompleted,
	"done":        StatusCompleted,
	"partial":     StatusPartial,
	"blocked":     StatusBlocked,
	"failed":      StatusFailed,
	"error":       StatusError,
	"inprogress":  StatusInProgress,
	"in progress": StatusInProgress,
	"notstarted":  StatusNotStarted,
	"not started": StatusNotStarted,
}

// ParsedRecord is the typed result of a successful parse.
type ParsedRecord struct {
	TaskRef                string
	AgentID                string
	Status                 Status
	StatusWasUnknown       bool
	ProgressPercent        *int
	Blockers               []string
	CompletionTimestamp    *time.Time
	HasImportantFindings   bool
	HasAdHocDelegation     bool
	HasCompatibilityIssues bool
	Body                   string
	PlainMode              bool
}

var (
	frontmatterRe = regexp.MustCompile(`(?s)^---\s*\n(.*?\n)---\s*\n?(.*)$`)
	taskRefRe     = regexp.MustCompile(`\b(\d+\.\d+)\b`)
	filenameRe    = regexp.MustCompile(`Task[_-](\d+)[_-](\d+)`)
	bodyTaskRe    = regexp.MustCompile(`Task\s+(\d+)\.(\d+)`)
	progressRe    = regexp.MustCompile(`(?i)(?:progress:\s*|\b)(\d{1,3})%\s*(?:complete|done)?`)
	isoTimeRe     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
)

type frontmatter struct {
	Agent                string `yaml:"agent"`
	TaskRef              string `yaml:"task_ref"`
	Status               string `yaml:"status"`
	AdHocDelegation      bool   `yaml:"ad_hoc_delegation"`
	CompatibilityIssues  bool   `yaml:"compatibility_issues"`
	ImportantFindings    bool   `yaml:"important_findings"`
}

// Parse reads content (already loaded from path) and produces a ParsedRecord.
func Parse(path string, content []byte) (*ParsedRecord, error) {
	text := string(content)

	if m := frontmatterRe.FindStringSubmatch(text); m != nil {
		return parseWithFrontmatter(path, m[1], m[2])
	}
	return parsePlain(path, text)
}

func parseWithFrontmatter(path, fmBlock, body string) (*ParsedRecord, error) {
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil {
		return parsePlain(path, fmBlock+"\n"+body)
	}

	taskRef, err := extractTaskRef(fm.TaskRef, path, body)
	if err != nil {
		return nil, err
	}

	status, unknown := mapStatus(fm.Status)

	rec := &ParsedRecord{
		TaskRef:                taskRef,
		AgentID:                fm.Agent,
		Status:                 status,
		StatusWasUnknown:       unknown,
		ProgressPercent:        extractProgress(body),
		Blockers:               extractBlockers(body),
		HasImportantFindings:   fm.ImportantFindings,
		HasAdHocDelegation:     fm.AdHocDelegation,
		HasCompatibilityIssues: fm.CompatibilityIssues,
		Body:                   body,
	}
	if status == StatusCompleted {
		rec.CompletionTimestamp = extractCompletionTimestamp(body)
	}
	return rec, nil
}

// parsePlain is the plain-markdown recovery path: no usable frontmatter, so
// the task id and status are inferred from filename/body.
func parsePlain(path, body string) (*ParsedRecord, error) {
	taskRef, err := extractTaskRef("", path, body)
	if err != nil {
		return nil, err
	}

	status, unknown := inferStatusFromBody(body)

	rec := &ParsedRecord{
		TaskRef:          taskRef,
		Status:           status,
		StatusWasUnknown: unknown,
		ProgressPercent:  extractProgress(body),
		Blockers:         extractBlockers(body),
		Body:             body,
		PlainMode:        true,
	}
	if status == StatusCompleted {
		rec.CompletionTimestamp = extractCompletionTimestamp(body)
	}
	return rec, nil
}

func extractTaskRef(declared, path, body string) (string, error) {
	if declared != "" {
		if m := taskRefRe.FindString(declared); m != "" {
			return m, nil
		}
	}
	if m := taskRefRe.FindString(body); m != "" {
		return m, nil
	}
	if m := filenameRe.FindStringSubmatch(filepath.Base(path)); m != nil {
		return fmt.Sprintf("%s.%s", m[1], m[2]), nil
	}
	if m := bodyTaskRe.FindStringSubmatch(body); m != nil {
		return fmt.Sprintf("%s.%s", m[1], m[2]), nil
	}
	return "", apperr.New(apperr.KindValidation, "memorylog", "extractTaskRef", fmt.Errorf("no task reference found in %s", path))
}

func normalizeStatusKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

func mapStatus(raw string) (Status, bool) {
	if s, ok := statusAliases[normalizeStatusKey(raw)]; ok {
		return s, false
	}
	return StatusInProgress, true
}

func inferStatusFromBody(body string) (Status, bool) {
	lower := strings.ToLower(body)
	for key, status := range statusAliases {
		if strings.Contains(lower, key) {
			return status, false
		}
	}
	return StatusInProgress, true
}

func extractProgress(body string) *int {
	m := progressRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return &n
}

var issuesSectionRe = regexp.MustCompile(`(?is)##\s*Issues\s*\n(.*?)(?:\n##|\z)`)
var bulletRe = regexp.MustCompile(`(?m)^\s*[-*]\s*(.+)$`)

func extractBlockers(body string) []string {
	m := issuesSectionRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	section := strings.TrimSpace(m[1])
	lower := strings.ToLower(section)
	if section == "" || lower == "none" || strings.Contains(lower, "no issues") {
		return nil
	}

	bullets := bulletRe.FindAllStringSubmatch(section, -1)
	if len(bullets) == 0 {
		return []string{section}
	}

	var out []string
	for _, b := range bullets {
		text := strings.TrimSpace(b[1])
		lt := strings.ToLower(text)
		if text == "" || lt == "none" || strings.Contains(lt, "no issues") {
			continue
		}
		out = append(out, text)
	}
	return out
}

func extractCompletionTimestamp(body string) *time.Time {
	m := isoTimeRe.FindString(body)
	if m == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, m)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05", m)
		if err != nil {
			return nil
		}
	}
	return &t
}
