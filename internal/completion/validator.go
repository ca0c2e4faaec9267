package completion

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kandev/conductor/internal/memorylog"
)

// Strictness controls how validation failures affect consumption.
type Strictness string

const (
	Strict  Strictness = "strict"
	Lenient Strictness = "lenient"
	Audit   Strictness = "audit"
)

// Severity classifies one validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one structured validation result.
type Finding struct {
	Severity Severity
	Message  string
}

// Report is the validator's output: findings plus whether they block
// consumption under the configured strictness.
type Report struct {
	Findings []Finding
	Blocked  bool
}

func (r Report) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

var requiredSections = []string{"Summary", "Details", "Output", "Issues", "Next Steps"}

var sectionHeaderRe = regexp.MustCompile(`(?m)^(#{2,3})\s*(.+?)\s*$`)

var validStatuses = map[string]bool{
	"Completed": true, "Partial": true, "Blocked": true, "Error": true, "InProgress": true,
}

// FrontmatterFields is the minimal set the validator checks beyond what
// memorylog.Parse already extracted.
type FrontmatterFields struct {
	Agent              string
	TaskRef            string
	Status             string
	AdHocDelegation    *bool
	CompatibilityIssue *bool
	ImportantFindings  *bool
}

// Validate checks raw frontmatter fields and the markdown body against the
// spec's required/conditional sections and header-level rules.
func Validate(fm FrontmatterFields, body string, strictness Strictness) Report {
	var findings []Finding

	if fm.Agent == "" {
		findings = append(findings, Finding{SeverityError, "missing required frontmatter field: agent"})
	}
	if fm.TaskRef == "" {
		findings = append(findings, Finding{SeverityError, "missing required frontmatter field: task_ref"})
	}
	if !validStatuses[fm.Status] {
		findings = append(findings, Finding{SeverityError, fmt.Sprintf("invalid status %q", fm.Status)})
	}

	present := map[string]bool{}
	for _, m := range sectionHeaderRe.FindAllStringSubmatch(body, -1) {
		level, name := m[1], strings.TrimSpace(m[2])
		present[name] = true
		if level == "###" {
			findings = append(findings, Finding{SeverityWarning, fmt.Sprintf("section %q uses header level ### instead of ##", name)})
		}
	}

	for _, name := range requiredSections {
		if !present[name] {
			findings = append(findings, Finding{SeverityError, fmt.Sprintf("missing required section: %s", name)})
		}
	}

	conditional := map[string]*bool{
		"Compatibility Concerns":    fm.CompatibilityIssue,
		"Ad-Hoc Agent Delegation":   fm.AdHocDelegation,
		"Important Findings":       fm.ImportantFindings,
	}
	for name, flag := range conditional {
		if flag != nil && *flag && !present[name] {
			findings = append(findings, Finding{SeverityError, fmt.Sprintf("missing conditional section %q required by its frontmatter flag", name)})
		}
	}

	if fm.Status == string(memorylog.StatusCompleted) {
		if out := outputSectionRe.FindStringSubmatch(body); out == nil || strings.TrimSpace(out[1]) == "" {
			findings = append(findings, Finding{SeverityWarning, "status=Completed but Output section is empty"})
		}
	}

	return Report{Findings: findings, Blocked: blocks(findings, strictness)}
}

func blocks(findings []Finding, strictness Strictness) bool {
	switch strictness {
	case Audit:
		return false
	case Lenient:
		for _, f := range findings {
			if f.Severity == SeverityError {
				return true
			}
		}
		return false
	default: // Strict
		return len(findings) > 0
	}
}
