package secrets

import (
	"sort"
	"strings"
)

// Redaction replaces each detected secret in scrubbed output.
const Redaction = "[REDACTED]"

// Finding is one detected secret. Start and End index into the checked
// content; the matched text is deliberately not retained.
type Finding struct {
	RuleID      string
	Description string
	Severity    Severity
	Start, End  int
}

// Result is the outcome of checking or scrubbing one piece of content.
type Result struct {
	// Scrubbed is the content with findings replaced by Redaction.
	// Check leaves it equal to the input.
	Scrubbed string
	Findings []Finding
}

// HasFindings reports whether any rule matched.
func (r *Result) HasFindings() bool { return len(r.Findings) > 0 }

// RuleIDs returns the distinct matched rule IDs, sorted.
func (r *Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Scrubber runs a fixed rule table over outbound content.
type Scrubber struct {
	rules []Rule
}

// NewScrubber creates a scrubber. With no arguments it uses DefaultRules.
func NewScrubber(rules ...Rule) *Scrubber {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Scrubber{rules: rules}
}

// Check detects secrets without altering the content.
func (s *Scrubber) Check(content string) *Result {
	res := &Result{Scrubbed: content}
	for _, rule := range s.rules {
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			res.Findings = append(res.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				Start:       m[0],
				End:         m[1],
			})
		}
	}
	sort.Slice(res.Findings, func(i, j int) bool {
		return res.Findings[i].Start < res.Findings[j].Start
	})
	return res
}

// Scrub detects secrets and replaces each with Redaction. Overlapping
// matches collapse into a single replacement.
func (s *Scrubber) Scrub(content string) *Result {
	res := s.Check(content)
	if !res.HasFindings() {
		return res
	}

	var b strings.Builder
	next := 0
	for _, f := range res.Findings {
		if f.Start < next {
			// Overlaps the span just redacted.
			if f.End > next {
				next = f.End
			}
			continue
		}
		b.WriteString(content[next:f.Start])
		b.WriteString(Redaction)
		next = f.End
	}
	b.WriteString(content[next:])
	res.Scrubbed = b.String()
	return res
}
