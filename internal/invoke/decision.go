package invoke

import (
	"regexp"
	"strings"
)

// Decision is the reviewer's verdict parsed from invocation output.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionNone    Decision = ""
)

var decisionRe = regexp.MustCompile(`(?mi)^\s*DECISION:\s*(APPROVE|REJECT)\b`)

// ParseDecision scans reviewer output for the decision token. The last match
// wins, so a provider that restates the token while reasoning cannot override
// its final verdict.
func ParseDecision(output string) Decision {
	matches := decisionRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return DecisionNone
	}
	switch strings.ToUpper(matches[len(matches)-1][1]) {
	case "APPROVE":
		return DecisionApprove
	case "REJECT":
		return DecisionReject
	}
	return DecisionNone
}
