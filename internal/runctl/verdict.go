package runctl

import (
	"regexp"
	"strings"
)

type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnknown Verdict = "unknown"
)

var (
	failPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bverdict\s*[:=]?\s*fail(ed)?\b`),
		regexp.MustCompile(`(?i)\bqa\s+fail(ed)?\b`),
		regexp.MustCompile(`(?i)\btests?\s+fail(ed)?\b`),
		regexp.MustCompile(`(?i)\bdoes\s+not\s+pass\b`),
		regexp.MustCompile(`(?i)\brejected\b`),
	}
	passPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bverdict\s*[:=]?\s*pass(ed)?\b`),
		regexp.MustCompile(`(?i)\bqa\s+pass(ed)?\b`),
		regexp.MustCompile(`(?i)\ball\s+(checks|tests)\s+pass(ed)?\b`),
		regexp.MustCompile(`(?i)\blgtm\b`),
	}
)

// ClassifyVerdict decides the QA outcome for a completed run. A
// structured verdict field from the remote payload wins outright; only
// when it is absent does the classifier fall back to pattern matching
// on the free-text completion summary. Fail patterns are checked first
// so mixed summaries ("tests failed, rest passed") read as failures.
func ClassifyVerdict(structured, summary string) Verdict {
	switch strings.ToLower(strings.TrimSpace(structured)) {
	case "pass", "passed":
		return VerdictPass
	case "fail", "failed":
		return VerdictFail
	}
	for _, re := range failPatterns {
		if re.MatchString(summary) {
			return VerdictFail
		}
	}
	for _, re := range passPatterns {
		if re.MatchString(summary) {
			return VerdictPass
		}
	}
	return VerdictUnknown
}
