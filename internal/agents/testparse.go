package agents

import (
	"regexp"
	"strconv"
	"strings"
)

// TestExecution is the framework-neutral shape of one test run.
type TestExecution struct {
	Framework string `json:"framework"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Raw       string `json:"raw,omitempty"`
}

// Cargo: "test result: ok. 42 passed; 0 failed; 1 ignored; ..."
var cargoSummary = regexp.MustCompile(
	`test result: \w+\. (\d+) passed; (\d+) failed; (\d+) ignored`)

// Pytest: "=== 2 failed, 40 passed, 1 skipped in 3.21s ===" with segments
// in any order and any of them absent.
var (
	pytestBar     = regexp.MustCompile(`==+ (.*?) in [\d.]+s ==+`)
	pytestSegment = regexp.MustCompile(`(\d+) (failed|passed|skipped|error|errors)`)
)

// ParseTestOutput recognizes Cargo and Pytest summary lines. Multiple Cargo
// result lines (one per test binary) are summed. Returns nil when the
// output matches neither format.
func ParseTestOutput(raw string) *TestExecution {
	if run := parseCargo(raw); run != nil {
		return run
	}
	return parsePytest(raw)
}

func parseCargo(raw string) *TestExecution {
	matches := cargoSummary.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	run := &TestExecution{Framework: "cargo", Raw: lastLine(raw)}
	for _, m := range matches {
		run.Passed += atoi(m[1])
		run.Failed += atoi(m[2])
		run.Skipped += atoi(m[3])
	}
	return run
}

func parsePytest(raw string) *TestExecution {
	bar := pytestBar.FindStringSubmatch(raw)
	if bar == nil {
		return nil
	}
	run := &TestExecution{Framework: "pytest", Raw: strings.TrimSpace(bar[0])}
	for _, seg := range pytestSegment.FindAllStringSubmatch(bar[1], -1) {
		n := atoi(seg[1])
		switch seg[2] {
		case "passed":
			run.Passed += n
		case "failed", "error", "errors":
			run.Failed += n
		case "skipped":
			run.Skipped += n
		}
	}
	return run
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func lastLine(raw string) string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
