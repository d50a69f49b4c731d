// Package prompt segments raw shell output into command units and cleans
// output for model consumption.
package prompt

import (
	"regexp"
	"strings"
)

// DefaultPattern matches a "user@host ... $" style prompt at the end of a line.
const DefaultPattern = `\w+@\w+[^$#>]*[$#>]\s*$`

// Boundary is one detected command unit.
type Boundary struct {
	// Body is the ANSI-stripped text that preceded the prompt line.
	Body string
	// Prompt is the prompt line that closed the unit.
	Prompt string
}

// Detector decides whether an accumulated output buffer ends at a shell prompt.
type Detector interface {
	Detect(buf string) (Boundary, bool)
	IsPromptLine(line string) bool
}

// RegexDetector is the line-oriented prompt heuristic. Lines that start with a
// prompt followed by typed text are treated as the shell echoing the command
// and dropped from the body.
type RegexDetector struct {
	prompt *regexp.Regexp
	echo   *regexp.Regexp
}

func NewRegexDetector(pattern string) (*RegexDetector, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	echoExpr := strings.TrimSuffix(strings.TrimSuffix(pattern, `$`), `\s*`)
	echo, err := regexp.Compile(`^\s*` + echoExpr + `\s+\S`)
	if err != nil {
		return nil, err
	}
	return &RegexDetector{prompt: re, echo: echo}, nil
}

var defaultDetector = mustDetector(DefaultPattern)

func DefaultDetector() *RegexDetector { return defaultDetector }

func mustDetector(pattern string) *RegexDetector {
	d, err := NewRegexDetector(pattern)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *RegexDetector) IsPromptLine(line string) bool {
	if d == nil {
		return false
	}
	return d.prompt.MatchString(strings.TrimRight(line, "\r"))
}

func (d *RegexDetector) isEchoLine(line string) bool {
	return d.echo.MatchString(line)
}

func (d *RegexDetector) Detect(buf string) (Boundary, bool) {
	if d == nil || buf == "" {
		return Boundary{}, false
	}
	lines := splitLines(StripANSI(buf))
	at := -1
	for i, line := range lines {
		if d.IsPromptLine(line) {
			at = i
			break
		}
	}
	if at < 0 {
		return Boundary{}, false
	}
	body := make([]string, 0, at)
	for _, line := range lines[:at] {
		if d.isEchoLine(line) {
			continue
		}
		body = append(body, line)
	}
	return Boundary{
		Body:   strings.TrimSpace(strings.Join(body, "\n")),
		Prompt: strings.TrimSpace(lines[at]),
	}, true
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
