package prompt

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// NoOutput is what the model sees when a command printed nothing.
const NoOutput = "(no output)"

// DefaultBanners are marker lines the web client prints into the terminal
// around injected commands; they never belong to command output.
var DefaultBanners = []string{"REST API COMMAND"}

// StripANSI removes escape sequences (CSI, OSC, DCS and friends) and the
// stray control bytes that survive them, keeping newlines and tabs.
func StripANSI(s string) string {
	if s == "" {
		return s
	}
	stripped := ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		case r >= 0x80 && r <= 0x9f:
			return -1
		}
		return r
	}, stripped)
}

// Cleaner prepares raw terminal output for a model turn.
type Cleaner struct {
	Detector Detector
	Banners  []string
}

var defaultCleaner = Cleaner{Detector: defaultDetector, Banners: DefaultBanners}

// CleanOutputForAI uses the default prompt pattern and banner list.
func CleanOutputForAI(s string) string {
	return defaultCleaner.Clean(s)
}

// Clean strips escape sequences, prompt and banner lines, collapses runs of
// identical lines and trims. It is idempotent.
func (c Cleaner) Clean(s string) string {
	lines := splitLines(StripANSI(s))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if c.Detector != nil && c.Detector.IsPromptLine(line) {
			continue
		}
		if c.isBanner(line) {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == line {
			continue
		}
		out = append(out, line)
	}
	cleaned := strings.TrimSpace(strings.Join(out, "\n"))
	if cleaned == "" {
		return NoOutput
	}
	return cleaned
}

func (c Cleaner) isBanner(line string) bool {
	for _, banner := range c.Banners {
		if banner != "" && strings.Contains(line, banner) {
			return true
		}
	}
	return false
}

// LastLines returns up to n trailing non-blank lines of s after ANSI stripping.
func LastLines(s string, n int) []string {
	if n <= 0 {
		return nil
	}
	lines := splitLines(StripANSI(s))
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append(out, lines[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
