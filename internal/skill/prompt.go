package skill

import (
	"fmt"
	"sort"
	"strings"
)

const knowledgeCommand = "cat ./.kosmos-panel/kosmos-panel.md 2>/dev/null || cat ~/.config/kosmos-panel/kosmos-panel.md 2>/dev/null"

func buildSystemPrompt(base, knowledge, skillName, skillContent string) string {
	var b strings.Builder
	b.WriteString(base)
	if k := strings.TrimSpace(knowledge); k != "" {
		fmt.Fprintf(&b, "\n\n--- System Context ---\n%s", k)
	}
	fmt.Fprintf(&b, "\n\n--- Active Skill: %s ---\n%s", skillName, strings.TrimSpace(skillContent))
	return b.String()
}

func buildInitialUserPrompt(skillName string, params map[string]string, userPrompt string) string {
	var b strings.Builder
	if p := strings.TrimSpace(userPrompt); p != "" {
		b.WriteString(p)
	} else {
		fmt.Fprintf(&b, "Execute skill: %s", skillName)
	}
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nParameters:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, params[k])
		}
	}
	return b.String()
}

func withStep(content string, step, maxSteps int) string {
	return fmt.Sprintf("%s\n\n[Step %d of %d]", content, step, maxSteps)
}

func userResponsePrompt(answer string) string { return "User response: " + answer }

func commandOutputPrompt(output string) string { return "Command output:\n" + output }

const (
	skippedPrompt  = "User skipped the command."
	continuePrompt = "Continue."
	skippedAnswer  = "(skipped)"
)
