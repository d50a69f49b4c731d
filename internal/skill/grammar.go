package skill

import (
	"regexp"
	"strings"
)

type ResponseType string

const (
	ResponseCMD     ResponseType = "CMD"
	ResponseASK     ResponseType = "ASK"
	ResponseMessage ResponseType = "MESSAGE"
	ResponseDone    ResponseType = "DONE"
	ResponseUnknown ResponseType = "UNKNOWN"
)

const defaultDoneMessage = "Skill completed"

// Response is one model reply read against the step grammar.
type Response struct {
	Type     ResponseType `json:"type"`
	Content  string       `json:"content"`
	Command  string       `json:"command,omitempty"`
	Question string       `json:"question,omitempty"`
	Optional bool         `json:"optional,omitempty"`
	Message  string       `json:"message,omitempty"`
	// Implicit is set when no tag matched and the first line was taken as a command.
	Implicit bool `json:"implicit,omitempty"`
}

var (
	cmdTag         = regexp.MustCompile(`(?im)^\[CMD\]\s*(.+)$`)
	askOptionalTag = regexp.MustCompile(`(?ims)^\[ASK:optional\]\s*(.+)$`)
	askTag         = regexp.MustCompile(`(?ims)^\[ASK\]\s*(.+)$`)
	messageTag     = regexp.MustCompile(`(?ims)^\[MESSAGE\]\s*(.+)$`)
	doneTag        = regexp.MustCompile(`(?ims)^\[DONE\]\s*(.*)$`)
	fence          = regexp.MustCompile("^```[a-z]*\\s*|\\s*```$")
)

// ParseResponse classifies a reply. Tags are tried in the order CMD,
// ASK:optional, ASK, MESSAGE, DONE; anything else becomes a command built from
// the first non-empty line.
func ParseResponse(raw string) Response {
	content := strings.TrimSpace(raw)
	if m := cmdTag.FindStringSubmatch(content); m != nil {
		return Response{Type: ResponseCMD, Content: content, Command: stripFence(m[1])}
	}
	if m := askOptionalTag.FindStringSubmatch(content); m != nil {
		return Response{Type: ResponseASK, Content: content, Question: strings.TrimSpace(m[1]), Optional: true}
	}
	if m := askTag.FindStringSubmatch(content); m != nil {
		return Response{Type: ResponseASK, Content: content, Question: strings.TrimSpace(m[1])}
	}
	if m := messageTag.FindStringSubmatch(content); m != nil {
		return Response{Type: ResponseMessage, Content: content, Message: strings.TrimSpace(m[1])}
	}
	if m := doneTag.FindStringSubmatch(content); m != nil {
		msg := strings.TrimSpace(m[1])
		if msg == "" {
			msg = defaultDoneMessage
		}
		return Response{Type: ResponseDone, Content: content, Message: msg}
	}
	for _, line := range strings.Split(content, "\n") {
		if cmd := stripFence(line); cmd != "" {
			return Response{Type: ResponseCMD, Content: content, Command: cmd, Implicit: true}
		}
	}
	return Response{Type: ResponseUnknown, Content: content}
}

func stripFence(s string) string {
	return strings.TrimSpace(fence.ReplaceAllString(strings.TrimSpace(s), ""))
}
