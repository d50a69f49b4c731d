package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Transport message types exchanged with the terminal client.
const (
	TypeData          = "data"
	TypeErr           = "err"
	TypeResize        = "resize"
	TypeClose         = "close"
	TypeSession       = "session"
	TypeFatal         = "fatal"
	TypeCommandLog    = "command_log"
	TypeCommandResult = "command_result"
	TypeRemoteCommand = "remote_command"
	TypeCancelCommand = "cancel_command"
	TypeAIQuery       = "ai_query"
	TypePing          = "ping"
	TypePong          = "pong"

	TypeSkillInvoke   = "skill_invoke"
	TypeSkillsList    = "skills_list"
	TypeSkillMessage  = "skill_message"
	TypeSkillAsk      = "skill_ask"
	TypeSkillCommand  = "skill_command"
	TypeSkillStep     = "skill_step"
	TypeSkillComplete = "skill_complete"
	TypeSkillError    = "skill_error"
)

var ErrMissingType = errors.New("message type is required")

// Message is the single JSON shape used in both directions; only the fields
// relevant to Type are populated.
type Message struct {
	Type string `json:"type"`

	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`

	Command             string `json:"command,omitempty"`
	CommandID           string `json:"commandId,omitempty"`
	RequireConfirmation bool   `json:"requireConfirmation,omitempty"`
	Status              string `json:"status,omitempty"`
	Stdout              string `json:"stdout,omitempty"`
	Stderr              string `json:"stderr,omitempty"`
	ExitCode            *int   `json:"exitCode,omitempty"`

	Prompt string            `json:"prompt,omitempty"`
	Name   string            `json:"name,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	Text   string            `json:"text,omitempty"`
	Step   int               `json:"step,omitempty"`
	Max    int               `json:"max,omitempty"`

	// Optional marks a skill_ask question that may be answered with nothing.
	Optional bool `json:"optional,omitempty"`

	SkillSessionID string          `json:"skillSessionId,omitempty"`
	Skills         json.RawMessage `json:"skills,omitempty"`
}

func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

func Data(text string) Message { return Message{Type: TypeData, Data: text} }

func Stderr(text string) Message { return Message{Type: TypeErr, Data: text} }

func Fatal(err error) Message {
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	return Message{Type: TypeFatal, Error: text}
}

func Session(id string) Message { return Message{Type: TypeSession, SessionID: id} }

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
