// Package audit is the append-only record of commands, output, model queries
// and skill steps.
package audit

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeStdin               Type = "stdin"
	TypeStdout              Type = "stdout"
	TypeStderr              Type = "stderr"
	TypeAIQuery             Type = "ai_query"
	TypeRemoteCommand       Type = "remote_command"
	TypeRemoteCommandResult Type = "remote_command_result"
	TypeSkillStart          Type = "skill_start"
	TypeSkillCommand        Type = "skill_command"
	TypeSkillMessage        Type = "skill_message"
	TypeSkillAsk            Type = "skill_ask"
	TypeSkillUserInput      Type = "skill_user_input"
	TypeSkillComplete       Type = "skill_complete"
	TypeSkillCancel         Type = "skill_cancel"
	TypeSkillError          Type = "skill_error"
)

type Entry struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Type       Type            `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	ServerID   string          `json:"serverId,omitempty"`
	ServerName string          `json:"serverName,omitempty"`
	ServerHost string          `json:"serverHost,omitempty"`
	Command    string          `json:"command,omitempty"`
	Output     string          `json:"output,omitempty"`
	AIQuery    string          `json:"aiQuery,omitempty"`
	StdinID    string          `json:"stdinId,omitempty"`
	AIQueryID  string          `json:"aiQueryId,omitempty"`
	SkillLogID string          `json:"skillLogId,omitempty"`
	SkillName  string          `json:"skillName,omitempty"`
	Step       int             `json:"step,omitempty"`
	MaxSteps   int             `json:"maxSteps,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Sink accepts entries for durable, ordered storage.
type Sink interface {
	Emit(e Entry)
}

// Query filters a read of the log. Zero values mean no filter.
type Query struct {
	SessionID string
	Type      Type
	Limit     int
}

const defaultQueryLimit = 200

func (q Query) limit() int {
	if q.Limit <= 0 {
		return defaultQueryLimit
	}
	if q.Limit > 5000 {
		return 5000
	}
	return q.Limit
}
