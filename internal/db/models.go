package db

// AuditEntry is one append-only audit record. Seq is the write order.
type AuditEntry struct {
	Seq         int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	ID          string `gorm:"column:id;uniqueIndex;not null"`
	SessionID   string `gorm:"column:session_id;not null;default:''"`
	Type        string `gorm:"column:type;not null"`
	Timestamp   int64  `gorm:"column:ts;not null;default:0"`
	ServerID    string `gorm:"column:server_id;not null;default:''"`
	ServerName  string `gorm:"column:server_name;not null;default:''"`
	ServerHost  string `gorm:"column:server_host;not null;default:''"`
	Command     string `gorm:"column:command;not null;default:''"`
	Output      string `gorm:"column:output;not null;default:''"`
	AIQuery     string `gorm:"column:ai_query;not null;default:''"`
	StdinID     string `gorm:"column:stdin_id;not null;default:''"`
	AIQueryID   string `gorm:"column:ai_query_id;not null;default:''"`
	SkillLogID  string `gorm:"column:skill_log_id;not null;default:''"`
	SkillName   string `gorm:"column:skill_name;not null;default:''"`
	Step        int    `gorm:"column:step;not null;default:0"`
	MaxSteps    int    `gorm:"column:max_steps;not null;default:0"`
	PayloadJSON string `gorm:"column:payload_json;not null;default:''"`
}

func (AuditEntry) TableName() string { return "audit_log" }
