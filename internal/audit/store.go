package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"termbridge/internal/db"
)

type Store interface {
	Append(ctx context.Context, entries []Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
}

// GormStore persists entries in the audit_log table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb}
}

func (s *GormStore) Append(ctx context.Context, entries []Entry) error {
	if s == nil || s.db == nil {
		return errors.New("audit store is not initialized")
	}
	if len(entries) == 0 {
		return nil
	}
	rows := make([]db.AuditEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, toRow(e))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// List returns the most recent matching entries in write order.
func (s *GormStore) List(ctx context.Context, q Query) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit store is not initialized")
	}
	tx := s.db.WithContext(ctx).Model(&db.AuditEntry{})
	if id := strings.TrimSpace(q.SessionID); id != "" {
		tx = tx.Where("session_id = ?", id)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", string(q.Type))
	}
	var rows []db.AuditEntry
	if err := tx.Order("seq DESC").Limit(q.limit()).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, fromRow(rows[i]))
	}
	return out, nil
}

func toRow(e Entry) db.AuditEntry {
	return db.AuditEntry{
		ID:          e.ID,
		SessionID:   e.SessionID,
		Type:        string(e.Type),
		Timestamp:   e.Timestamp.UnixMilli(),
		ServerID:    e.ServerID,
		ServerName:  e.ServerName,
		ServerHost:  e.ServerHost,
		Command:     e.Command,
		Output:      e.Output,
		AIQuery:     e.AIQuery,
		StdinID:     e.StdinID,
		AIQueryID:   e.AIQueryID,
		SkillLogID:  e.SkillLogID,
		SkillName:   e.SkillName,
		Step:        e.Step,
		MaxSteps:    e.MaxSteps,
		PayloadJSON: string(e.Payload),
	}
}

func fromRow(r db.AuditEntry) Entry {
	e := Entry{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Type:       Type(r.Type),
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		ServerID:   r.ServerID,
		ServerName: r.ServerName,
		ServerHost: r.ServerHost,
		Command:    r.Command,
		Output:     r.Output,
		AIQuery:    r.AIQuery,
		StdinID:    r.StdinID,
		AIQueryID:  r.AIQueryID,
		SkillLogID: r.SkillLogID,
		SkillName:  r.SkillName,
		Step:       r.Step,
		MaxSteps:   r.MaxSteps,
	}
	if r.PayloadJSON != "" && json.Valid([]byte(r.PayloadJSON)) {
		e.Payload = json.RawMessage(r.PayloadJSON)
	}
	return e
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemoryStore) Append(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		matched = append(matched, e)
	}
	if n := q.limit(); len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched, nil
}
