package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"termbridge/internal/protocol"
	"termbridge/internal/shell"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrSubscriberBusy = errors.New("session output subscriber slot is held by another owner")
	ErrDetached       = errors.New("session has no live endpoint")
)

// Endpoint is the live side of a session: ordered channel input, transport
// output, one-shot commands on the same connection and teardown.
type Endpoint interface {
	WriteInput(data string) error
	Send(msg protocol.Message) error
	Exec(ctx context.Context, command string) (shell.ExecResult, error)
	Terminate(reason string)
}

// Subscriber receives the cleaned body of every prompt boundary.
type Subscriber func(output string)

type slot struct {
	owner string
	fn    Subscriber
}

// Origin identifies the inventory server a session was opened against.
type Origin struct {
	ServerID   string
	ServerName string
	ServerHost string
	OS         string
}

type RemoteSession struct {
	ID        string
	Origin    Origin
	CreatedAt time.Time

	mu            sync.Mutex
	endpoint      Endpoint
	subscriber    *slot
	pendingLineID string
}

func New(id string, origin Origin, now time.Time) *RemoteSession {
	return &RemoteSession{ID: strings.TrimSpace(id), Origin: origin, CreatedAt: now}
}

func (s *RemoteSession) Bind(ep Endpoint) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()
}

func (s *RemoteSession) endpointOrErr() (Endpoint, error) {
	if s == nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	ep := s.endpoint
	s.mu.Unlock()
	if ep == nil {
		return nil, ErrDetached
	}
	return ep, nil
}

func (s *RemoteSession) WriteInput(data string) error {
	ep, err := s.endpointOrErr()
	if err != nil {
		return err
	}
	return ep.WriteInput(data)
}

func (s *RemoteSession) Send(msg protocol.Message) error {
	ep, err := s.endpointOrErr()
	if err != nil {
		return err
	}
	return ep.Send(msg)
}

func (s *RemoteSession) Exec(ctx context.Context, command string) (shell.ExecResult, error) {
	ep, err := s.endpointOrErr()
	if err != nil {
		return shell.ExecResult{}, err
	}
	return ep.Exec(ctx, command)
}

func (s *RemoteSession) Terminate(reason string) {
	ep, err := s.endpointOrErr()
	if err != nil {
		return
	}
	ep.Terminate(reason)
}

// Claim takes the subscriber slot for owner. Re-claiming under the same owner
// replaces the callback; a different owner gets ErrSubscriberBusy.
func (s *RemoteSession) Claim(owner string, fn Subscriber) error {
	if s == nil {
		return ErrNotFound
	}
	owner = strings.TrimSpace(owner)
	if owner == "" || fn == nil {
		return errors.New("subscriber owner and callback are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber != nil && s.subscriber.owner != owner {
		return ErrSubscriberBusy
	}
	s.subscriber = &slot{owner: owner, fn: fn}
	return nil
}

// Release frees the slot if owner still holds it.
func (s *RemoteSession) Release(owner string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber == nil || s.subscriber.owner != strings.TrimSpace(owner) {
		return false
	}
	s.subscriber = nil
	return true
}

func (s *RemoteSession) SubscriberOwner() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber == nil {
		return ""
	}
	return s.subscriber.owner
}

// Notify hands a boundary body to the current subscriber, if any. The callback
// runs outside the session lock.
func (s *RemoteSession) Notify(output string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	var fn Subscriber
	if s.subscriber != nil {
		fn = s.subscriber.fn
	}
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(output)
	return true
}

func (s *RemoteSession) SetPendingLine(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pendingLineID = strings.TrimSpace(id)
	s.mu.Unlock()
}

// TakePendingLine returns the pending line id and clears it.
func (s *RemoteSession) TakePendingLine() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.pendingLineID
	s.pendingLineID = ""
	return id
}

func (s *RemoteSession) PendingLine() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLineID
}

// Info is the read-only view served over the API.
type Info struct {
	ID              string    `json:"id"`
	ServerID        string    `json:"serverId"`
	ServerName      string    `json:"serverName"`
	ServerHost      string    `json:"serverHost"`
	CreatedAt       time.Time `json:"createdAt"`
	SubscriberOwner string    `json:"subscriberOwner,omitempty"`
}

func (s *RemoteSession) Info() Info {
	return Info{
		ID:              s.ID,
		ServerID:        s.Origin.ServerID,
		ServerName:      s.Origin.ServerName,
		ServerHost:      s.Origin.ServerHost,
		CreatedAt:       s.CreatedAt,
		SubscriberOwner: s.SubscriberOwner(),
	}
}
