// Package inventory resolves server ids to connection targets from a
// read-only TOML file.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"termbridge/internal/shell"
)

var (
	ErrServerNotFound     = errors.New("server not found")
	ErrCredentialNotFound = errors.New("credential not found")
)

type Server struct {
	ID           string `toml:"id" json:"id"`
	Name         string `toml:"name" json:"name"`
	Host         string `toml:"host" json:"host"`
	Port         int    `toml:"port" json:"port"`
	User         string `toml:"user" json:"user"`
	CredentialID string `toml:"credential_id" json:"credentialId"`
	Transport    string `toml:"transport" json:"transport"`
	OS           string `toml:"os" json:"os"`
}

type Credential struct {
	ID             string `toml:"id"`
	PrivateKeyPath string `toml:"private_key_path"`
	PrivateKey     string `toml:"private_key"`
	Passphrase     string `toml:"passphrase"`
	Password       string `toml:"password"`
	UseAgent       bool   `toml:"use_agent"`
}

type file struct {
	Servers     []Server     `toml:"servers"`
	Credentials []Credential `toml:"credentials"`
}

type Inventory struct {
	servers     map[string]Server
	credentials map[string]Credential
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(v string) string {
	return placeholder.ReplaceAllStringFunc(v, func(m string) string {
		return os.Getenv(placeholder.FindStringSubmatch(m)[1])
	})
}

func Parse(raw []byte) (*Inventory, error) {
	var f file
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	inv := &Inventory{servers: map[string]Server{}, credentials: map[string]Credential{}}
	for _, srv := range f.Servers {
		srv.ID = strings.TrimSpace(srv.ID)
		if srv.ID == "" {
			return nil, errors.New("parse inventory: server without id")
		}
		if _, dup := inv.servers[srv.ID]; dup {
			return nil, fmt.Errorf("parse inventory: duplicate server id %q", srv.ID)
		}
		srv.Host = strings.TrimSpace(expandEnv(srv.Host))
		srv.User = strings.TrimSpace(expandEnv(srv.User))
		srv.Transport = strings.ToLower(strings.TrimSpace(srv.Transport))
		if srv.Transport == "" {
			srv.Transport = shell.TransportSSH
		}
		srv.OS = strings.ToLower(strings.TrimSpace(srv.OS))
		if srv.OS == "" {
			srv.OS = "linux"
		}
		if srv.Name == "" {
			srv.Name = srv.ID
		}
		inv.servers[srv.ID] = srv
	}
	for _, cred := range f.Credentials {
		cred.ID = strings.TrimSpace(cred.ID)
		if cred.ID == "" {
			return nil, errors.New("parse inventory: credential without id")
		}
		cred.PrivateKeyPath = expandEnv(cred.PrivateKeyPath)
		cred.PrivateKey = expandEnv(cred.PrivateKey)
		cred.Passphrase = expandEnv(cred.Passphrase)
		cred.Password = expandEnv(cred.Password)
		inv.credentials[cred.ID] = cred
	}
	return inv, nil
}

func (inv *Inventory) Servers() []Server {
	if inv == nil {
		return nil
	}
	out := make([]Server, 0, len(inv.servers))
	for _, srv := range inv.servers {
		out = append(out, srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Target resolves a server and its credential into a dialable target.
func (inv *Inventory) Target(serverID string) (shell.Target, error) {
	if inv == nil {
		return shell.Target{}, ErrServerNotFound
	}
	srv, ok := inv.servers[strings.TrimSpace(serverID)]
	if !ok {
		return shell.Target{}, ErrServerNotFound
	}
	target := shell.Target{
		ServerID:  srv.ID,
		Name:      srv.Name,
		Host:      srv.Host,
		Port:      srv.Port,
		User:      srv.User,
		Transport: srv.Transport,
		OS:        srv.OS,
	}
	if srv.Transport == shell.TransportLocal {
		return target, nil
	}
	if strings.TrimSpace(srv.CredentialID) == "" {
		target.Credential = shell.Credential{UseAgent: true}
		return target, nil
	}
	cred, ok := inv.credentials[srv.CredentialID]
	if !ok {
		return shell.Target{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, srv.CredentialID)
	}
	target.Credential = shell.Credential{
		PrivateKey:     cred.PrivateKey,
		PrivateKeyPath: cred.PrivateKeyPath,
		Passphrase:     cred.Passphrase,
		Password:       cred.Password,
		UseAgent:       cred.UseAgent,
	}
	return target, nil
}

// FileStore rereads the inventory file whenever its modification time changes.
type FileStore struct {
	path string

	mu      sync.Mutex
	modTime int64
	size    int64
	cached  *Inventory
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: strings.TrimSpace(path)}
}

func (s *FileStore) Load() (*Inventory, error) {
	if s == nil || s.path == "" {
		return &Inventory{servers: map[string]Server{}, credentials: map[string]Credential{}}, nil
	}
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Inventory{servers: map[string]Server{}, credentials: map[string]Credential{}}, nil
	}
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && info.ModTime().UnixNano() == s.modTime && info.Size() == s.size {
		return s.cached, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	inv, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	s.cached = inv
	s.modTime = info.ModTime().UnixNano()
	s.size = info.Size()
	return inv, nil
}

func (s *FileStore) Target(serverID string) (shell.Target, error) {
	inv, err := s.Load()
	if err != nil {
		return shell.Target{}, err
	}
	return inv.Target(serverID)
}
