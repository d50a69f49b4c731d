package skill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"termbridge/internal/logging"
	"termbridge/internal/shell"
)

const (
	SourceProject = "project"
	SourceRemote  = "remote"

	skillFileName     = "SKILL.md"
	defaultRemoteRoot = "~/.config/kosmos-panel/skills"
	remoteLoadTimeout = 5 * time.Second
)

var (
	ErrSkillNotFound = errors.New("skill not found")
	ErrInvalidPath   = errors.New("invalid skill path")
)

type Param struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Definition is a parsed SKILL.md.
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
	Content     string  `json:"-"`
	Path        string  `json:"path"`
	Source      string  `json:"source"`
}

type frontMatter struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Params      []Param `yaml:"params"`
}

var frontMatterBlock = regexp.MustCompile(`^---\r?\n([\s\S]*?)\r?\n---(?:\r?\n([\s\S]*))?$`)

// ParseDefinition splits YAML front matter from the skill body. A file without
// front matter is all body and takes the fallback name.
func ParseDefinition(content, fallbackName string) (Definition, error) {
	def := Definition{Name: fallbackName, Params: []Param{}}
	m := frontMatterBlock.FindStringSubmatch(content)
	if m == nil {
		def.Content = strings.TrimSpace(content)
		return def, nil
	}
	var meta frontMatter
	if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
		return Definition{}, fmt.Errorf("parse skill front matter: %w", err)
	}
	if name := strings.TrimSpace(meta.Name); name != "" {
		def.Name = name
	}
	def.Description = strings.TrimSpace(meta.Description)
	for _, p := range meta.Params {
		if name := strings.TrimSpace(p.Name); name != "" {
			def.Params = append(def.Params, Param{Name: name, Description: strings.TrimSpace(p.Description)})
		}
	}
	def.Content = strings.TrimSpace(m[2])
	return def, nil
}

var safeRelPath = regexp.MustCompile(`^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+)*$`)

// cleanRelPath normalises a skill path to slash form and refuses anything
// that could leave the skills root or break out of a shell word.
func cleanRelPath(p string) (string, error) {
	rel := strings.Trim(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"), "/")
	if rel == "" || !safeRelPath.MatchString(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return rel, nil
}

// Execer runs a one-shot command on the remote host of a session.
type Execer interface {
	Exec(ctx context.Context, command string) (shell.ExecResult, error)
}

type Loader struct {
	Dir        string
	RemoteRoot string
	Logger     *slog.Logger

	readFile func(string) ([]byte, error)
}

func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{Dir: strings.TrimSpace(dir), RemoteRoot: defaultRemoteRoot, Logger: logging.Module(logger, "skill")}
}

// Load resolves a skill by path. An empty source tries the project directory
// first and then the remote host.
func (l *Loader) Load(ctx context.Context, remote Execer, source, skillPath string) (Definition, error) {
	rel, err := cleanRelPath(skillPath)
	if err != nil {
		return Definition{}, err
	}
	switch strings.TrimSpace(source) {
	case SourceProject:
		return l.loadProject(rel)
	case SourceRemote:
		return l.loadRemote(ctx, remote, rel)
	case "":
		def, err := l.loadProject(rel)
		if err == nil || !errors.Is(err, ErrSkillNotFound) {
			return def, err
		}
		return l.loadRemote(ctx, remote, rel)
	default:
		return Definition{}, fmt.Errorf("unknown skill source %q", source)
	}
}

func (l *Loader) loadProject(rel string) (Definition, error) {
	if l.Dir == "" {
		return Definition{}, fmt.Errorf("%w: %s", ErrSkillNotFound, rel)
	}
	readFile := os.ReadFile
	if l.readFile != nil {
		readFile = l.readFile
	}
	raw, err := readFile(filepath.Join(l.Dir, filepath.FromSlash(rel), skillFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Definition{}, fmt.Errorf("%w: %s", ErrSkillNotFound, rel)
		}
		return Definition{}, err
	}
	def, err := ParseDefinition(string(raw), path.Base(rel))
	if err != nil {
		return Definition{}, err
	}
	def.Path = rel
	def.Source = SourceProject
	return def, nil
}

func (l *Loader) loadRemote(ctx context.Context, remote Execer, rel string) (Definition, error) {
	if remote == nil {
		return Definition{}, fmt.Errorf("%w: %s", ErrSkillNotFound, rel)
	}
	root := strings.TrimRight(l.RemoteRoot, "/")
	if root == "" {
		root = defaultRemoteRoot
	}
	ctx, cancel := context.WithTimeout(ctx, remoteLoadTimeout)
	defer cancel()
	res, err := remote.Exec(ctx, fmt.Sprintf("cat %s/%s/%s 2>/dev/null", root, rel, skillFileName))
	if err != nil {
		logging.OrDiscard(l.Logger).Warn("remote skill load failed", "path", rel, "err", err)
		return Definition{}, fmt.Errorf("%w: %s", ErrSkillNotFound, rel)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return Definition{}, fmt.Errorf("%w: %s", ErrSkillNotFound, rel)
	}
	def, err := ParseDefinition(res.Stdout, path.Base(rel))
	if err != nil {
		return Definition{}, err
	}
	def.Path = rel
	def.Source = SourceRemote
	return def, nil
}

// List walks the project directory for SKILL.md files.
func (l *Loader) List() ([]Definition, error) {
	out := []Definition{}
	if l == nil || l.Dir == "" {
		return out, nil
	}
	info, err := os.Stat(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return out, nil
	}
	err = filepath.WalkDir(l.Dir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(d.Name(), skillFileName) {
			return nil
		}
		relDir, err := filepath.Rel(l.Dir, filepath.Dir(p))
		if err != nil || relDir == "." {
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		def, err := ParseDefinition(string(raw), filepath.Base(relDir))
		if err != nil {
			logging.OrDiscard(l.Logger).Warn("skip unreadable skill", "path", p, "err", err)
			return nil
		}
		def.Path = filepath.ToSlash(relDir)
		def.Source = SourceProject
		out = append(out, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
