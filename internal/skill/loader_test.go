package skill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"termbridge/internal/shell"
)

type execFunc func(ctx context.Context, command string) (shell.ExecResult, error)

func (f execFunc) Exec(ctx context.Context, command string) (shell.ExecResult, error) {
	return f(ctx, command)
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition(deploySkill, "fallback")
	require.NoError(t, err)
	require.Equal(t, "deploy", def.Name)
	require.Equal(t, "Roll out the api service", def.Description)
	require.Equal(t, []Param{{Name: "env", Description: "target environment"}}, def.Params)
	require.Equal(t, "Check the service, then restart it.", def.Content)

	def, err = ParseDefinition("just do it\n", "plain")
	require.NoError(t, err)
	require.Equal(t, "plain", def.Name)
	require.Equal(t, "just do it", def.Content)

	_, err = ParseDefinition("---\nname: [broken\n---\nbody", "x")
	require.Error(t, err)
}

func TestCleanRelPath(t *testing.T) {
	got, err := cleanRelPath(`/ops\backup/`)
	require.NoError(t, err)
	require.Equal(t, "ops/backup", got)

	for _, bad := range []string{"", "..", "a/../b", "a b", "x;rm -rf", "$(id)"} {
		_, err := cleanRelPath(bad)
		require.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestLoader_ProjectThenRemote(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "ops/backup", "---\nname: backup\n---\nRun the backup.")
	l := NewLoader(dir, nil)

	var ran []string
	remote := execFunc(func(_ context.Context, command string) (shell.ExecResult, error) {
		ran = append(ran, command)
		if command == "cat ~/.config/kosmos-panel/skills/rotate/SKILL.md 2>/dev/null" {
			return shell.ExecResult{Stdout: "---\nname: rotate-logs\n---\nRotate."}, nil
		}
		return shell.ExecResult{ExitCode: 1}, nil
	})

	def, err := l.Load(context.Background(), remote, "", "ops/backup")
	require.NoError(t, err)
	require.Equal(t, "backup", def.Name)
	require.Equal(t, SourceProject, def.Source)
	require.Empty(t, ran)

	def, err = l.Load(context.Background(), remote, "", "rotate")
	require.NoError(t, err)
	require.Equal(t, "rotate-logs", def.Name)
	require.Equal(t, SourceRemote, def.Source)

	_, err = l.Load(context.Background(), remote, SourceProject, "rotate")
	require.ErrorIs(t, err, ErrSkillNotFound)

	_, err = l.Load(context.Background(), remote, SourceRemote, "missing")
	require.ErrorIs(t, err, ErrSkillNotFound)

	_, err = l.Load(context.Background(), remote, "elsewhere", "rotate")
	require.Error(t, err)
}

func TestLoader_ListMissingDir(t *testing.T) {
	l := NewLoader(t.TempDir()+"/absent", nil)
	defs, err := l.List()
	require.NoError(t, err)
	require.Empty(t, defs)
}
