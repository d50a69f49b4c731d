package skill

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSystemPrompt(t *testing.T) {
	got := buildSystemPrompt("BASE", "  host notes ", "deploy", "Step one.\n")
	require.Equal(t, "BASE\n\n--- System Context ---\nhost notes\n\n--- Active Skill: deploy ---\nStep one.", got)

	got = buildSystemPrompt("BASE", "", "deploy", "body")
	require.Equal(t, "BASE\n\n--- Active Skill: deploy ---\nbody", got)
}

func TestBuildInitialUserPrompt(t *testing.T) {
	got := buildInitialUserPrompt("deploy", map[string]string{"env": "prod", "app": "api"}, "")
	require.Equal(t, "Execute skill: deploy\n\nParameters:\n- app: api\n- env: prod", got)

	got = withStep(buildInitialUserPrompt("deploy", nil, "roll back api"), 1, 100)
	require.Equal(t, "roll back api\n\n[Step 1 of 100]", got)
}
