package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
broker:
  warning_fraction: 0.75
  hard_cap_tokens: 100000
  reserved_tokens: 500
profiles:
  developer:
    description: "writes code"
    default_tools: ["claude-context", "serena"]
    token_budget: 20000
    natural_transitions: ["researcher"]
  researcher:
    description: "reads and searches"
    default_tools: ["exa", "claude-context"]
    token_budget: 15000
servers:
  claude-context:
    transport: stdio
    command: claude-context-server
  serena:
    transport: http
    base_url: http://localhost:9001
  exa:
    transport: http
    base_url: http://localhost:9002
`

const invalidDoc = `
broker:
  warning_fraction: 0.75
  hard_cap_tokens: 1000
profiles:
  developer:
    default_tools: ["nonexistent-tool"]
    token_budget: 5000
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestStoreLoadsValidDocument(t *testing.T) {
	path := writeTemp(t, validDoc)
	store, err := New(path, nil)
	require.NoError(t, err)

	snap := store.CurrentSnapshot()
	assert.Equal(t, 1, snap.Version)
	assert.Contains(t, snap.Roles, "developer")
	assert.Equal(t, 20000, snap.Roles["developer"].TokenBudget)
	assert.Equal(t, []string{"claude-context", "serena"}, snap.Roles["developer"].DefaultTools)
}

func TestStoreRejectsInvalidDocument(t *testing.T) {
	path := writeTemp(t, invalidDoc)
	_, err := New(path, nil)
	require.Error(t, err)
}

func TestStoreReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	path := writeTemp(t, validDoc)
	store, err := New(path, nil)
	require.NoError(t, err)

	original := store.CurrentSnapshot()

	badPath := writeTemp(t, invalidDoc)
	err = store.Reload(badPath)
	require.Error(t, err)

	assert.Same(t, original, store.CurrentSnapshot())
}

func TestStoreReloadPublishesNewSnapshot(t *testing.T) {
	path := writeTemp(t, validDoc)
	store, err := New(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(validDoc+"\n"), 0o644))
	require.NoError(t, store.Reload(path))

	assert.Equal(t, 2, store.CurrentSnapshot().Version)
}

func TestRoleDefaultToolSet(t *testing.T) {
	path := writeTemp(t, validDoc)
	store, err := New(path, nil)
	require.NoError(t, err)

	set := store.CurrentSnapshot().Roles["researcher"].DefaultToolSet()
	_, ok := set["exa"]
	assert.True(t, ok)
	_, ok = set["claude-context"]
	assert.True(t, ok)
	assert.Len(t, set, 2)
}
