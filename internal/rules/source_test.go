package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRulesYAML = `
rules:
  - name: web
    sourceHost: app.example.com
    sourcePath: /
    protocol: HTTP
    targetContainer: web
    targetPort: 8080
    enabled: true
  - name: api
    sourceHost: api.example.com
    sourcePath: /
    protocol: HTTP
    enabled: true
    loadBalancing:
      policy: LEAST_CONN
      targets:
        - container: api-1
          port: 9000
          weight: 2
        - container: api-2
          port: 9000
`

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileSource_Load(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	source := NewFileSource(writeRulesFile(t, testRulesYAML), store)

	count, err := source.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, store.Len())

	list := store.List()
	require.Len(t, list, 2)
	for _, r := range list {
		assert.NotEmpty(t, r.ID, "file rules get IDs assigned")
	}
}

func TestFileSource_Load_ParsesSpecs(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	source := NewFileSource(writeRulesFile(t, testRulesYAML), store)

	_, err := source.Load()
	require.NoError(t, err)

	var api *Rule
	for _, r := range store.List() {
		if r.Name == "api" {
			api = r
		}
	}
	require.NotNil(t, api)
	require.NotNil(t, api.LoadBalancing)
	assert.Equal(t, PolicyLeastConn, api.LoadBalancing.Policy)
	require.Len(t, api.LoadBalancing.Targets, 2)
	assert.Equal(t, 2, api.LoadBalancing.Targets[0].Weight)
	assert.Equal(t, 1, api.LoadBalancing.Targets[1].EffectiveWeight())
}

func TestFileSource_Load_MissingFile(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	source := NewFileSource("/nonexistent/rules.yaml", store)

	_, err := source.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read rules file")
}

func TestFileSource_Load_InvalidRuleRejectsFile(t *testing.T) {
	t.Parallel()

	invalid := `
rules:
  - name: broken
    sourcePath: nope
    enabled: true
`
	store, _ := newTestStore(t)
	source := NewFileSource(writeRulesFile(t, invalid), store)

	_, err := source.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, 0, store.Len())
}

func TestFileSource_HotReload(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, testRulesYAML)
	store, _ := newTestStore(t)
	source := NewFileSource(path, store)

	_, err := source.Load()
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	require.NoError(t, source.Start(context.Background()))
	defer func() { _ = source.Stop() }()

	updated := `
rules:
  - name: web
    sourceHost: app.example.com
    sourcePath: /
    protocol: HTTP
    targetContainer: web
    targetPort: 8080
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		return store.Len() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFileSource_HotReload_KeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	path := writeRulesFile(t, testRulesYAML)
	store, _ := newTestStore(t)
	source := NewFileSource(path, store)

	_, err := source.Load()
	require.NoError(t, err)
	revBefore := store.Revision()

	require.NoError(t, source.Start(context.Background()))
	defer func() { _ = source.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("rules: [not: valid"), 0644))

	// Give the watcher time to fire and fail.
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 2, store.Len())
	assert.Equal(t, revBefore, store.Revision())
}
