package facts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

func TestTableResolver_Resolve(t *testing.T) {
	t.Parallel()

	r := NewTableResolver()
	r.Set("web", Endpoint{Address: "10.0.0.5", Port: 8080})

	ep, err := r.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8080", ep.HostPort())
}

func TestTableResolver_Resolve_Unknown(t *testing.T) {
	t.Parallel()

	r := NewTableResolver()

	_, err := r.Resolve("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrUnknownContainer)
	assert.Contains(t, err.Error(), `"ghost"`)
}

func TestTableResolver_ResolvePort(t *testing.T) {
	t.Parallel()

	r := NewTableResolver()
	r.Set("web", Endpoint{Address: "10.0.0.5", Port: 8080})

	ep, err := r.ResolvePort("web", 9090)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9090", ep.HostPort())

	_, err = r.ResolvePort("ghost", 9090)
	assert.ErrorIs(t, err, util.ErrUnknownContainer)
}

func TestTableResolver_Hooks(t *testing.T) {
	t.Parallel()

	r := NewTableResolver()

	var changes []string
	r.OnChange(func(container string) {
		changes = append(changes, container)
	})

	r.Set("web", Endpoint{Address: "10.0.0.5", Port: 8080})
	r.Set("web", Endpoint{Address: "10.0.0.5", Port: 8080}) // no change, no hook
	r.Set("web", Endpoint{Address: "10.0.0.6", Port: 8080})
	r.Remove("web")
	r.Remove("web") // already gone, no hook

	assert.Equal(t, []string{"web", "web", "web"}, changes)
}

func TestTableResolver_Replace(t *testing.T) {
	t.Parallel()

	r := NewTableResolver()
	r.Set("web", Endpoint{Address: "10.0.0.5", Port: 8080})
	r.Set("api", Endpoint{Address: "10.0.0.6", Port: 9000})

	var changes []string
	r.OnChange(func(container string) {
		changes = append(changes, container)
	})

	r.Replace(map[string]Endpoint{
		"web": {Address: "10.0.0.5", Port: 8080}, // unchanged
		"db":  {Address: "10.0.0.7", Port: 5432}, // added
	})

	assert.Equal(t, 2, r.Len())
	assert.ElementsMatch(t, []string{"db", "api"}, changes, "added and removed fire, unchanged does not")

	_, err := r.Resolve("api")
	assert.ErrorIs(t, err, util.ErrUnknownContainer)
}

func TestTableResolver_ReplaceIsDefensive(t *testing.T) {
	t.Parallel()

	table := map[string]Endpoint{"web": {Address: "10.0.0.5", Port: 8080}}
	r := NewTableResolver()
	r.Replace(table)

	table["web"] = Endpoint{Address: "mutated", Port: 1}

	ep, err := r.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ep.Address)
}
