package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

func newTestStore(t *testing.T) (*Store, *util.FakeClock) {
	t.Helper()
	clock := &util.FakeClock{T: time.Unix(1000, 0)}
	return NewStore(WithStoreClock(clock)), clock
}

func TestStore_Add(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	rule := validRule()
	rule.ID = ""
	rule.CreatedAt = time.Time{}

	stored, err := store.Add(rule)
	require.NoError(t, err)

	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, time.Unix(1000, 0), stored.CreatedAt)
	assert.Equal(t, uint64(1), store.Revision())
	assert.Equal(t, 1, store.Len())
}

func TestStore_Add_RejectsInvalid(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	rule := validRule()
	rule.SourceHost = ""

	_, err := store.Add(rule)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	var issues *util.ValidationIssues
	require.ErrorAs(t, err, &issues)
	assert.NotEmpty(t, issues.Issues)

	assert.Equal(t, uint64(0), store.Revision(), "failed add must not bump the revision")
	assert.Equal(t, 0, store.Len())
}

func TestStore_Add_RejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.Add(validRule())
	require.NoError(t, err)

	other := validRule()
	other.SourcePath = "/other"
	_, err = store.Add(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestStore_Add_RejectsRouteCollision(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.Add(validRule())
	require.NoError(t, err)

	colliding := validRule()
	colliding.ID = "r-2"
	colliding.Name = "web-2"

	_, err = store.Add(colliding)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.Contains(t, err.Error(), "collides")
}

func TestStore_Update(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)

	stored, err := store.Add(validRule())
	require.NoError(t, err)

	clock.Advance(time.Minute)

	changed := stored.Clone()
	changed.SourcePath = "/api"
	changed.CreatedAt = time.Time{} // ignored; preserved from stored rule

	updated, err := store.Update(changed)
	require.NoError(t, err)

	assert.Equal(t, "/api", updated.SourcePath)
	assert.Equal(t, stored.CreatedAt, updated.CreatedAt)
	assert.Equal(t, time.Unix(1060, 0), updated.UpdatedAt)
	assert.Equal(t, uint64(2), store.Revision())
}

func TestStore_Update_NotFound(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.Update(validRule())
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestStore_Remove(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	stored, err := store.Add(validRule())
	require.NoError(t, err)

	require.NoError(t, store.Remove(stored.ID))
	assert.Equal(t, 0, store.Len())

	err = store.Remove(stored.ID)
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestStore_Get_ReturnsCopy(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	stored, err := store.Add(validRule())
	require.NoError(t, err)

	got, err := store.Get(stored.ID)
	require.NoError(t, err)

	got.Name = "mutated"
	again, err := store.Get(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "web", again.Name)
}

func TestStore_List_Deterministic(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)

	first := validRule()
	first.ID = "b"
	_, err := store.Add(first)
	require.NoError(t, err)

	clock.Advance(time.Second)

	second := validRule()
	second.ID = "a"
	second.SourcePath = "/two"
	_, err = store.Add(second)
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "older rule first")
	assert.Equal(t, "a", list[1].ID)
}

func TestStore_SetEnabled(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	stored, err := store.Add(validRule())
	require.NoError(t, err)

	disabled, err := store.SetEnabled(stored.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, uint64(2), store.Revision())

	// No-op toggle does not bump the revision.
	same, err := store.SetEnabled(stored.ID, false)
	require.NoError(t, err)
	assert.False(t, same.Enabled)
	assert.Equal(t, uint64(2), store.Revision())
}

func TestStore_SetEnabled_RejectsCollisionOnEnable(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.Add(validRule())
	require.NoError(t, err)

	shadow := validRule()
	shadow.ID = "r-2"
	shadow.Name = "web-2"
	shadow.Enabled = false

	_, err = store.Add(shadow)
	require.NoError(t, err)

	_, err = store.SetEnabled("r-2", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.Contains(t, err.Error(), "collides")
}

func TestStore_OnChange(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	var revisions []uint64
	store.OnChange(func(rev uint64) {
		revisions = append(revisions, rev)
	})

	stored, err := store.Add(validRule())
	require.NoError(t, err)
	require.NoError(t, store.Remove(stored.ID))

	assert.Equal(t, []uint64{1, 2}, revisions)
}

func TestStore_ReplaceFileRules(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	manual := validRule()
	manual.ID = "manual"
	manual.SourcePath = "/manual"
	_, err := store.Add(manual)
	require.NoError(t, err)

	fileRule := validRule()
	fileRule.ID = ""
	fileRule.Name = "file-web"
	fileRule.SourcePath = "/file"

	count, err := store.ReplaceFileRules([]*Rule{fileRule})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, store.Len())

	// Replacing again drops the previous file subset, keeps manual rules.
	other := validRule()
	other.ID = ""
	other.Name = "file-api"
	other.SourcePath = "/api"

	count, err = store.ReplaceFileRules([]*Rule{other})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, store.Len())

	_, err = store.Get("manual")
	assert.NoError(t, err)
}

func TestStore_ReplaceFileRules_RejectsBatchOnAnyInvalid(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	good := validRule()
	good.ID = ""
	good.Name = "good"

	bad := validRule()
	bad.ID = ""
	bad.Name = "bad"
	bad.SourceHost = ""
	bad.SourcePath = "/bad"

	_, err := store.ReplaceFileRules([]*Rule{good, bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	assert.Equal(t, 0, store.Len(), "batch rejection must keep the store unchanged")
	assert.Equal(t, uint64(0), store.Revision())
}

func TestStore_ReplaceFileRules_RejectsDuplicateIDsInBatch(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	first := validRule()
	first.ID = "r-dup"
	first.Name = "file-web"

	second := validRule()
	second.ID = "r-dup"
	second.Name = "file-api"
	second.SourcePath = "/api"

	_, err := store.ReplaceFileRules([]*Rule{first, second})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.Contains(t, err.Error(), "duplicate rule ID r-dup")

	assert.Equal(t, 0, store.Len(), "batch rejection must keep the store unchanged")
	assert.Equal(t, uint64(0), store.Revision())
}

func TestStore_ReplaceFileRules_PreservesCreatedAtByName(t *testing.T) {
	t.Parallel()

	store, clock := newTestStore(t)

	fileRule := validRule()
	fileRule.ID = ""
	fileRule.Name = "file-web"
	fileRule.CreatedAt = time.Time{}

	_, err := store.ReplaceFileRules([]*Rule{fileRule})
	require.NoError(t, err)

	firstList := store.List()
	require.Len(t, firstList, 1)
	firstCreated := firstList[0].CreatedAt

	clock.Advance(time.Hour)

	again := validRule()
	again.ID = ""
	again.Name = "file-web"
	again.SourcePath = "/moved"
	again.CreatedAt = time.Time{}

	_, err = store.ReplaceFileRules([]*Rule{again})
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, firstCreated, list[0].CreatedAt)
	assert.Equal(t, "/moved", list[0].SourcePath)
}

func TestStore_ReplaceFileRules_CollisionWithManualRule(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.Add(validRule())
	require.NoError(t, err)

	colliding := validRule()
	colliding.ID = ""
	colliding.Name = "file-web"

	_, err = store.ReplaceFileRules([]*Rule{colliding})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}
