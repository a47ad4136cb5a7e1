package orchestrator

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/quantforge/pkg/models"
)

func newStore(t *testing.T) *TodoStore {
	t.Helper()
	store, err := NewTodoStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func sampleList(workflowID string) *models.TodoList {
	return &models.TodoList{
		WorkflowID: workflowID,
		CreatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Items: []*models.TodoItem{
			item("task_1", models.RoleArchitect, 1),
			item("task_2", models.RoleCoder, 2, "task_1"),
		},
	}
}

func TestTodoStore_SaveLoadRoundtrip(t *testing.T) {
	store := newStore(t)
	list := sampleList("wf_rt")
	require.NoError(t, store.Save(list))

	loaded, err := store.Load("wf_rt")
	require.NoError(t, err)
	assert.Equal(t, list.WorkflowID, loaded.WorkflowID)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, []string{"task_1"}, loaded.Items[1].Dependencies)
}

func TestTodoStore_LoadUnknownWorkflow(t *testing.T) {
	store := newStore(t)
	_, err := store.Load("wf_missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestTodoStore_AppendExtendsPersistedList(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(sampleList("wf_ap")))

	require.NoError(t, store.Append("wf_ap", []*models.TodoItem{
		item("task_fix", models.RoleCoder, 3),
	}))

	loaded, err := store.Load("wf_ap")
	require.NoError(t, err)
	require.Len(t, loaded.Items, 3)
	assert.Equal(t, "task_fix", loaded.Items[2].ID)
}

func TestTodoStore_AppendToUnknownWorkflow(t *testing.T) {
	store := newStore(t)
	err := store.Append("wf_none", []*models.TodoItem{item("x", models.RoleCoder, 1)})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestTodoStore_ConcurrentAppendsLoseNothing(t *testing.T) {
	store := newStore(t)
	list := sampleList("wf_cc")
	list.Items = nil
	list.Items = append(list.Items, item("task_seed", models.RoleArchitect, 1))
	require.NoError(t, store.Save(list))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			it := item(models.NewTaskID(), models.RoleCoder, n)
			assert.NoError(t, store.Append("wf_cc", []*models.TodoItem{it}))
		}(i)
	}
	wg.Wait()

	loaded, err := store.Load("wf_cc")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 11)
}

func TestTodoStore_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTodoStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(sampleList("wf_tmp")))

	entries, err := os.ReadDir(filepath.Join(dir, "workflows", "wf_tmp"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TodoFileName, entries[0].Name())
}

func TestTodoStore_ListWorkflows(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(sampleList("wf_a")))
	require.NoError(t, store.Save(sampleList("wf_b")))

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf_a", "wf_b"}, ids)
}
