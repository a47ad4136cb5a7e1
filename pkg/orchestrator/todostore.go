package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quantforge/quantforge/pkg/models"
)

// ErrWorkflowNotFound is returned for operations on unknown workflows.
var ErrWorkflowNotFound = errors.New("workflow not found")

// TodoFileName is the persisted TodoList file under each workflow directory.
const TodoFileName = "todolist.json"

// TodoStore persists TodoLists as JSON under
// <dataDir>/workflows/<workflow_id>/todolist.json. The on-disk copy is the
// source of truth when it disagrees with memory. All mutations go through
// the per-workflow lock; concurrent external editors are not supported.
type TodoStore struct {
	dataDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTodoStore creates the store root if needed.
func NewTodoStore(dataDir string) (*TodoStore, error) {
	root := filepath.Join(dataDir, "workflows")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workflow dir: %w", err)
	}
	return &TodoStore{dataDir: dataDir, locks: make(map[string]*sync.Mutex)}, nil
}

// lock returns the mutex serializing mutations of one workflow's list.
func (s *TodoStore) lock(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workflowID] = l
	}
	return l
}

func (s *TodoStore) path(workflowID string) string {
	return filepath.Join(s.dataDir, "workflows", workflowID, TodoFileName)
}

// Save writes the list, replacing any existing file atomically.
func (s *TodoStore) Save(list *models.TodoList) error {
	l := s.lock(list.WorkflowID)
	l.Lock()
	defer l.Unlock()
	return s.write(list)
}

func (s *TodoStore) write(list *models.TodoList) error {
	path := s.path(list.WorkflowID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating workflow dir: %w", err)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding todo list: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing todo list: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing todo list: %w", err)
	}
	return nil
}

// Load reads the persisted list.
func (s *TodoStore) Load(workflowID string) (*models.TodoList, error) {
	data, err := os.ReadFile(s.path(workflowID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading todo list: %w", err)
	}
	var list models.TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding todo list for %s: %w", workflowID, err)
	}
	return &list, nil
}

// Append adds items to the persisted list under the workflow lock. The
// read-modify-write is atomic with respect to other Append and Save calls;
// this is the linearization point of the fix-task protocol.
func (s *TodoStore) Append(workflowID string, items []*models.TodoItem) error {
	l := s.lock(workflowID)
	l.Lock()
	defer l.Unlock()

	list, err := s.Load(workflowID)
	if err != nil {
		return err
	}
	list.Items = append(list.Items, items...)
	return s.write(list)
}

// List returns the ids of all persisted workflows.
func (s *TodoStore) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "workflows"))
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
