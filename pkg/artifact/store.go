// Package artifact provides workflow-scoped, content-addressed storage of
// task outputs. Writes are once-only per (workflow, task, attempt); prior
// attempts are preserved so any iteration of a workflow can be replayed.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sentinel errors.
var (
	ErrAttemptExists    = errors.New("attempt already written")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidID        = errors.New("invalid artifact path component")
)

// ManifestFileName is written alongside the artifacts of each attempt.
const ManifestFileName = "manifest.json"

// Entry describes one stored file.
type Entry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest records the content hashes of one attempt's artifacts.
type Manifest struct {
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	AttemptID  string    `json:"attempt_id"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    []Entry   `json:"entries"`
}

// Store is a filesystem artifact store rooted at a single directory. Layout
// is <root>/<workflow_id>/<task_id>/<attempt_id>/<name>. Safe for concurrent
// use within one process.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put stores the named files for one attempt and writes the manifest.
// A second Put for the same (workflow, task, attempt) fails with
// ErrAttemptExists; earlier attempts are never touched.
func (s *Store) Put(workflowID, taskID, attemptID string, files map[string][]byte) (*Manifest, error) {
	dir, err := s.attemptDir(workflowID, taskID, attemptID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrAttemptExists, workflowID, taskID, attemptID)
	}

	// Stage into a temp sibling and rename so a crash never leaves a
	// half-written attempt that would block the retry.
	staging := dir + ".tmp"
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("staging attempt dir: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := &Manifest{
		WorkflowID: workflowID,
		TaskID:     taskID,
		AttemptID:  attemptID,
		CreatedAt:  time.Now().UTC(),
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := validName(name); err != nil {
			return nil, err
		}
		data := files[name]
		sum := sha256.Sum256(data)
		if err := os.WriteFile(filepath.Join(staging, name), data, 0o644); err != nil {
			return nil, fmt.Errorf("writing artifact %s: %w", name, err)
		}
		manifest.Entries = append(manifest.Entries, Entry{
			Name:   name,
			SHA256: hex.EncodeToString(sum[:]),
			Size:   int64(len(data)),
		})
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, ManifestFileName), manifestData, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	if err := os.Rename(staging, dir); err != nil {
		return nil, fmt.Errorf("committing attempt: %w", err)
	}
	return manifest, nil
}

// Get reads one named artifact from an attempt.
func (s *Store) Get(workflowID, taskID, attemptID, name string) ([]byte, error) {
	dir, err := s.attemptDir(workflowID, taskID, attemptID)
	if err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s/%s/%s", ErrArtifactNotFound, workflowID, taskID, attemptID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", name, err)
	}
	return data, nil
}

// GetManifest reads and verifies an attempt's manifest. Files whose content
// no longer matches the recorded hash fail the read.
func (s *Store) GetManifest(workflowID, taskID, attemptID string) (*Manifest, error) {
	data, err := s.Get(workflowID, taskID, attemptID, ManifestFileName)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	for _, entry := range manifest.Entries {
		content, err := s.Get(workflowID, taskID, attemptID, entry.Name)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return nil, fmt.Errorf("artifact %s: content hash mismatch", entry.Name)
		}
	}
	return &manifest, nil
}

// ListAttempts returns the attempt ids recorded for a task, sorted.
func (s *Store) ListAttempts(workflowID, taskID string) ([]string, error) {
	if err := validComponent(workflowID); err != nil {
		return nil, err
	}
	if err := validComponent(taskID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, workflowID, taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	var attempts []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
			attempts = append(attempts, e.Name())
		}
	}
	sort.Strings(attempts)
	return attempts, nil
}

// ListTasks returns the task ids with stored artifacts for a workflow.
func (s *Store) ListTasks(workflowID string) ([]string, error) {
	if err := validComponent(workflowID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, workflowID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	var tasks []string
	for _, e := range entries {
		if e.IsDir() {
			tasks = append(tasks, e.Name())
		}
	}
	sort.Strings(tasks)
	return tasks, nil
}

// AttemptDir returns the directory of a committed attempt, for handing to a
// sandbox run as its input path.
func (s *Store) AttemptDir(workflowID, taskID, attemptID string) (string, error) {
	dir, err := s.attemptDir(workflowID, taskID, attemptID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: %s/%s/%s", ErrArtifactNotFound, workflowID, taskID, attemptID)
	}
	return dir, nil
}

func (s *Store) attemptDir(workflowID, taskID, attemptID string) (string, error) {
	for _, part := range []string{workflowID, taskID, attemptID} {
		if err := validComponent(part); err != nil {
			return "", err
		}
	}
	return filepath.Join(s.root, workflowID, taskID, attemptID), nil
}

// validComponent rejects path components that could escape the store root.
func validComponent(part string) error {
	if part == "" || part == "." || part == ".." ||
		strings.ContainsAny(part, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidID, part)
	}
	return nil
}

func validName(name string) error {
	return validComponent(name)
}
