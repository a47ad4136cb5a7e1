// Package cleanup provides data retention for on-disk workflow state.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/quantforge/quantforge/pkg/config"
	"github.com/quantforge/quantforge/pkg/orchestrator"
)

// Service periodically enforces the retention policy:
//   - Removes workflow todo lists older than the retention period
//   - Removes the artifact trees of swept workflows
//
// Age is measured from the last write to a workflow's todo list, so active
// workflows are never swept. All operations are idempotent.
type Service struct {
	config  config.RetentionConfig
	dataDir string

	// now is injectable for tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service over the data directory.
func NewService(cfg config.RetentionConfig, dataDir string) *Service {
	return &Service{
		config:  cfg,
		dataDir: dataDir,
		now:     time.Now,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"workflow_retention_days", s.config.WorkflowRetentionDays,
		"sweep_interval", s.config.SweepInterval())
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.config.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes every workflow whose todo list has not been written within
// the retention period, along with its artifacts.
func (s *Service) sweep() {
	cutoff := s.now().Add(-s.config.MaxAge())

	root := filepath.Join(s.dataDir, "workflows")
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Error("Retention: listing workflows failed", "error", err)
		return
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workflowID := entry.Name()
		if !s.expired(filepath.Join(root, workflowID), cutoff) {
			continue
		}
		if err := s.remove(workflowID); err != nil {
			slog.Error("Retention: sweep failed", "workflow_id", workflowID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("Retention: swept old workflows", "count", count)
	}
}

// expired reports whether the workflow's last todo-list write predates the
// cutoff. A directory without a todo list falls back to its own mtime.
func (s *Service) expired(dir string, cutoff time.Time) bool {
	info, err := os.Stat(filepath.Join(dir, orchestrator.TodoFileName))
	if err != nil {
		info, err = os.Stat(dir)
		if err != nil {
			return false
		}
	}
	return info.ModTime().Before(cutoff)
}

func (s *Service) remove(workflowID string) error {
	if err := os.RemoveAll(filepath.Join(s.dataDir, "workflows", workflowID)); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.dataDir, "artifacts", workflowID))
}
