package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// fileStore keeps tasks in memory and rewrites <path> as a JSON snapshot
// after every change. The snapshot is written to a temp file and renamed
// into place.
type fileStore struct {
	*memoryStore

	log  logx.Logger
	path string

	// wmu orders snapshot writes.
	wmu sync.Mutex
}

type fileSnapshot struct {
	Version int               `json:"version"`
	Tasks   []task.Descriptor `json:"tasks"`
}

const snapshotVersion = 1

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{memoryStore: newMemory(), log: log, path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		var snap fileSnapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", path, err)
		}
		for _, d := range snap.Tasks {
			s.tasks[d.ID] = d
		}
		log.Info("task snapshot loaded", logx.String("path", path), logx.Int("tasks", len(snap.Tasks)))
	}
	return s, nil
}

func (s *fileStore) Create(ctx context.Context, d task.Descriptor) (task.Descriptor, error) {
	d, err := s.memoryStore.Create(ctx, d)
	if err != nil {
		return d, err
	}
	return d, s.persist()
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	if err := s.memoryStore.Delete(ctx, id); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	if err := s.memoryStore.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) Close() error {
	return s.persist()
}

func (s *fileStore) persist() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	b, err := json.MarshalIndent(fileSnapshot{Version: snapshotVersion, Tasks: s.snapshot()}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		s.log.Warn("snapshot write failed", logx.String("path", s.path), logx.Err(err))
		return err
	}
	return nil
}
