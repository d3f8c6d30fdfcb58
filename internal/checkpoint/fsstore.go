package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FSStore is the filesystem Checkpoint Store backend: one JSON file per
// checkpoint under <baseDir>/checkpoints/<investigationId>/<checkpointId>.json,
// with a sibling latest.json holding a full copy of the most recently saved
// checkpoint for that investigation. Every write lands via a temp file plus
// rename so a crash mid-write never leaves a half-written file visible to a
// reader.
type FSStore struct {
	baseDir             string
	maxPerInvestigation int
}

// NewFSStore returns an FSStore rooted at baseDir. maxPerInvestigation <= 0
// falls back to DefaultMaxPerInvestigation.
func NewFSStore(baseDir string, maxPerInvestigation int) *FSStore {
	if maxPerInvestigation <= 0 {
		maxPerInvestigation = DefaultMaxPerInvestigation
	}
	return &FSStore{baseDir: baseDir, maxPerInvestigation: maxPerInvestigation}
}

func (s *FSStore) investigationDir(investigationID string) string {
	return filepath.Join(s.baseDir, "checkpoints", investigationID)
}

func (s *FSStore) checkpointPath(investigationID, id string) string {
	return filepath.Join(s.investigationDir(investigationID), id+".json")
}

func (s *FSStore) latestPath(investigationID string) string {
	return filepath.Join(s.investigationDir(investigationID), "latest.json")
}

// Save writes cp under its investigation directory, refreshes the latest
// pointer, and prunes checkpoints beyond maxPerInvestigation.
func (s *FSStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if cp.ID == "" {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		cp.ID = id
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	dir := s.investigationDir(cp.InvestigationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: mkdir %q: %w", dir, err)
	}

	data, err := marshal(cp)
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.checkpointPath(cp.InvestigationID, cp.ID), data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.latestPath(cp.InvestigationID), data); err != nil {
		return "", err
	}

	if err := s.prune(cp.InvestigationID); err != nil {
		return cp.ID, err
	}
	return cp.ID, nil
}

func (s *FSStore) Load(ctx context.Context, investigationID, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.checkpointPath(investigationID, id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %q/%q: %w", investigationID, id, err)
	}
	return unmarshal(data)
}

func (s *FSStore) LoadLatest(ctx context.Context, investigationID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.latestPath(investigationID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read latest %q: %w", investigationID, err)
	}
	return unmarshal(data)
}

// List returns every checkpoint recorded for investigationID, newest first.
// A missing directory is an empty list, not an error; a corrupt file is
// skipped rather than failing the whole read, per spec.
func (s *FSStore) List(ctx context.Context, investigationID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := s.listCheckpointFiles(investigationID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(files))
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(s.investigationDir(investigationID), name))
		if err != nil {
			continue
		}
		cp, err := unmarshal(data)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: cp.ID, InvestigationID: cp.InvestigationID, CreatedAt: cp.CreatedAt, Phase: cp.Phase})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	return entries, nil
}

func (s *FSStore) listCheckpointFiles(investigationID string) ([]string, error) {
	dir := s.investigationDir(investigationID)
	infos, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %q: %w", investigationID, err)
	}
	var out []string
	for _, fi := range infos {
		if fi.IsDir() || fi.Name() == "latest.json" {
			continue
		}
		out = append(out, fi.Name())
	}
	return out, nil
}

// ListInvestigations returns every investigation id with at least one
// checkpoint on disk.
func (s *FSStore) ListInvestigations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := filepath.Join(s.baseDir, "checkpoints")
	infos, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list investigations: %w", err)
	}
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() {
			continue
		}
		files, err := s.listCheckpointFiles(fi.Name())
		if err != nil || len(files) == 0 {
			continue
		}
		out = append(out, fi.Name())
	}
	return out, nil
}

func (s *FSStore) Delete(ctx context.Context, investigationID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.checkpointPath(investigationID, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete %q/%q: %w", investigationID, id, err)
	}
	return s.refreshLatestAfterDelete(investigationID)
}

// refreshLatestAfterDelete recomputes latest.json from the newest remaining
// checkpoint, or removes the pointer entirely if none remain.
func (s *FSStore) refreshLatestAfterDelete(investigationID string) error {
	entries, err := s.List(context.Background(), investigationID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_ = os.Remove(s.latestPath(investigationID))
		return nil
	}
	cp, err := s.Load(context.Background(), investigationID, entries[0].ID)
	if err != nil {
		return err
	}
	data, err := marshal(cp)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.latestPath(investigationID), data)
}

func (s *FSStore) DeleteAll(ctx context.Context, investigationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.investigationDir(investigationID)); err != nil {
		return fmt.Errorf("checkpoint: delete all %q: %w", investigationID, err)
	}
	return nil
}

// prune removes the oldest checkpoints beyond maxPerInvestigation, leaving
// latest.json untouched (it is always a copy of the newest, which prune
// never removes).
func (s *FSStore) prune(investigationID string) error {
	entries, err := s.List(context.Background(), investigationID)
	if err != nil {
		return err
	}
	if len(entries) <= s.maxPerInvestigation {
		return nil
	}
	for _, e := range entries[s.maxPerInvestigation:] {
		if err := os.Remove(s.checkpointPath(investigationID, e.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: prune %q/%q: %w", investigationID, e.ID, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %q -> %q: %w", tmp, path, err)
	}
	return nil
}
