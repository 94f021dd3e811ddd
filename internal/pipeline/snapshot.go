package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hardenlabs/tfgate/internal/support"
)

// SnapshotManifest records what a pre-apply snapshot holds. Green is set
// after the run's verify report passes; rollback targets the newest green
// snapshot by default.
type SnapshotManifest struct {
	RunID        string   `json:"runId"`
	TimestampUtc string   `json:"timestampUtc"`
	Files        []string `json:"files"`
	Green        bool     `json:"green"`
}

const snapshotManifestName = "manifest.json"

// Snapshot copies the files about to change into <historyDir>/<runID>/
// before the apply engine touches them.
func (r *Runner) Snapshot(files []string) error {
	if len(files) == 0 {
		return nil
	}
	dir := filepath.Join(r.HistoryDir, r.RunID)
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, rel := range sorted {
		src := filepath.Join(r.Root, filepath.FromSlash(rel))
		dst := filepath.Join(dir, "files", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := support.CopyFileAtomic(src, dst); err != nil {
			return fmt.Errorf("snapshot %s: %w", rel, err)
		}
	}
	manifest := SnapshotManifest{
		RunID:        r.RunID,
		TimestampUtc: time.Now().UTC().Format(time.RFC3339),
		Files:        sorted,
	}
	if err := support.WriteJSONAtomic(filepath.Join(dir, snapshotManifestName), manifest); err != nil {
		return err
	}
	r.Log.Info("snapshot taken", zap.String("runId", r.RunID), zap.Int("files", len(sorted)))
	return nil
}

// MarkSnapshotGreen flags this run's snapshot after verification passed.
func (r *Runner) MarkSnapshotGreen() error {
	path := filepath.Join(r.HistoryDir, r.RunID, snapshotManifestName)
	m, err := readManifest(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing was applied, nothing to flag
		}
		return err
	}
	m.Green = true
	return support.WriteJSONAtomic(path, m)
}

// Rollback restores the newest snapshot, or the newest green one when
// greenOnly is set. It returns the restored manifest.
func (r *Runner) Rollback(greenOnly bool) (*SnapshotManifest, error) {
	entries, err := os.ReadDir(r.HistoryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no snapshots under %s", r.HistoryDir)
		}
		return nil, err
	}
	var manifests []*SnapshotManifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(r.HistoryDir, e.Name(), snapshotManifestName))
		if err != nil {
			r.Log.Warn("unreadable snapshot skipped", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].TimestampUtc > manifests[j].TimestampUtc
	})
	for _, m := range manifests {
		if greenOnly && !m.Green {
			continue
		}
		if err := r.restore(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if greenOnly {
		return nil, fmt.Errorf("no green snapshot under %s", r.HistoryDir)
	}
	return nil, fmt.Errorf("no snapshots under %s", r.HistoryDir)
}

func (r *Runner) restore(m *SnapshotManifest) error {
	dir := filepath.Join(r.HistoryDir, m.RunID, "files")
	for _, rel := range m.Files {
		src := filepath.Join(dir, filepath.FromSlash(rel))
		dst := filepath.Join(r.Root, filepath.FromSlash(rel))
		if err := support.CopyFileAtomic(src, dst); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
		r.Src.Invalidate(rel)
	}
	r.Log.Info("snapshot restored", zap.String("runId", m.RunID), zap.Int("files", len(m.Files)))
	return nil
}

func readManifest(path string) (*SnapshotManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m SnapshotManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
