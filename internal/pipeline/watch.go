package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 300 * time.Millisecond

// Watch re-runs scan, propose, a dry-run apply preview and the gate after
// every burst of filesystem changes under the workspace. Events inside the
// output and excluded directories are ignored, so the engine's own artifact
// writes never re-trigger it. Returns when ctx is cancelled.
func (r *Runner) Watch(ctx context.Context, onScan func(findings int)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	excluded := map[string]bool{}
	for _, d := range r.excludeDirs() {
		excluded[d] = true
	}
	err = filepath.Walk(r.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != r.Root && excluded[filepath.Base(path)] {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	trigger := func() {
		rep, err := r.Scan(ctx)
		if err != nil {
			r.Log.Error("watch scan failed", zap.Error(err))
			return
		}
		plan, err := r.Propose(ctx, rep.Findings)
		if err != nil {
			r.Log.Error("watch propose failed", zap.Error(err))
			return
		}
		if _, err := r.Apply(ctx, plan.Patches, true); err != nil {
			r.Log.Error("watch apply preview failed", zap.Error(err))
			return
		}
		if _, err := r.Gate(rep.Findings, GateOptions{}); err != nil {
			r.Log.Error("watch gate failed", zap.Error(err))
			return
		}
		if onScan != nil {
			onScan(len(rep.Findings))
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if r.ignored(ev.Name, excluded) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			r.Src.Invalidate(relOrSelf(r.Root, ev.Name))
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, trigger)
		case err := <-watcher.Errors:
			r.Log.Warn("watch error", zap.Error(err))
		}
	}
}

func (r *Runner) ignored(path string, excluded map[string]bool) bool {
	rel, err := filepath.Rel(r.Root, path)
	if err != nil {
		return true
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if excluded[seg] {
			return true
		}
	}
	return false
}

func relOrSelf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
