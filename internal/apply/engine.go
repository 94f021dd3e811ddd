// Package apply writes approved patches to the working tree. Application is
// idempotent and deterministic: a tree already at its fixed point yields no
// patches, and identical inputs produce bit-identical outputs.
package apply

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hardenlabs/tfgate/internal/patch"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/support"
)

// FreezeMarker opts a file out of automated edits entirely.
const FreezeMarker = "tfgate:freeze"

// Conflict reports one patch that no longer matched the file content. The
// patch is skipped; it never aborts the batch.
type Conflict struct {
	TFID   string `json:"tf_id"`
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// AppliedPatch records one successful application.
type AppliedPatch struct {
	TFID    string `json:"tf_id"`
	File    string `json:"file"`
	Finding string `json:"finding"`
}

// Result is the full apply outcome.
type Result struct {
	DryRun    bool           `json:"dryRun"`
	Applied   []AppliedPatch `json:"applied"`
	Conflicts []Conflict     `json:"conflicts,omitempty"`
	Files     []string       `json:"files,omitempty"` // files rewritten
	Diffs     []string       `json:"-"`               // unified diff per rewritten file
}

// Engine applies patches file by file. Patches touching one file are
// strictly sequential; disjoint files run in parallel.
type Engine struct {
	Root    string
	DryRun  bool
	Workers int
	Log     *zap.Logger
}

func New(root string, dryRun bool, workers int, log *zap.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Root: root, DryRun: dryRun, Workers: workers, Log: log}
}

// Apply applies the batch in (file, position, TF id) order. Each patch is
// re-validated against the content as mutated by earlier patches in the
// batch; a mismatch is an ApplyConflict for that TF/file pair. Writes are
// atomic per file: temp file plus rename, never a partial write.
func (e *Engine) Apply(ctx context.Context, src *source.Context, patches []*patch.Patch) (*Result, error) {
	batch := make([]*patch.Patch, len(patches))
	copy(batch, patches)
	patch.SortPatches(batch)

	byFile := map[string][]*patch.Patch{}
	var files []string
	for _, p := range batch {
		if _, ok := byFile[p.File]; !ok {
			files = append(files, p.File)
		}
		byFile[p.File] = append(byFile[p.File], p)
	}

	res := &Result{DryRun: e.DryRun}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)
	for _, file := range files {
		file := file
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			applied, conflicts, diff, rewrote := e.applyFile(src, file, byFile[file])
			mu.Lock()
			res.Applied = append(res.Applied, applied...)
			res.Conflicts = append(res.Conflicts, conflicts...)
			if rewrote {
				res.Files = append(res.Files, file)
				res.Diffs = append(res.Diffs, diff)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Parallel completion order never leaks into the result.
	sort.Slice(res.Applied, func(i, j int) bool {
		if res.Applied[i].File != res.Applied[j].File {
			return res.Applied[i].File < res.Applied[j].File
		}
		return res.Applied[i].Finding < res.Applied[j].Finding
	})
	sort.Slice(res.Conflicts, func(i, j int) bool {
		if res.Conflicts[i].File != res.Conflicts[j].File {
			return res.Conflicts[i].File < res.Conflicts[j].File
		}
		return res.Conflicts[i].TFID < res.Conflicts[j].TFID
	})
	sort.Sort(&fileDiffs{files: res.Files, diffs: res.Diffs})
	return res, nil
}

func (e *Engine) applyFile(src *source.Context, file string, ps []*patch.Patch) ([]AppliedPatch, []Conflict, string, bool) {
	f, err := src.Load(file)
	if err != nil {
		var conflicts []Conflict
		for _, p := range ps {
			conflicts = append(conflicts, Conflict{TFID: p.TFID, File: file, Reason: err.Error()})
		}
		return nil, conflicts, "", false
	}
	if strings.Contains(f.Content, FreezeMarker) {
		var conflicts []Conflict
		for _, p := range ps {
			conflicts = append(conflicts, Conflict{TFID: p.TFID, File: file, Reason: "file carries freeze marker"})
		}
		return nil, conflicts, "", false
	}

	original := f.Content
	current := original
	offset := 0
	var applied []AppliedPatch
	var conflicts []Conflict
	for _, p := range ps {
		next, delta, ok := p.ApplyToContent(current, offset)
		if !ok {
			conflicts = append(conflicts, Conflict{TFID: p.TFID, File: file, Reason: "content drift: hunk no longer matches"})
			continue
		}
		current = next
		offset += delta
		applied = append(applied, AppliedPatch{TFID: p.TFID, File: file, Finding: p.FindingKey})
	}

	if current == original || len(applied) == 0 {
		return applied, conflicts, "", false
	}
	diff := patch.Unified(file, original, current)
	if e.DryRun {
		return applied, conflicts, diff, true
	}
	if err := support.WriteFileAtomic(src.AbsPath(file), []byte(current)); err != nil {
		e.Log.Error("apply write failed", zap.String("file", file), zap.Error(err))
		conflicts = append(conflicts, Conflict{TFID: ps[0].TFID, File: file, Reason: err.Error()})
		return nil, conflicts, "", false
	}
	src.Invalidate(file)
	e.Log.Info("patched", zap.String("file", file), zap.Int("patches", len(applied)))
	return applied, conflicts, diff, true
}

type fileDiffs struct {
	files []string
	diffs []string
}

func (fd *fileDiffs) Len() int           { return len(fd.files) }
func (fd *fileDiffs) Less(i, j int) bool { return fd.files[i] < fd.files[j] }
func (fd *fileDiffs) Swap(i, j int) {
	fd.files[i], fd.files[j] = fd.files[j], fd.files[i]
	fd.diffs[i], fd.diffs[j] = fd.diffs[j], fd.diffs[i]
}
