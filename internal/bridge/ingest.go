package bridge

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/support"
	"github.com/hardenlabs/tfgate/internal/tf"
	"github.com/hardenlabs/tfgate/internal/verify"
	"github.com/hardenlabs/tfgate/internal/waiver"
)

// IngestOutcome classifies one returned diff.
type IngestOutcome string

const (
	IngestMerged  IngestOutcome = "merged"
	IngestWaived  IngestOutcome = "waived" // verification failed, waiver recorded
	IngestSkipped IngestOutcome = "skipped"
)

// IngestedDiff is the per-diff record in an IngestResult.
type IngestedDiff struct {
	Diff    string        `json:"diff"`
	TFID    string        `json:"tf_id,omitempty"`
	Files   []string      `json:"files,omitempty"`
	Outcome IngestOutcome `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
}

// IngestResult summarizes one ingest pass.
type IngestResult struct {
	Diffs  []IngestedDiff `json:"diffs"`
	Merged int            `json:"merged"`
	Waived int            `json:"waived"`
}

// Ingester applies resolver diffs. Each diff is tried in an isolated copy
// of the files it touches; only a copy that passes the rule's acceptance
// rescan is merged into the real tree. A failing diff is not discarded: a
// waiver is recorded so the gate shows the attempt and its rationale.
type Ingester struct {
	Root    string
	Ledger  *waiver.Ledger
	Context string // change identifier for recorded waivers
	Log     *zap.Logger
}

func NewIngester(root string, ledger *waiver.Ledger, changeContext string, log *zap.Logger) *Ingester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingester{Root: root, Ledger: ledger, Context: changeContext, Log: log}
}

// Ingest processes every diff under diffDir in name order.
func (in *Ingester) Ingest(ctx context.Context, src *source.Context, reg *tf.Registry, diffDir string, now time.Time) (*IngestResult, error) {
	paths, err := ListDiffs(diffDir)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{}
	for _, path := range paths {
		rec := in.ingestOne(ctx, src, reg, path, now)
		res.Diffs = append(res.Diffs, rec)
		switch rec.Outcome {
		case IngestMerged:
			res.Merged++
		case IngestWaived:
			res.Waived++
		}
	}
	return res, nil
}

func (in *Ingester) ingestOne(ctx context.Context, src *source.Context, reg *tf.Registry, path string, now time.Time) IngestedDiff {
	rec := IngestedDiff{Diff: filepath.Base(path), TFID: tfIDFromDiffName(path), Outcome: IngestSkipped}
	data, err := os.ReadFile(path)
	if err != nil {
		rec.Reason = err.Error()
		return rec
	}
	fileDiffs, err := parseUnified(string(data))
	if err != nil {
		rec.Reason = "unparseable diff: " + err.Error()
		return rec
	}
	if len(fileDiffs) == 0 {
		rec.Reason = "diff touches no files"
		return rec
	}

	// Stage the edit against the current tree content, without touching it.
	staged := map[string]string{}
	for _, fd := range fileDiffs {
		rec.Files = append(rec.Files, fd.Path)
		f, err := src.Load(fd.Path)
		if err != nil {
			rec.Reason = fmt.Sprintf("%s: %v", fd.Path, err)
			return rec
		}
		next, ok := fd.apply(f.Content)
		if !ok {
			rec.Reason = fmt.Sprintf("%s: diff does not apply to current content", fd.Path)
			return rec
		}
		staged[fd.Path] = next
	}

	if rec.TFID == "" {
		rec.Reason = "diff name does not identify a rule"
		return rec
	}
	t := reg.Get(rec.TFID)
	if t == nil {
		rec.Reason = "unknown rule " + rec.TFID
		return rec
	}

	ok, reason, err := in.acceptIsolated(ctx, t, staged)
	if err != nil {
		rec.Reason = err.Error()
		return rec
	}
	if !ok {
		rec.Outcome = IngestWaived
		rec.Reason = reason
		w := waiver.Waiver{
			TFID:      rec.TFID,
			Context:   in.Context,
			Rationale: "resolver diff " + rec.Diff + " failed verification: " + reason,
			Expiry:    now.Add(14 * 24 * time.Hour),
		}
		if in.Ledger != nil {
			if err := in.Ledger.Record(w); err != nil {
				rec.Reason += "; waiver not recorded: " + err.Error()
			}
		}
		in.Log.Warn("resolver diff rejected", zap.String("diff", rec.Diff), zap.String("reason", reason))
		return rec
	}

	for relPath, content := range staged {
		if err := support.WriteFileAtomic(src.AbsPath(relPath), []byte(content)); err != nil {
			rec.Reason = err.Error()
			return rec
		}
		src.Invalidate(relPath)
	}
	rec.Outcome = IngestMerged
	in.Log.Info("resolver diff merged", zap.String("diff", rec.Diff), zap.Strings("files", rec.Files))
	return rec
}

// acceptIsolated materializes the staged files in a throwaway tree and runs
// the rule's acceptance rescan there.
func (in *Ingester) acceptIsolated(ctx context.Context, t *tf.TF, staged map[string]string) (bool, string, error) {
	dir, err := os.MkdirTemp("", "tfgate-ingest-")
	if err != nil {
		return false, "", err
	}
	defer os.RemoveAll(dir)

	var files []string
	for relPath, content := range staged {
		abs := filepath.Join(dir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return false, "", err
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return false, "", err
		}
		files = append(files, relPath)
	}

	v := verify.New(dir, 0, in.Log)
	isolated := source.NewContext(dir)
	touched := map[string][]string{t.ID: files}
	rescans, err := v.Rescan(ctx, isolated, tf.NewRegistry([]*tf.TF{t}), touched)
	if err != nil {
		return false, "", err
	}
	for _, r := range rescans {
		if !r.Clean {
			return false, fmt.Sprintf("%d finding(s) remain for %s", r.Remaining, r.TFID), nil
		}
	}
	return true, "", nil
}

// fileDiff is one file's hunks from a unified diff.
type fileDiff struct {
	Path  string
	Hunks []diffHunk
}

type diffHunk struct {
	OldStart int      // 1-based
	Lines    []string // with leading ' ', '-', '+'
}

// parseUnified reads the subset of unified diff the resolvers produce:
// `--- a/path` / `+++ b/path` headers and `@@ -l,n +l,n @@` hunks.
func parseUnified(text string) ([]fileDiff, error) {
	var out []fileDiff
	var cur *fileDiff
	var hunk *diffHunk
	closeHunk := func() {
		if hunk != nil && cur != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	closeFile := func() {
		closeHunk()
		if cur != nil {
			out = append(out, *cur)
		}
		cur = nil
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "--- "):
			closeFile()
		case strings.HasPrefix(line, "+++ "):
			name := strings.TrimPrefix(line, "+++ ")
			name = strings.TrimPrefix(name, "b/")
			cur = &fileDiff{Path: filepath.ToSlash(name)}
		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, fmt.Errorf("hunk before file header")
			}
			closeHunk()
			start, err := parseHunkStart(line)
			if err != nil {
				return nil, err
			}
			hunk = &diffHunk{OldStart: start}
		case hunk != nil && (line == "" || line[0] == ' ' || line[0] == '-' || line[0] == '+'):
			if line == "" {
				line = " "
			}
			hunk.Lines = append(hunk.Lines, line)
		case strings.HasPrefix(line, `\ No newline`):
			// tolerated, content comparison is line based
		}
	}
	closeFile()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseHunkStart(header string) (int, error) {
	// "@@ -12,3 +12,4 @@ ..."
	fields := strings.Fields(header)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, fmt.Errorf("malformed hunk header %q", header)
	}
	spec := strings.TrimPrefix(fields[1], "-")
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}
	n, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("malformed hunk header %q", header)
	}
	return n, nil
}

// apply replays the hunks against content, validating every context and
// removed line. Any mismatch rejects the whole diff.
func (fd *fileDiff) apply(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	trailingNL := strings.HasSuffix(content, "\n")
	if trailingNL && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}

	var out []string
	pos := 0 // 0-based index into lines
	for _, h := range fd.Hunks {
		start := h.OldStart - 1
		if start < pos || start > len(lines) {
			return "", false
		}
		out = append(out, lines[pos:start]...)
		pos = start
		for _, l := range h.Lines {
			tag, body := l[0], l[1:]
			switch tag {
			case ' ':
				if pos >= len(lines) || lines[pos] != body {
					return "", false
				}
				out = append(out, body)
				pos++
			case '-':
				if pos >= len(lines) || lines[pos] != body {
					return "", false
				}
				pos++
			case '+':
				out = append(out, body)
			}
		}
	}
	out = append(out, lines[pos:]...)
	result := strings.Join(out, "\n")
	if trailingNL {
		result += "\n"
	}
	return result, true
}
