// Package bridge hands ambiguous findings to an external resolver and takes
// its answers back in. A task packet carries everything the resolver needs,
// so it can act without re-scanning the tree; returned diffs re-enter the
// pipeline through the same verification path as auto-fixes.
package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/support"
	"github.com/hardenlabs/tfgate/internal/tf"
)

// TaskPacket is one self-contained unit of work for the external resolver.
type TaskPacket struct {
	ID                string   `json:"id"`
	TFID              string   `json:"tf_id"`
	File              string   `json:"file"`
	Line              int      `json:"line"`
	EndLine           int      `json:"endLine,omitempty"`
	Col               int      `json:"col,omitempty"`
	Message           string   `json:"message"`
	CodeFrame         string   `json:"codeFrame"`
	AllowedTransforms []string `json:"allowedTransforms"`
	DecisionRule      string   `json:"decisionRule"`
	Hints             []string `json:"hints,omitempty"`
}

// Emitter writes packets into the tasks directory.
type Emitter struct {
	TasksDir string
	Log      *zap.Logger

	// newID is swapped in tests for stable filenames and packet ids.
	newID func() string
}

func NewEmitter(tasksDir string, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{TasksDir: tasksDir, Log: log, newID: uuid.NewString}
}

// Emit writes one packet per ambiguous finding, named
// task_NNN_<tf>.json in finding order. Previously emitted packets for the
// same ordinal are overwritten; a fresh run owns the tasks directory.
func (e *Emitter) Emit(ambiguous []finding.Finding, reg *tf.Registry) ([]TaskPacket, error) {
	sorted := append([]finding.Finding(nil), ambiguous...)
	finding.Sort(sorted)

	if err := os.MkdirAll(e.TasksDir, 0o755); err != nil {
		return nil, err
	}
	var packets []TaskPacket
	for i, f := range sorted {
		t := reg.Get(f.TFID)
		if t == nil {
			e.Log.Warn("no rule for ambiguous finding, skipped", zap.String("tf", f.TFID))
			continue
		}
		p := TaskPacket{
			ID:        e.newID(),
			TFID:      f.TFID,
			File:      f.File,
			Line:      f.Line,
			EndLine:   f.EndLine,
			Col:       f.Col,
			Message:   f.Message,
			CodeFrame: f.Frame,
			Hints:     f.Hints,
		}
		for _, tr := range t.Transforms {
			p.AllowedTransforms = append(p.AllowedTransforms, string(tr.Kind))
		}
		p.DecisionRule = describeDecision(t)
		name := fmt.Sprintf("task_%03d_%s.json", i+1, f.TFID)
		if err := support.WriteJSONAtomic(filepath.Join(e.TasksDir, name), p); err != nil {
			return packets, err
		}
		packets = append(packets, p)
		e.Log.Info("task packet emitted", zap.String("file", name), zap.String("tf", f.TFID))
	}
	return packets, nil
}

func describeDecision(t *tf.TF) string {
	switch t.Decision.Rule {
	case "auto":
		return "auto"
	case "ask":
		return "ask: every instance needs review"
	case "auto-unless":
		return "auto-unless: review when " + t.Decision.AskWhen
	}
	return t.Decision.Rule
}

// ListDiffs returns the diff files under dir in name order. Resolvers name
// their answers after the packet they resolve, task_NNN_<tf>.diff.
func ListDiffs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".diff" {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// tfIDFromDiffName extracts the rule id from task_NNN_<tf>.diff.
func tfIDFromDiffName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), ".diff")
	parts := strings.SplitN(stem, "_", 3)
	if len(parts) == 3 && tf.ValidID(parts[2]) {
		return parts[2]
	}
	return ""
}
