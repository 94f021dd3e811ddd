package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hardenlabs/tfgate/internal/config"
	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/gate"
)

func newTestRunner(t *testing.T, files map[string]string) *Runner {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default()
	cfg.Paths.WorkspaceRoot = dir
	r, err := NewRunner(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func writeChangedList(t *testing.T, r *Runner, files ...string) string {
	t.Helper()
	path := filepath.Join(r.Root, "changed.txt")
	var body string
	for _, f := range files {
		body += f + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanWritesArtifacts(t *testing.T) {
	r := newTestRunner(t, map[string]string{"a.py": "try:\n    do()\nexcept:\n    handle()\n"})
	rep, err := r.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(rep.Findings))
	}

	data, err := os.ReadFile(filepath.Join(r.OutDir, "scan.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	decoded, warnings, err := finding.DecodeJSONL(bytes.NewReader(data))
	if err != nil || len(warnings) != 0 {
		t.Fatalf("stream decode: %v %v", err, warnings)
	}
	if len(decoded) != 1 || decoded[0].TFID != "BEX-001" {
		t.Errorf("stream = %+v", decoded)
	}

	var summary ScanReport
	mustReadJSON(t, filepath.Join(r.OutDir, "scan-report.json"), &summary)
	if summary.Findings != 1 || summary.ByTF["BEX-001"] != 1 {
		t.Errorf("summary = %+v", summary)
	}

	if _, err := os.Stat(filepath.Join(r.OutDir, "audit.log")); err != nil {
		t.Error("audit.log missing after scan")
	}
}

func TestFullRunFixesAndGates(t *testing.T) {
	r := newTestRunner(t, map[string]string{
		"a.py": "try:\n    do()\nexcept:\n    handle()\n",
		"b.py": "def f(x=[]):\n    return x\n",
	})
	changedList := writeChangedList(t, r, "a.py", "b.py")
	res, err := r.Run(context.Background(), RunOptions{
		Gate: GateOptions{ChangeContext: "42", ChangedList: changedList},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Apply.Applied) != 1 {
		t.Fatalf("applied = %+v, want the bare-except fix", res.Apply.Applied)
	}
	if len(res.Packets) != 1 || res.Packets[0].TFID != "MDA-003" {
		t.Fatalf("packets = %+v, want one MDA-003 task", res.Packets)
	}
	if !res.Verify.Pass {
		t.Fatalf("verify = %+v, want pass", res.Verify)
	}
	// MDA-003 is tier 2; the default gate judges tier 1 only, and the tier-1
	// finding was fixed before the gate ran.
	if res.Gate.Decision != gate.Pass {
		t.Fatalf("gate = %+v, want pass", res.Gate)
	}
	if res.Gate.Quality.Fixed != 1 || res.Gate.Quality.Failures != 0 {
		t.Errorf("quality = %+v, want one fix and no suite failures", res.Gate.Quality)
	}

	data, err := os.ReadFile(filepath.Join(r.Root, "a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "try:\n    do()\nexcept:\n    handle()\n" {
		t.Error("tree not rewritten")
	}

	for _, artifact := range []string{
		"scan.jsonl", "scan-report.json", "patch-plan.json", "patches.diff",
		"apply-result.json", "verify-report.json", "gate-report.json", "audit.log",
	} {
		if _, err := os.Stat(filepath.Join(r.OutDir, artifact)); err != nil {
			t.Errorf("artifact %s missing", artifact)
		}
	}
	if _, err := os.Stat(filepath.Join(r.TasksDir, "task_001_MDA-003.json")); err != nil {
		t.Error("task packet missing")
	}
}

func TestRunIdempotent(t *testing.T) {
	files := map[string]string{"a.py": "import yaml\nx = yaml.load(f)\n"}
	r := newTestRunner(t, files)
	changedList := writeChangedList(t, r, "a.py")
	opts := RunOptions{Gate: GateOptions{ChangedList: changedList}}
	if _, err := r.Run(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(r.Root, "a.py"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Plan.Patches) != 0 || len(res.Apply.Applied) != 0 {
		t.Fatalf("second run must be a no-op, got %+v", res.Plan.Patches)
	}
	second, err := os.ReadFile(filepath.Join(r.Root, "a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("content changed on the no-op run")
	}
}

func TestDryRunLeavesTreeUntouched(t *testing.T) {
	content := "import yaml\nx = yaml.load(f)\n"
	r := newTestRunner(t, map[string]string{"a.py": content})
	changedList := writeChangedList(t, r, "a.py")
	res, err := r.Run(context.Background(), RunOptions{DryRun: true, Gate: GateOptions{ChangedList: changedList}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Plan.Patches) != 1 {
		t.Fatalf("plan = %+v, want one patch", res.Plan.Patches)
	}
	data, err := os.ReadFile(filepath.Join(r.Root, "a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Error("dry run modified the tree")
	}
	diff, err := os.ReadFile(filepath.Join(r.OutDir, "patches.diff"))
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) == 0 {
		t.Error("dry run must still render the preview diff")
	}
	// YAML-015 is tier 2, outside the default gate set.
	if res.Gate.Decision != gate.Pass {
		t.Errorf("gate = %+v", res.Gate)
	}
}

func TestGateFailsOnUnfixableTierOne(t *testing.T) {
	// A tier-1 finding the proposer cannot patch (frozen file) must fail the
	// gate; a waiver for it must flip the decision.
	content := "# tfgate:freeze\ntry:\n    do()\nexcept:\n    handle()\n"
	r := newTestRunner(t, map[string]string{"a.py": content})
	changedList := writeChangedList(t, r, "a.py")
	opts := RunOptions{Gate: GateOptions{ChangeContext: "42", ChangedList: changedList}}
	res, err := r.Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Gate.Decision != gate.Fail || res.Gate.Remaining != 1 {
		t.Fatalf("gate = %+v, want fail with one blocker", res.Gate)
	}

	waiverPath := filepath.Join(r.Root, "docs", "agents", "waivers", "PR-42.md")
	if err := os.MkdirAll(filepath.Dir(waiverPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(waiverPath, []byte("- tf_id: BEX-001\n  rationale: frozen legacy file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = r.Run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Gate.Decision != gate.Pass || res.Gate.Waived != 1 {
		t.Fatalf("gate after waiver = %+v, want pass", res.Gate)
	}
}

func TestSnapshotAndRollback(t *testing.T) {
	original := "import yaml\nx = yaml.load(f)\n"
	r := newTestRunner(t, map[string]string{"a.py": original})
	changedList := writeChangedList(t, r, "a.py")
	if _, err := r.Run(context.Background(), RunOptions{Gate: GateOptions{ChangedList: changedList}}); err != nil {
		t.Fatal(err)
	}
	fixed, err := os.ReadFile(filepath.Join(r.Root, "a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(fixed) == original {
		t.Fatal("fix did not land")
	}

	m, err := r.Rollback(true)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Green {
		t.Error("rollback target should be the green snapshot")
	}
	restored, err := os.ReadFile(filepath.Join(r.Root, "a.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != original {
		t.Errorf("restored = %q, want the pre-apply content", restored)
	}
}

func TestWatchRescansOnChange(t *testing.T) {
	r := newTestRunner(t, map[string]string{"a.py": "x = 1\n"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scans := make(chan int, 8)
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func(findings int) { scans <- findings })
	}()

	// Give the watcher a moment to register directories.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(r.Root, "a.py"), []byte("x = yaml.load(f)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-scans:
		if n != 1 {
			t.Errorf("findings = %d, want 1", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch never rescanned")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func mustReadJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("%s: %v", path, err)
	}
}
