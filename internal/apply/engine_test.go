package apply

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/patch"
	"github.com/hardenlabs/tfgate/internal/scan"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/tf"
)

type fixture struct {
	dir string
	reg *tf.Registry
	src *source.Context
}

func newFixture(t *testing.T, files map[string]string) *fixture {
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
	reg, err := tf.Build("")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{dir: dir, reg: reg, src: source.NewContext(dir)}
}

// pass runs scan then propose and returns the resolved patches plus findings.
func (fx *fixture) pass(t *testing.T) ([]*patch.Patch, []finding.Finding) {
	t.Helper()
	names, err := source.ListFiles(fx.dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := scan.New(1, nil).Scan(context.Background(), fx.src, names, fx.reg)
	if err != nil {
		t.Fatal(err)
	}
	p := &patch.Proposer{Registry: fx.reg}
	var patches []*patch.Patch
	for i := range rep.Findings {
		if res := p.Propose(fx.src, &rep.Findings[i]); res.Kind == patch.Resolved {
			patches = append(patches, res.Patch)
		}
	}
	return patches, rep.Findings
}

func (fx *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fx.dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestApplyIdempotence(t *testing.T) {
	fx := newFixture(t, map[string]string{"a.py": "try:\n    do()\nexcept:\n    handle()\n"})
	patches, _ := fx.pass(t)
	if len(patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(patches))
	}
	res, err := New(fx.dir, false, 2, nil).Apply(context.Background(), fx.src, patches)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 1 || len(res.Conflicts) != 0 {
		t.Fatalf("applied %d conflicts %d", len(res.Applied), len(res.Conflicts))
	}
	after := fx.read(t, "a.py")

	// Second pass over the fixed tree generates nothing and changes nothing.
	patches, findings := fx.pass(t)
	if len(patches) != 0 {
		t.Fatalf("second pass proposed %d patch(es)", len(patches))
	}
	for _, f := range findings {
		if f.TFID == "BEX-001" {
			t.Fatalf("detector still fires after fix: %+v", f)
		}
	}
	if fx.read(t, "a.py") != after {
		t.Fatal("tree changed without any patch")
	}
}

func TestApplyDeterminism(t *testing.T) {
	files := map[string]string{
		"a.py": "try:\n    do()\nexcept:\n    pass\nimport yaml\nx = yaml.load(f)\n",
		"b.py": "subprocess.run(cmd)\n",
	}
	var outputs []map[string]string
	for run := 0; run < 2; run++ {
		fx := newFixture(t, files)
		patches, _ := fx.pass(t)
		if _, err := New(fx.dir, false, 4, nil).Apply(context.Background(), fx.src, patches); err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, map[string]string{
			"a.py": fx.read(t, "a.py"),
			"b.py": fx.read(t, "b.py"),
		})
	}
	for name := range outputs[0] {
		if outputs[0][name] != outputs[1][name] {
			t.Errorf("%s differs across runs:\n%q\n%q", name, outputs[0][name], outputs[1][name])
		}
	}
}

func TestApplyTwoPatchesSameFile(t *testing.T) {
	content := "import yaml\n" +
		"x = yaml.load(f)\n" +
		"try:\n" +
		"    do()\n" +
		"except:\n" +
		"    handle()\n"
	fx := newFixture(t, map[string]string{"a.py": content})
	patches, _ := fx.pass(t)
	if len(patches) != 2 {
		t.Fatalf("patches = %d, want 2", len(patches))
	}
	res, err := New(fx.dir, false, 1, nil).Apply(context.Background(), fx.src, patches)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("applied = %d, want 2; conflicts %+v", len(res.Applied), res.Conflicts)
	}
	after := fx.read(t, "a.py")
	for _, want := range []string{"x = yaml.safe_load(f)", "except (ValueError, TypeError, KeyError, IndexError, OSError):"} {
		if !strings.Contains(after, want) {
			t.Errorf("result missing %q:\n%s", want, after)
		}
	}
	// Re-scan finds nothing for either rule.
	if again, _ := fx.pass(t); len(again) != 0 {
		t.Errorf("re-scan proposed %d patch(es)", len(again))
	}
}

func TestApplyConflictOnDrift(t *testing.T) {
	fx := newFixture(t, map[string]string{"a.py": "import yaml\nx = yaml.load(f)\n"})
	patches, _ := fx.pass(t)
	if len(patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(patches))
	}
	// The tree moves underneath the batch.
	if err := os.WriteFile(filepath.Join(fx.dir, "a.py"), []byte("changed = True\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	fx.src.Invalidate("a.py")
	res, err := New(fx.dir, false, 1, nil).Apply(context.Background(), fx.src, patches)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 0 || len(res.Conflicts) != 1 {
		t.Fatalf("want one conflict, got applied %d conflicts %+v", len(res.Applied), res.Conflicts)
	}
	if res.Conflicts[0].TFID != "YAML-015" {
		t.Errorf("conflict names wrong rule: %+v", res.Conflicts[0])
	}
	if fx.read(t, "a.py") != "changed = True\n" {
		t.Error("conflicting patch must not touch the file")
	}
}

func TestApplyDryRun(t *testing.T) {
	fx := newFixture(t, map[string]string{"a.py": "x = yaml.load(f)\n"})
	patches, _ := fx.pass(t)
	res, err := New(fx.dir, true, 1, nil).Apply(context.Background(), fx.src, patches)
	if err != nil {
		t.Fatal(err)
	}
	if !res.DryRun || len(res.Applied) != 1 || len(res.Diffs) != 1 {
		t.Fatalf("dry run should report the would-be patch: %+v", res)
	}
	if fx.read(t, "a.py") != "x = yaml.load(f)\n" {
		t.Fatal("dry run must not write")
	}
}

func TestApplyRespectsFreezeMarker(t *testing.T) {
	fx := newFixture(t, map[string]string{"a.py": "# tfgate:freeze\nx = yaml.load(f)\n"})
	patches, _ := fx.pass(t)
	if len(patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(patches))
	}
	res, err := New(fx.dir, false, 1, nil).Apply(context.Background(), fx.src, patches)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 0 || len(res.Conflicts) != 1 {
		t.Fatalf("frozen file must conflict, got %+v", res)
	}
}

