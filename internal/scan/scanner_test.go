package scan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/tf"
)

func writeTree(t *testing.T, files map[string]string) string {
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
	return dir
}

func scanTree(t *testing.T, files map[string]string) *Report {
	t.Helper()
	dir := writeTree(t, files)
	reg, err := tf.Build("")
	if err != nil {
		t.Fatal(err)
	}
	names, err := source.ListFiles(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := New(2, nil).Scan(context.Background(), source.NewContext(dir), names, reg)
	if err != nil {
		t.Fatal(err)
	}
	return rep
}

func byTF(rep *Report, id string) []finding.Finding {
	var out []finding.Finding
	for _, f := range rep.Findings {
		if f.TFID == id {
			out = append(out, f)
		}
	}
	return out
}

func TestDetectBareExcept(t *testing.T) {
	rep := scanTree(t, map[string]string{"a.py": "try:\n    do()\nexcept:\n    handle()\n"})
	got := byTF(rep, "BEX-001")
	if len(got) != 1 {
		t.Fatalf("BEX-001 findings = %d, want 1", len(got))
	}
	f := got[0]
	if f.Line != 3 || f.Tier != 1 || f.Ambiguous {
		t.Errorf("unexpected finding %+v", f)
	}
}

func TestDetectBroadExceptVariants(t *testing.T) {
	cases := []struct {
		name, line string
		want       int
	}{
		{"bare", "except:", 1},
		{"exception", "except Exception:", 1},
		{"exception as", "except Exception as e:", 1},
		{"narrow", "except ValueError:", 0},
		{"in string", `x = "except:"`, 0},
		{"in comment", "# except:", 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rep := scanTree(t, map[string]string{"a.py": "try:\n    do()\n" + tc.line + "\n    handle()\n"})
			if got := len(byTF(rep, "BEX-001")); got != tc.want {
				t.Errorf("findings = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDetectSilentHandler(t *testing.T) {
	rep := scanTree(t, map[string]string{"a.py": "try:\n    do()\nexcept ValueError:\n    pass\n"})
	got := byTF(rep, "SIL-002")
	if len(got) != 1 {
		t.Fatalf("SIL-002 findings = %d, want 1", len(got))
	}
	if got[0].Line != 4 {
		t.Errorf("finding should point at the pass statement, got line %d", got[0].Line)
	}
}

func TestSilentHandlerNeedsSoleStatement(t *testing.T) {
	rep := scanTree(t, map[string]string{"a.py": "try:\n    do()\nexcept ValueError:\n    log()\n    pass\n"})
	if got := len(byTF(rep, "SIL-002")); got != 0 {
		t.Errorf("multi-statement handler must not match, got %d", got)
	}
}

func TestDetectSubprocess(t *testing.T) {
	src := "import subprocess\n" +
		"subprocess.run(cmd)\n" +
		"subprocess.run(cmd, check=True)\n" +
		"subprocess.Popen(cmd,\n" +
		"    shell=False)\n"
	rep := scanTree(t, map[string]string{"a.py": src})
	got := byTF(rep, "SUB-006")
	if len(got) != 2 {
		t.Fatalf("SUB-006 findings = %d, want 2 (check=True suppressed)", len(got))
	}
	if got[0].Line != 2 || got[0].Ambiguous {
		t.Errorf("one-line call should be unambiguous: %+v", got[0])
	}
	if got[1].Line != 4 || !got[1].Ambiguous {
		t.Errorf("multi-line call should be ambiguous: %+v", got[1])
	}
}

func TestDetectUnsafeYAMLLoad(t *testing.T) {
	rep := scanTree(t, map[string]string{"a.py": "import yaml\ndata = yaml.load(f)\nsafe = yaml.safe_load(f)\n"})
	got := byTF(rep, "YAML-015")
	if len(got) != 1 || got[0].Line != 2 {
		t.Fatalf("YAML-015 = %+v, want one finding on line 2", got)
	}
}

func TestDetectMissingJSONHandling(t *testing.T) {
	guarded := "def load(s):\n" +
		"    try:\n" +
		"        return json.loads(s)\n" +
		"    except json.JSONDecodeError:\n" +
		"        return None\n"
	bare := "def load(s):\n" +
		"    return json.loads(s)\n"
	rep := scanTree(t, map[string]string{"guarded.py": guarded, "bare.py": bare})
	if got := len(byTF(rep, "JSON-016")); got != 1 {
		t.Fatalf("JSON-016 findings = %d, want 1", got)
	}
	if f := byTF(rep, "JSON-016")[0]; f.File != "bare.py" {
		t.Errorf("finding in wrong file: %s", f.File)
	}
}

func TestDetectUnmanagedResource(t *testing.T) {
	src := "f = open(path)\n" +
		"with open(path) as fh:\n" +
		"    use(fh)\n"
	rep := scanTree(t, map[string]string{"a.py": src})
	got := byTF(rep, "RES-005")
	if len(got) != 1 || got[0].Line != 1 {
		t.Fatalf("RES-005 = %+v, want one finding on line 1", got)
	}
}

func TestDetectFormattedSQL(t *testing.T) {
	src := "cur.execute(f\"select {x}\")\n" +
		"cur.execute(\"select * from t where id = %s\", (x,))\n" +
		"cur.execute(\"select \" + col)\n"
	rep := scanTree(t, map[string]string{"a.py": src})
	got := byTF(rep, "SQL-007")
	if len(got) != 2 {
		t.Fatalf("SQL-007 findings = %d, want 2 (parameterized query is fine)", len(got))
	}
	if got[0].Line != 1 || got[1].Line != 3 {
		t.Errorf("findings on lines %d/%d, want 1/3", got[0].Line, got[1].Line)
	}
}

func TestDetectUnconstrainedCLIEnum(t *testing.T) {
	src := "parser.add_argument(\"--mode\", type=str)\n" +
		"parser.add_argument(\"--level\", type=str, choices=[\"a\", \"b\"])\n"
	rep := scanTree(t, map[string]string{"a.py": src})
	got := byTF(rep, "ARG-008")
	if len(got) != 1 || got[0].Line != 1 {
		t.Fatalf("ARG-008 = %+v, want one finding on line 1", got)
	}
}

func TestDetectUnchainedRaise(t *testing.T) {
	unchained := "try:\n" +
		"    do()\n" +
		"except ValueError as e:\n" +
		"    raise RuntimeError(\"boom\")\n"
	chained := "try:\n" +
		"    do()\n" +
		"except ValueError as e:\n" +
		"    raise RuntimeError(\"boom\") from e\n"
	rep := scanTree(t, map[string]string{"unchained.py": unchained, "chained.py": chained})
	got := byTF(rep, "ERR-011")
	if len(got) != 1 {
		t.Fatalf("ERR-011 findings = %d, want 1", len(got))
	}
	if got[0].File != "unchained.py" || got[0].Line != 4 {
		t.Errorf("finding should point at the unchained raise, got %+v", got[0])
	}
}

func TestDetectConcatenatedPath(t *testing.T) {
	src := "a = open(f\"logs/{name}\")\n" +
		"b = open(base + \"suffix\")\n" +
		"c = open(path)\n"
	rep := scanTree(t, map[string]string{"a.py": src})
	got := byTF(rep, "PATH-014")
	if len(got) != 2 {
		t.Fatalf("PATH-014 findings = %d, want 2", len(got))
	}
	if got[0].Line != 1 || got[1].Line != 2 {
		t.Errorf("findings on lines %d/%d, want 1/2", got[0].Line, got[1].Line)
	}
}

func TestDetectLongFunction(t *testing.T) {
	long := "def long():\n"
	for i := 0; i < 120; i++ {
		long += "    x = 1\n"
	}
	short := "def short():\n    return 1\n"
	rep := scanTree(t, map[string]string{"long.py": long, "short.py": short})
	got := byTF(rep, "CPL-017")
	if len(got) != 1 || got[0].File != "long.py" {
		t.Fatalf("CPL-017 = %+v, want one finding in long.py", got)
	}
	if got[0].EndLine-got[0].Line+1 < 100 {
		t.Errorf("span = %d..%d, want >= 100 lines", got[0].Line, got[0].EndLine)
	}
}

func TestHintTrimsOnRuneBoundary(t *testing.T) {
	line := "print(\"" + strings.Repeat("é", 100) + "\")\n"
	rep := scanTree(t, map[string]string{"a.py": line})
	got := byTF(rep, "LOG-010")
	if len(got) != 1 || len(got[0].Hints) != 1 {
		t.Fatalf("LOG-010 = %+v, want one finding with a hint", got)
	}
	h := got[0].Hints[0]
	if len(h) > 120 {
		t.Errorf("hint is %d bytes, want <= 120", len(h))
	}
	if !utf8.ValidString(h) {
		t.Errorf("hint split a rune: %q", h)
	}
}

func TestFootprintExcludesOtherFiles(t *testing.T) {
	rep := scanTree(t, map[string]string{"a.go": "// except:\nexcept:\n"})
	if len(rep.Findings) != 0 {
		t.Errorf("non-python file must be outside every footprint, got %+v", rep.Findings)
	}
}

func TestScanSkipsUnreadable(t *testing.T) {
	rep := scanTree(t, map[string]string{"bin.py": "\xff\xfe\x00A"})
	if len(rep.Skips) != 1 {
		t.Fatalf("skips = %+v, want one for the binary file", rep.Skips)
	}
}

func TestScanOrderingStable(t *testing.T) {
	files := map[string]string{
		"b.py": "try:\n    do()\nexcept:\n    pass\n",
		"a.py": "data = yaml.load(f)\nsubprocess.run(c)\n",
	}
	first := scanTree(t, files)
	second := scanTree(t, files)
	if len(first.Findings) != len(second.Findings) {
		t.Fatal("runs disagree on finding count")
	}
	for i := range first.Findings {
		a, b := first.Findings[i], second.Findings[i]
		if a.TFID != b.TFID || a.File != b.File || a.Line != b.Line {
			t.Fatalf("ordering differs at %d: %+v vs %+v", i, a, b)
		}
	}
	for i := 1; i < len(first.Findings); i++ {
		p, q := first.Findings[i-1], first.Findings[i]
		if p.File > q.File {
			t.Errorf("findings not sorted by file: %s after %s", q.File, p.File)
		}
	}
}
