// Package finding defines the record produced by detection and consumed by
// every downstream stage, plus its JSONL wire form.
package finding

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Finding is one detected instance of a TF's target pattern. Immutable once
// emitted; a re-scan produces a fresh set.
type Finding struct {
	TFID       string   `json:"tf_id"`
	File       string   `json:"file"`
	Line       int      `json:"line"` // 1-based
	EndLine    int      `json:"endLine,omitempty"`
	Col        int      `json:"col,omitempty"` // 0-based byte offset in line
	Tier       int      `json:"tier"`
	Confidence float64  `json:"confidence"`
	Message    string   `json:"message"`
	Frame      string   `json:"frame,omitempty"` // surrounding code excerpt
	Hints      []string `json:"hints,omitempty"`
	Ambiguous  bool     `json:"ambiguous"`
}

// Key identifies duplicates: two findings with the same TF id, file and
// span collapse to one.
func (f *Finding) Key() string {
	return fmt.Sprintf("%s|%s|%d|%d", f.TFID, f.File, f.Line, f.EndLine)
}

// Sort orders findings by (file, start position, TF id) so output is
// deterministic regardless of detector execution order.
func Sort(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := &fs[i], &fs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Col != b.Col {
			return a.Col < b.Col
		}
		return a.TFID < b.TFID
	})
}

// Dedupe collapses duplicate keys, keeping the first occurrence. Input must
// already be sorted.
func Dedupe(fs []Finding) []Finding {
	seen := map[string]struct{}{}
	out := fs[:0]
	for _, f := range fs {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}

// EncodeJSONL writes one compact JSON record per line.
func EncodeJSONL(w io.Writer, fs []Finding) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range fs {
		if err := enc.Encode(&fs[i]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeJSONL reads a findings stream. Unparseable lines are reported as
// warnings, never silently dropped.
func DecodeJSONL(r io.Reader) ([]Finding, []string, error) {
	var out []Finding
	var warnings []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f Finding
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", n, err))
			continue
		}
		if f.TFID == "" || f.File == "" {
			warnings = append(warnings, fmt.Sprintf("line %d: missing tf_id or file", n))
			continue
		}
		out = append(out, f)
	}
	if err := sc.Err(); err != nil {
		return nil, warnings, err
	}
	return out, warnings, nil
}
