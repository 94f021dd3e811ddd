// Package waiver reads and writes the per-change waiver ledger. Ledgers are
// plain Markdown kept in the repository, one file per change, so review and
// history ride on the normal code-review workflow.
package waiver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hardenlabs/tfgate/internal/support"
	"github.com/hardenlabs/tfgate/internal/tf"
)

// Waiver is one recorded exemption. Scope is a path glob; a waiver with no
// scope covers the whole tree. Expiry is optional; a zero Expiry never
// expires.
type Waiver struct {
	TFID      string    `json:"tf_id"`
	Scope     string    `json:"scope,omitempty"`
	Expiry    time.Time `json:"expiry,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Context   string    `json:"context"` // change identifier, e.g. PR number
}

// Covers reports whether the waiver applies to the given rule and file at
// the supplied instant.
func (w *Waiver) Covers(tfID, file string, now time.Time) bool {
	if w.TFID != tfID {
		return false
	}
	if !w.Expiry.IsZero() && now.After(w.Expiry) {
		return false
	}
	if w.Scope == "" {
		return true
	}
	re, err := tf.CompileGlob(w.Scope)
	if err != nil {
		return false
	}
	return re.MatchString(file)
}

// Ledger resolves waiver files from a pattern like
// "docs/agents/waivers/PR-{pr}.md" rooted at the workspace.
type Ledger struct {
	Root    string
	Pattern string
}

func NewLedger(root, pattern string) *Ledger {
	if pattern == "" {
		pattern = "docs/agents/waivers/PR-{pr}.md"
	}
	return &Ledger{Root: root, Pattern: pattern}
}

func (l *Ledger) path(context string) string {
	rel := strings.ReplaceAll(l.Pattern, "{pr}", context)
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

var (
	tfIDLine      = regexp.MustCompile(`^\s*[-*]?\s*tf_id:\s*(\S+)`)
	scopeLine     = regexp.MustCompile(`^\s*[-*]?\s*scope:\s*(\S+)`)
	expiresLine   = regexp.MustCompile(`^\s*[-*]?\s*expires:\s*(\S+)`)
	rationaleLine = regexp.MustCompile(`^\s*[-*]?\s*rationale:\s*(.+)`)
)

// Load parses the ledger for one change. Parsing is permissive: lines that
// do not parse are reported as warnings and skipped, never fatal. A missing
// ledger file is an empty ledger.
func (l *Ledger) Load(context string) ([]Waiver, []string, error) {
	f, err := os.Open(l.path(context))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()

	var waivers []Waiver
	var warnings []string
	var cur *Waiver
	flush := func() {
		if cur != nil {
			waivers = append(waivers, *cur)
			cur = nil
		}
	}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if m := tfIDLine.FindStringSubmatch(line); m != nil {
			flush()
			id := m[1]
			if !tf.ValidID(id) {
				warnings = append(warnings, fmt.Sprintf("line %d: %q is not a valid rule id, entry skipped", lineNo, id))
				continue
			}
			cur = &Waiver{TFID: id, Context: context}
			continue
		}
		if strings.Contains(line, "tf_id") {
			warnings = append(warnings, fmt.Sprintf("line %d: mentions tf_id but does not parse, ignored", lineNo))
			continue
		}
		if cur == nil {
			continue
		}
		if m := scopeLine.FindStringSubmatch(line); m != nil {
			cur.Scope = m[1]
			continue
		}
		if m := expiresLine.FindStringSubmatch(line); m != nil {
			ts, err := time.Parse("2006-01-02", m[1])
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: expiry %q is not YYYY-MM-DD, ignored", lineNo, m[1]))
				continue
			}
			// A waiver holds through the end of its expiry day.
			cur.Expiry = ts.Add(24*time.Hour - time.Nanosecond)
			continue
		}
		if m := rationaleLine.FindStringSubmatch(line); m != nil {
			cur.Rationale = strings.TrimSpace(m[1])
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, warnings, err
	}
	return waivers, warnings, nil
}

// Active returns the waivers for a change that are unexpired at now, in a
// stable order.
func (l *Ledger) Active(context string, now time.Time) ([]Waiver, []string, error) {
	all, warnings, err := l.Load(context)
	if err != nil {
		return nil, warnings, err
	}
	var out []Waiver
	for _, w := range all {
		if !w.Expiry.IsZero() && now.After(w.Expiry) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TFID != out[j].TFID {
			return out[i].TFID < out[j].TFID
		}
		return out[i].Scope < out[j].Scope
	})
	return out, warnings, nil
}

// Record appends one waiver entry to the ledger, creating the file (and its
// directory) on first use. The existing content is never rewritten.
func (l *Ledger) Record(w Waiver) error {
	path := l.path(w.Context)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "# Waivers for %s\n", w.Context)
	} else {
		b.Write(existing)
		if !strings.HasSuffix(string(existing), "\n") {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\n- tf_id: %s\n", w.TFID)
	if w.Scope != "" {
		fmt.Fprintf(&b, "  scope: %s\n", w.Scope)
	}
	if !w.Expiry.IsZero() {
		fmt.Fprintf(&b, "  expires: %s\n", w.Expiry.Format("2006-01-02"))
	}
	if w.Rationale != "" {
		fmt.Fprintf(&b, "  rationale: %s\n", w.Rationale)
	}
	return support.WriteFileAtomic(path, []byte(b.String()))
}
