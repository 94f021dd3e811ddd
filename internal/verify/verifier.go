// Package verify runs the post-apply check suite and the per-rule
// acceptance rescan. A check that exits non-zero is a failure; one that
// outlives its deadline is a timeout, reported separately so a flaky
// environment is distinguishable from a broken fix.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hardenlabs/tfgate/internal/apply"
	"github.com/hardenlabs/tfgate/internal/scan"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/tf"
)

// CheckStatus classifies one check run.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckTimeout CheckStatus = "timeout"
	CheckSkipped CheckStatus = "skipped"
)

// CheckResult is one external command outcome.
type CheckResult struct {
	Command  []string    `json:"command"`
	Status   CheckStatus `json:"status"`
	Duration string      `json:"duration"`
	Output   string      `json:"output,omitempty"`
}

// RescanResult is the acceptance check for a single rule: after a fix its
// detector must find nothing on the files it touched.
type RescanResult struct {
	TFID      string   `json:"tf_id"`
	Files     []string `json:"files"`
	Clean     bool     `json:"clean"`
	Remaining int      `json:"remaining,omitempty"`
}

// Report is the full verification outcome.
type Report struct {
	Checks  []CheckResult  `json:"checks"`
	Rescans []RescanResult `json:"rescans,omitempty"`
	Pass    bool           `json:"pass"`
}

// Verifier runs checks from the workspace root.
type Verifier struct {
	Root    string
	Timeout time.Duration
	Log     *zap.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, root string, argv []string) ([]byte, error)
}

func New(root string, timeout time.Duration, log *zap.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{Root: root, Timeout: timeout, Log: log, runCommand: runCommand}
}

func runCommand(ctx context.Context, root string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// RunChecks executes each check vector in order. The first failure stops
// the suite; later checks are reported as skipped rather than untried so the
// report shape is stable.
func (v *Verifier) RunChecks(ctx context.Context, checks [][]string) []CheckResult {
	var out []CheckResult
	failed := false
	for _, argv := range checks {
		if len(argv) == 0 {
			continue
		}
		if failed {
			out = append(out, CheckResult{Command: argv, Status: CheckSkipped})
			continue
		}
		out = append(out, v.runCheck(ctx, argv))
		if out[len(out)-1].Status != CheckPass {
			failed = true
		}
	}
	return out
}

func (v *Verifier) runCheck(ctx context.Context, argv []string) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()
	start := time.Now()
	output, err := v.runCommand(cctx, v.Root, argv)
	res := CheckResult{
		Command:  argv,
		Status:   CheckPass,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		res.Output = tail(string(output), 4096)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			res.Status = CheckTimeout
			v.Log.Warn("check timed out", zap.Strings("command", argv), zap.Duration("timeout", v.Timeout))
		} else {
			res.Status = CheckFail
			v.Log.Warn("check failed", zap.Strings("command", argv), zap.Error(err))
		}
	}
	return res
}

// Rescan re-runs each rule's detector on the files its patches touched.
// touched maps TF id to the files it modified.
func (v *Verifier) Rescan(ctx context.Context, src *source.Context, reg *tf.Registry, touched map[string][]string) ([]RescanResult, error) {
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []RescanResult
	sc := scan.New(1, v.Log)
	for _, id := range ids {
		t := reg.Get(id)
		if t == nil {
			return nil, fmt.Errorf("rescan: unknown rule %s", id)
		}
		files := append([]string(nil), touched[id]...)
		sort.Strings(files)
		rep, err := sc.Scan(ctx, src, files, singleton(t))
		if err != nil {
			return nil, err
		}
		remaining := 0
		for _, f := range rep.Findings {
			if f.TFID == id {
				remaining++
			}
		}
		out = append(out, RescanResult{TFID: id, Files: files, Clean: remaining == 0, Remaining: remaining})
	}
	return out, nil
}

// Verify runs the suite then the acceptance rescans and folds both into one
// report. Checks run first: a broken build makes rescan results moot, but
// they are still collected for the report.
func (v *Verifier) Verify(ctx context.Context, src *source.Context, reg *tf.Registry, checks [][]string, touched map[string][]string) (*Report, error) {
	rep := &Report{Pass: true}
	rep.Checks = v.RunChecks(ctx, checks)
	for _, c := range rep.Checks {
		if c.Status == CheckFail || c.Status == CheckTimeout {
			rep.Pass = false
		}
	}
	rescans, err := v.Rescan(ctx, src, reg, touched)
	if err != nil {
		return nil, err
	}
	rep.Rescans = rescans
	for _, r := range rescans {
		if !r.Clean {
			rep.Pass = false
		}
	}
	return rep, nil
}

// TouchedByTF groups the applied patches' files per rule, the shape Rescan
// consumes.
func TouchedByTF(applied []apply.AppliedPatch) map[string][]string {
	touched := map[string][]string{}
	seen := map[string]bool{}
	for _, a := range applied {
		k := a.TFID + "|" + a.File
		if seen[k] {
			continue
		}
		seen[k] = true
		touched[a.TFID] = append(touched[a.TFID], a.File)
	}
	return touched
}

func singleton(t *tf.TF) *tf.Registry {
	return tf.NewRegistry([]*tf.TF{t})
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
