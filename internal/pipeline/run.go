// Package pipeline wires the stages into runs: scan, propose, apply, emit,
// verify, gate. Every stage leaves a JSON artifact under the output
// directory and a line in the audit log, so a run is reconstructable after
// the fact.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardenlabs/tfgate/internal/apply"
	"github.com/hardenlabs/tfgate/internal/bridge"
	"github.com/hardenlabs/tfgate/internal/changed"
	"github.com/hardenlabs/tfgate/internal/config"
	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/gate"
	"github.com/hardenlabs/tfgate/internal/logging"
	"github.com/hardenlabs/tfgate/internal/patch"
	"github.com/hardenlabs/tfgate/internal/scan"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/support"
	"github.com/hardenlabs/tfgate/internal/tf"
	"github.com/hardenlabs/tfgate/internal/verify"
	"github.com/hardenlabs/tfgate/internal/waiver"
)

// Runner owns one invocation's shared state: the registry, the source
// context, and the resolved output locations.
type Runner struct {
	Cfg        config.Config
	Log        *zap.Logger
	RunID      string
	Root       string
	OutDir     string
	TasksDir   string
	HistoryDir string
	Reg        *tf.Registry
	Src        *source.Context
	Ledger     *waiver.Ledger
}

// NewRunner builds the registry and per-run context from resolved config.
func NewRunner(cfg config.Config, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = logging.Nop()
	}
	root, err := filepath.Abs(cfg.Paths.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	rulesDir := cfg.Paths.RulesDir
	if rulesDir != "" && !filepath.IsAbs(rulesDir) {
		rulesDir = filepath.Join(root, rulesDir)
	}
	reg, err := tf.Build(rulesDir)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	for _, v := range reg.Violations {
		log.Warn("rule schema violation", zap.String("tf", v.TFID), zap.String("field", v.Field), zap.String("reason", v.Reason))
	}
	r := &Runner{
		Cfg:        cfg,
		Log:        log,
		RunID:      uuid.NewString(),
		Root:       root,
		OutDir:     resolveDir(root, cfg.Paths.OutputDir),
		TasksDir:   resolveDir(root, cfg.Paths.TasksDir),
		HistoryDir: resolveDir(root, cfg.Paths.HistoryDir),
		Reg:        reg,
		Src:        source.NewContext(root),
	}
	r.Ledger = waiver.NewLedger(root, cfg.Waivers.FilePattern)
	return r, nil
}

func resolveDir(root, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// ScanReport is the scan-report.json artifact.
type ScanReport struct {
	RunID    string         `json:"runId"`
	Files    int            `json:"files"`
	Findings int            `json:"findings"`
	ByTF     map[string]int `json:"byTf"`
	Skips    []scan.Skip    `json:"skips,omitempty"`
}

// Scan runs every active rule over the tree and persists the findings
// stream plus a summary report.
func (r *Runner) Scan(ctx context.Context) (*scan.Report, error) {
	files, err := source.ListFiles(r.Root, r.excludeDirs())
	if err != nil {
		return nil, err
	}
	sc := scan.New(r.Cfg.Scan.Workers, r.Log)
	rep, err := sc.Scan(ctx, r.Src, files, r.Reg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := finding.EncodeJSONL(&buf, rep.Findings); err != nil {
		return nil, err
	}
	if err := support.WriteFileAtomic(filepath.Join(r.OutDir, "scan.jsonl"), buf.Bytes()); err != nil {
		return nil, err
	}
	summary := ScanReport{RunID: r.RunID, Files: len(files), Findings: len(rep.Findings), ByTF: map[string]int{}, Skips: rep.Skips}
	for _, f := range rep.Findings {
		summary.ByTF[f.TFID]++
	}
	if err := support.WriteJSONAtomic(filepath.Join(r.OutDir, "scan-report.json"), summary); err != nil {
		return nil, err
	}
	r.audit(support.AuditEntry{Stage: "scan", Findings: len(rep.Findings)})
	r.Log.Info("scan complete", zap.Int("files", len(files)), zap.Int("findings", len(rep.Findings)))
	return rep, nil
}

func (r *Runner) excludeDirs() []string {
	out := append([]string(nil), r.Cfg.Scan.ExcludeDirs...)
	// The output dir is never scanned, whatever it is named.
	out = append(out, filepath.Base(r.OutDir))
	return out
}

// Plan is the propose stage's output and the patch-plan.json artifact.
type Plan struct {
	RunID     string            `json:"runId"`
	Patches   []*patch.Patch    `json:"patches"`
	Ambiguous []finding.Finding `json:"ambiguous,omitempty"`
	Rejected  []RejectedFinding `json:"rejected,omitempty"`
}

type RejectedFinding struct {
	TFID   string `json:"tf_id"`
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Propose routes every finding through the three-valued proposer and
// persists the plan plus a preview patches.diff. Side effect free on the
// working tree.
func (r *Runner) Propose(ctx context.Context, findings []finding.Finding) (*Plan, error) {
	p := &patch.Proposer{Registry: r.Reg}
	plan := &Plan{RunID: r.RunID}
	for i := range findings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := p.Propose(r.Src, &findings[i])
		switch res.Kind {
		case patch.Resolved:
			plan.Patches = append(plan.Patches, res.Patch)
		case patch.Ambiguous:
			plan.Ambiguous = append(plan.Ambiguous, findings[i])
		case patch.Rejected:
			plan.Rejected = append(plan.Rejected, RejectedFinding{
				TFID: findings[i].TFID, File: findings[i].File, Line: findings[i].Line, Reason: res.Reason,
			})
			r.Log.Debug("finding not patchable", zap.String("tf", findings[i].TFID), zap.String("reason", res.Reason))
		}
	}
	patch.SortPatches(plan.Patches)

	if err := support.WriteJSONAtomic(filepath.Join(r.OutDir, "patch-plan.json"), plan); err != nil {
		return nil, err
	}
	preview, err := apply.New(r.Root, true, r.Cfg.Scan.Workers, logging.Nop()).Apply(ctx, r.Src, plan.Patches)
	if err != nil {
		return nil, err
	}
	diffText := strings.Join(preview.Diffs, "")
	if err := support.WriteFileAtomic(filepath.Join(r.OutDir, "patches.diff"), []byte(diffText)); err != nil {
		return nil, err
	}
	r.audit(support.AuditEntry{Stage: "propose", Findings: len(findings), Patches: len(plan.Patches)})
	return plan, nil
}

// Apply snapshots the target files and runs the engine. Dry runs skip the
// snapshot and never write.
func (r *Runner) Apply(ctx context.Context, patches []*patch.Patch, dryRun bool) (*apply.Result, error) {
	if !dryRun {
		seen := map[string]bool{}
		var files []string
		for _, p := range patches {
			if !seen[p.File] {
				seen[p.File] = true
				files = append(files, p.File)
			}
		}
		if err := r.Snapshot(files); err != nil {
			return nil, err
		}
	}
	eng := apply.New(r.Root, dryRun, r.Cfg.Scan.Workers, r.Log)
	res, err := eng.Apply(ctx, r.Src, patches)
	if err != nil {
		return nil, err
	}
	if err := support.WriteJSONAtomic(filepath.Join(r.OutDir, "apply-result.json"), res); err != nil {
		return nil, err
	}
	r.audit(support.AuditEntry{Stage: "apply", Patches: len(patches), Applied: len(res.Applied), Conflicts: len(res.Conflicts), DryRun: dryRun})
	return res, nil
}

// Emit writes task packets for the ambiguous findings.
func (r *Runner) Emit(ambiguous []finding.Finding) ([]bridge.TaskPacket, error) {
	em := bridge.NewEmitter(r.TasksDir, r.Log)
	packets, err := em.Emit(ambiguous, r.Reg)
	if err != nil {
		return nil, err
	}
	r.audit(support.AuditEntry{Stage: "emit", Findings: len(ambiguous), Patches: len(packets)})
	return packets, nil
}

// Verify runs the configured check suite and the acceptance rescans for the
// rules that changed files this run.
func (r *Runner) Verify(ctx context.Context, applied []apply.AppliedPatch) (*verify.Report, error) {
	v := verify.New(r.Root, time.Duration(r.Cfg.Verify.TimeoutSeconds)*time.Second, r.Log)
	rep, err := v.Verify(ctx, r.Src, r.Reg, r.Cfg.Verify.Checks, verify.TouchedByTF(applied))
	if err != nil {
		return nil, err
	}
	if err := support.WriteJSONAtomic(filepath.Join(r.OutDir, "verify-report.json"), rep); err != nil {
		return nil, err
	}
	result := "fail"
	if rep.Pass {
		result = "pass"
		if err := r.MarkSnapshotGreen(); err != nil {
			r.Log.Warn("snapshot not marked green", zap.Error(err))
		}
	}
	r.audit(support.AuditEntry{Stage: "verify", Result: result})
	return rep, nil
}

// GateOptions select the change context the gate judges and carry the run
// outcomes folded into the report's quality tuple.
type GateOptions struct {
	ChangeContext string // e.g. PR number, keys the waiver ledger
	ChangedList   string // optional explicit changed-file list
	Now           time.Time
	SuiteFailures int // failed or timed-out verify checks this run
	Fixed         int // patches applied this run
}

// Gate evaluates the merge decision from findings, the changed-file set,
// and active waivers.
func (r *Runner) Gate(findings []finding.Finding, opts GateOptions) (*gate.Report, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	var changedFiles []string
	var err error
	if opts.ChangedList != "" {
		changedFiles, err = changed.FromList(opts.ChangedList)
		if err != nil {
			return nil, err
		}
	} else {
		changedFiles = changed.New(r.Root, r.Log).Resolve(r.Cfg.Gate.BaseRef)
	}

	var waivers []waiver.Waiver
	if opts.ChangeContext != "" {
		var warnings []string
		waivers, warnings, err = r.Ledger.Active(opts.ChangeContext, now)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			r.Log.Warn("waiver ledger: " + w)
		}
	}

	rep := gate.Evaluate(findings, changedFiles, waivers, r.Cfg.Gate.GateTiers, now)
	rep.Quality = gate.Measure(rep, opts.SuiteFailures, opts.Fixed)
	if err := support.WriteJSONAtomic(filepath.Join(r.OutDir, "gate-report.json"), rep); err != nil {
		return nil, err
	}
	r.audit(support.AuditEntry{Stage: "gate", Findings: rep.Total, Waived: rep.Waived, Remaining: rep.Remaining, Result: string(rep.Decision)})
	r.Log.Info("gate evaluated",
		zap.Int("total", rep.Total),
		zap.Int("gatedTier", rep.GatedTier),
		zap.Int("inChangedSet", rep.InChangedSet),
		zap.Int("waived", rep.Waived),
		zap.Int("remaining", rep.Remaining),
		zap.String("decision", string(rep.Decision)))
	return rep, nil
}

// RunOptions configure a full pipeline pass.
type RunOptions struct {
	DryRun bool
	Gate   GateOptions
}

// RunResult is the combined outcome of a full pass.
type RunResult struct {
	Scan    *scan.Report
	Plan    *Plan
	Apply   *apply.Result
	Packets []bridge.TaskPacket
	Verify  *verify.Report
	Gate    *gate.Report
}

// Run executes the strict stage sequence. After a non-dry apply the tree is
// re-scanned so the gate judges the tree as it now stands; on an untouched
// tree the second scan is a no-op by the idempotence contract.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	res := &RunResult{}
	var err error

	if res.Scan, err = r.Scan(ctx); err != nil {
		return nil, err
	}
	if res.Plan, err = r.Propose(ctx, res.Scan.Findings); err != nil {
		return nil, err
	}
	if res.Apply, err = r.Apply(ctx, res.Plan.Patches, opts.DryRun); err != nil {
		return nil, err
	}
	if res.Packets, err = r.Emit(res.Plan.Ambiguous); err != nil {
		return nil, err
	}
	if res.Verify, err = r.Verify(ctx, res.Apply.Applied); err != nil {
		return nil, err
	}

	gateFindings := res.Scan.Findings
	if !opts.DryRun && len(res.Apply.Files) > 0 {
		rescanned, err := r.Scan(ctx)
		if err != nil {
			return nil, err
		}
		gateFindings = rescanned.Findings
	}
	gateOpts := opts.Gate
	gateOpts.Fixed = len(res.Apply.Applied)
	for _, c := range res.Verify.Checks {
		if c.Status == verify.CheckFail || c.Status == verify.CheckTimeout {
			gateOpts.SuiteFailures++
		}
	}
	if res.Gate, err = r.Gate(gateFindings, gateOpts); err != nil {
		return nil, err
	}
	return res, nil
}

// Ingest takes resolver diffs back in through the isolated-verify path.
func (r *Runner) Ingest(ctx context.Context, diffDir, changeContext string) (*bridge.IngestResult, error) {
	in := bridge.NewIngester(r.Root, r.Ledger, changeContext, r.Log)
	res, err := in.Ingest(ctx, r.Src, r.Reg, diffDir, time.Now())
	if err != nil {
		return nil, err
	}
	r.audit(support.AuditEntry{Stage: "ingest", Applied: res.Merged, Waived: res.Waived})
	return res, nil
}

func (r *Runner) audit(entry support.AuditEntry) {
	entry.RunID = r.RunID
	if err := support.AppendAudit(r.OutDir, entry); err != nil {
		r.Log.Warn("audit append failed", zap.Error(err))
	}
}
