// Command tfgate is the policy gate CLI: it scans a tree against the loaded
// rule set, proposes and applies fixes, hands ambiguous cases to an external
// resolver, verifies the result, and gates a change on what remains.
//
// Exit codes: 0 success, 1 stage failure, 2 gate failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hardenlabs/tfgate/internal/config"
	"github.com/hardenlabs/tfgate/internal/gate"
	"github.com/hardenlabs/tfgate/internal/logging"
	"github.com/hardenlabs/tfgate/internal/pipeline"
)

var version = "dev"

const exitGateFail = 2

// gateFailErr turns a gate fail decision into exit code 2 without treating
// it as a stage error.
var gateFailErr = errors.New("gate failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, gateFailErr) {
			os.Exit(exitGateFail)
		}
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	workspace  string
	logLevel   string
	jsonLogs   bool
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "tfgate",
		Short:         "policy-driven scan, fix, verify and merge gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default .tfgate/config.yml)")
	root.PersistentFlags().StringVar(&flags.workspace, "workspace", "", "workspace root (default from config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override")
	root.PersistentFlags().BoolVar(&flags.jsonLogs, "log-json", false, "emit JSON logs")

	root.AddCommand(
		newScanCmd(flags),
		newProposeCmd(flags),
		newApplyCmd(flags),
		newVerifyCmd(flags),
		newGateCmd(flags),
		newRunCmd(flags),
		newEmitCmd(flags),
		newIngestCmd(flags),
		newWatchCmd(flags),
		newRulesCmd(flags),
		newDoctorCmd(flags),
		newRollbackCmd(flags),
		newVersionCmd(),
	)
	return root
}

// setup resolves config and builds the runner shared by every subcommand.
func setup(flags *cliFlags) (*pipeline.Runner, *zap.Logger, error) {
	cfg, cfgPath, warnings, err := config.Resolve(config.Flags{ConfigPath: flags.configPath})
	if err != nil {
		return nil, nil, err
	}
	if flags.workspace != "" {
		cfg.Paths.WorkspaceRoot = flags.workspace
	}
	level := cfg.Logging.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log, err := logging.New(level, flags.jsonLogs || cfg.Logging.JSON)
	if err != nil {
		return nil, nil, err
	}
	if cfgPath != "" {
		log.Debug("config loaded", zap.String("path", cfgPath))
	}
	for _, w := range warnings {
		log.Warn("config: " + w)
	}
	runner, err := pipeline.NewRunner(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return runner, log, nil
}

func newScanCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "run every active rule over the tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			rep, err := r.Scan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d finding(s), %d skip(s)\n", len(rep.Findings), len(rep.Skips))
			return nil
		},
	}
}

func newProposeCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "propose",
		Short: "scan and synthesize candidate patches without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			rep, err := r.Scan(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := r.Propose(cmd.Context(), rep.Findings)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d patch(es), %d ambiguous, %d rejected\n",
				len(plan.Patches), len(plan.Ambiguous), len(plan.Rejected))
			return nil
		},
	}
}

func newApplyCmd(flags *cliFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "scan, propose and apply auto-resolvable patches",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			rep, err := r.Scan(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := r.Propose(cmd.Context(), rep.Findings)
			if err != nil {
				return err
			}
			res, err := r.Apply(cmd.Context(), plan.Patches, dryRun)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d applied, %d conflict(s), %d ambiguous left for emit\n",
				len(res.Applied), len(res.Conflicts), len(plan.Ambiguous))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute patches without writing")
	return cmd
}

func newVerifyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "run the external check suite against the tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			rep, err := r.Verify(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if !rep.Pass {
				return fmt.Errorf("verification failed, see verify-report.json")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "verification passed")
			return nil
		},
	}
}

func addGateFlags(cmd *cobra.Command, opts *pipeline.GateOptions) {
	cmd.Flags().StringVar(&opts.ChangeContext, "pr", "", "change context id keying the waiver ledger")
	cmd.Flags().StringVar(&opts.ChangedList, "changed-list", "", "file listing changed paths, one per line")
}

func newGateCmd(flags *cliFlags) *cobra.Command {
	var opts pipeline.GateOptions
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "scan and evaluate the merge gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			rep, err := r.Scan(cmd.Context())
			if err != nil {
				return err
			}
			gateRep, err := r.Gate(rep.Findings, opts)
			if err != nil {
				return err
			}
			printGate(cmd, gateRep)
			if gateRep.Decision == gate.Fail {
				return gateFailErr
			}
			return nil
		},
	}
	addGateFlags(cmd, &opts)
	return cmd
}

func newRunCmd(flags *cliFlags) *cobra.Command {
	var dryRun bool
	var opts pipeline.GateOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "full pipeline: scan, propose, apply, emit, verify, gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			res, err := r.Run(cmd.Context(), pipeline.RunOptions{DryRun: dryRun, Gate: opts})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d finding(s), %d applied, %d packet(s) emitted\n",
				len(res.Scan.Findings), len(res.Apply.Applied), len(res.Packets))
			printGate(cmd, res.Gate)
			if res.Gate.Decision == gate.Fail {
				return gateFailErr
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute patches without writing")
	addGateFlags(cmd, &opts)
	return cmd
}

func printGate(cmd *cobra.Command, rep *gate.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "gate: %s (total %d, gated tier %d, in changed set %d, waived %d, remaining %d)\n",
		rep.Decision, rep.Total, rep.GatedTier, rep.InChangedSet, rep.Waived, rep.Remaining)
}

func newEmitCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "emit",
		Short: "write task packets for ambiguous findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			rep, err := r.Scan(cmd.Context())
			if err != nil {
				return err
			}
			plan, err := r.Propose(cmd.Context(), rep.Findings)
			if err != nil {
				return err
			}
			packets, err := r.Emit(plan.Ambiguous)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d task packet(s) written to %s\n", len(packets), r.TasksDir)
			return nil
		},
	}
}

func newIngestCmd(flags *cliFlags) *cobra.Command {
	var changeContext string
	cmd := &cobra.Command{
		Use:   "ingest <diff-dir>",
		Short: "take resolver diffs back in through isolated verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			res, err := r.Ingest(cmd.Context(), args[0], changeContext)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d merged, %d waived, %d total\n", res.Merged, res.Waived, len(res.Diffs))
			return nil
		},
	}
	cmd.Flags().StringVar(&changeContext, "pr", "", "change context id for auto-recorded waivers")
	return cmd
}

func newWatchCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "re-run scan, propose and gate on every filesystem change",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			fmt.Fprintln(cmd.OutOrStdout(), "watching", r.Root)
			err = r.Watch(cmd.Context(), func(findings int) {
				fmt.Fprintf(cmd.OutOrStdout(), "scan: %d finding(s)\n", findings)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newRulesCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "list the loaded rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			for _, t := range r.Reg.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  tier %d  %-8s  %s\n", t.ID, t.Tier, t.Status, t.Detect.Message)
			}
			if n := len(r.Reg.Violations); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d schema violation(s) in non-active rules\n", n)
			}
			return nil
		},
	}
}

func newRollbackCmd(flags *cliFlags) *cobra.Command {
	var latestGreen bool
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "restore files from a pre-apply snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()
			m, err := r.Rollback(latestGreen)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d file(s) from run %s\n", len(m.Files), m.RunID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&latestGreen, "latest-green", false, "restore the newest snapshot whose verify passed")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the tfgate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tfgate", version)
		},
	}
}
