package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardenlabs/tfgate/internal/support"
	"github.com/hardenlabs/tfgate/internal/tf"
)

type doctorReport struct {
	GeneratedAtUtc string          `json:"generatedAtUtc"`
	WorkspaceRoot  string          `json:"workspaceRoot"`
	Rules          doctorRules     `json:"rules"`
	Checks         []doctorCheck   `json:"checks"`
	Waivers        doctorWaivers   `json:"waivers"`
	Status         string          `json:"status"`
	Reasons        []string        `json:"reasons,omitempty"`
}

type doctorRules struct {
	Active     int `json:"active"`
	Stub       int `json:"stub"`
	Disabled   int `json:"disabled"`
	Violations int `json:"violations"`
}

type doctorCheck struct {
	Command   []string `json:"command"`
	Available bool     `json:"available"`
}

type doctorWaivers struct {
	Pattern string `json:"pattern"`
	DirOK   bool   `json:"dirOk"`
}

func newDoctorCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "preflight the workspace, rule set and check suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			rep := doctorReport{
				GeneratedAtUtc: time.Now().UTC().Format(time.RFC3339),
				WorkspaceRoot:  r.Root,
				Status:         "OK",
				Waivers:        doctorWaivers{Pattern: r.Cfg.Waivers.FilePattern},
			}
			for _, t := range r.Reg.All() {
				switch t.Status {
				case tf.StatusActive:
					rep.Rules.Active++
				case tf.StatusStub:
					rep.Rules.Stub++
				case tf.StatusDisabled:
					rep.Rules.Disabled++
				}
			}
			rep.Rules.Violations = len(r.Reg.Violations)
			if rep.Rules.Active == 0 {
				rep.Reasons = append(rep.Reasons, "no active rules loaded")
			}
			for _, argv := range r.Cfg.Verify.Checks {
				if len(argv) == 0 {
					continue
				}
				_, lookErr := exec.LookPath(argv[0])
				rep.Checks = append(rep.Checks, doctorCheck{Command: argv, Available: lookErr == nil})
				if lookErr != nil {
					rep.Reasons = append(rep.Reasons, fmt.Sprintf("check command %q not found in PATH", argv[0]))
				}
			}
			waiverDir := filepath.Dir(filepath.Join(r.Root, filepath.FromSlash(rep.Waivers.Pattern)))
			if info, err := os.Stat(waiverDir); err == nil && info.IsDir() {
				rep.Waivers.DirOK = true
			}
			if err := os.MkdirAll(r.OutDir, 0o755); err != nil {
				rep.Reasons = append(rep.Reasons, "output dir not writable: "+err.Error())
			}
			if len(rep.Reasons) > 0 {
				rep.Status = "DEGRADED"
			}

			if err := support.WriteJSONAtomic(filepath.Join(r.OutDir, "doctor-report.json"), rep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "doctor: %s (%d active rule(s), %d violation(s))\n",
				rep.Status, rep.Rules.Active, rep.Rules.Violations)
			for _, reason := range rep.Reasons {
				fmt.Fprintln(cmd.OutOrStdout(), " -", reason)
			}
			return nil
		},
	}
}
