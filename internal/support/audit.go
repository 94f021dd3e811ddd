package support

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// AuditEntry is one line of the append-only audit log. One entry is written
// per pipeline stage execution.
type AuditEntry struct {
	TimestampUtc string `json:"timestampUtc"`
	RunID        string `json:"runId"`
	Stage        string `json:"stage"`
	Findings     int    `json:"findings,omitempty"`
	Patches      int    `json:"patches,omitempty"`
	Applied      int    `json:"applied,omitempty"`
	Conflicts    int    `json:"conflicts,omitempty"`
	Waived       int    `json:"waived,omitempty"`
	Remaining    int    `json:"remaining,omitempty"`
	DryRun       bool   `json:"dryRun,omitempty"`
	Result       string `json:"result,omitempty"`
}

// AppendAudit appends one entry to <outputDir>/audit.log. The log is
// append-only; nothing in the engine rewrites or truncates it.
func AppendAudit(outputDir string, entry AuditEntry) error {
	entry.TimestampUtc = time.Now().UTC().Format(time.RFC3339)
	path := filepath.Join(outputDir, "audit.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}
