package tf

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hardenlabs/tfgate/internal/support"
)

//go:embed rules/*.yaml
var builtinFS embed.FS

// Registry holds all loaded TFs, including stubs and disabled ones, plus the
// schema violations collected while loading. Immutable after Build.
type Registry struct {
	tfs        []*TF
	byID       map[string]*TF
	Violations []*SchemaViolation

	fatal []*SchemaViolation // violations in active TFs
}

// Build loads the builtin rule set plus, when rulesDir is non-empty, every
// *.yaml document in that directory. A document from rulesDir with the same
// id as a builtin replaces the builtin. Loading fails only when an active TF
// is structurally invalid or when no TF could be loaded at all; violations
// in stub/disabled TFs are collected and reported but non-fatal.
func Build(rulesDir string) (*Registry, error) {
	reg := &Registry{byID: map[string]*TF{}}

	builtin, err := builtinFS.ReadDir("rules")
	if err != nil {
		return nil, fmt.Errorf("builtin rules unavailable: %w", err)
	}
	for _, entry := range builtin {
		data, err := builtinFS.ReadFile("rules/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("builtin rule %s unreadable: %w", entry.Name(), err)
		}
		reg.add(entry.Name(), data)
	}

	if rulesDir != "" {
		entries, err := os.ReadDir(rulesDir)
		if err != nil {
			return nil, fmt.Errorf("rules directory %s: %w", rulesDir, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(rulesDir, name))
			if err != nil {
				return nil, fmt.Errorf("rule document %s: %w", name, err)
			}
			reg.add(name, data)
		}
	}

	if len(reg.tfs) == 0 {
		return nil, fmt.Errorf("no TF definitions loaded")
	}

	if len(reg.fatal) > 0 {
		return nil, fmt.Errorf("%d schema violation(s) in active TFs, first: %v", len(reg.fatal), reg.fatal[0])
	}

	sort.Slice(reg.tfs, func(i, j int) bool { return reg.tfs[i].ID < reg.tfs[j].ID })
	return reg, nil
}

func (r *Registry) add(source string, data []byte) {
	var t TF
	if err := yaml.Unmarshal(support.StripBOM(data), &t); err != nil {
		// Status of an unparseable document is unknowable, so it cannot be
		// "invalid active"; it is reported and dropped.
		r.Violations = append(r.Violations, &SchemaViolation{
			TFID:   t.ID,
			Field:  source,
			Reason: fmt.Sprintf("not valid YAML: %v", err),
		})
		return
	}
	if errs := t.validate(); len(errs) > 0 {
		r.Violations = append(r.Violations, errs...)
		// An invalid active TF aborts Build; invalid stubs and disabled TFs
		// stay out of the registry but only produce warnings.
		if t.Status == StatusActive {
			r.fatal = append(r.fatal, errs...)
		}
		return
	}
	if prev, ok := r.byID[t.ID]; ok {
		for i, existing := range r.tfs {
			if existing == prev {
				r.tfs[i] = &t
				break
			}
		}
		r.byID[t.ID] = &t
		return
	}
	r.byID[t.ID] = &t
	r.tfs = append(r.tfs, &t)
}

// NewRegistry wraps an explicit TF slice. Used for targeted rescans and in
// tests; Build remains the normal entry point.
func NewRegistry(tfs []*TF) *Registry {
	reg := &Registry{byID: map[string]*TF{}}
	for _, t := range tfs {
		if _, ok := reg.byID[t.ID]; ok {
			continue
		}
		reg.byID[t.ID] = t
		reg.tfs = append(reg.tfs, t)
	}
	sort.Slice(reg.tfs, func(i, j int) bool { return reg.tfs[i].ID < reg.tfs[j].ID })
	return reg
}

// All returns every loaded TF in id order, stubs and disabled included.
func (r *Registry) All() []*TF { return r.tfs }

// Active returns the TFs eligible for scan/propose/apply, in id order.
func (r *Registry) Active() []*TF {
	out := make([]*TF, 0, len(r.tfs))
	for _, t := range r.tfs {
		if t.Status == StatusActive {
			out = append(out, t)
		}
	}
	return out
}

// Get returns the TF with the given id, or nil.
func (r *Registry) Get(id string) *TF { return r.byID[id] }
