// Package scan runs every active TF's detector across the working tree and
// produces the ordered, deduplicated findings sequence the rest of the
// pipeline consumes.
package scan

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hardenlabs/tfgate/internal/finding"
	"github.com/hardenlabs/tfgate/internal/source"
	"github.com/hardenlabs/tfgate/internal/tf"
)

// Skip records a file a detector could not examine. Detector failures are
// isolated per file; they never abort the scan.
type Skip struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Report is the full scan output.
type Report struct {
	Findings []finding.Finding `json:"findings"`
	Skips    []Skip            `json:"skips,omitempty"`
}

// Scanner fans detector work out per file. Detectors are pure; the only
// shared state is the source context's read cache.
type Scanner struct {
	Workers int
	Log     *zap.Logger
}

func New(workers int, log *zap.Logger) *Scanner {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{Workers: workers, Log: log}
}

// Scan runs each active TF over every file matching its footprint. Findings
// are returned sorted by (file, position, TF id) and deduplicated, so the
// parallel execution order never leaks into the output.
func (s *Scanner) Scan(ctx context.Context, src *source.Context, files []string, reg *tf.Registry) (*Report, error) {
	active := reg.Active()

	var mu sync.Mutex
	var all []finding.Finding
	var skips []Skip

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for _, file := range files {
		file := file
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fs, sk := s.scanFile(src, file, active)
			mu.Lock()
			all = append(all, fs...)
			skips = append(skips, sk...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	finding.Sort(all)
	all = finding.Dedupe(all)
	sort.Slice(skips, func(i, j int) bool { return skips[i].File < skips[j].File })

	s.Log.Debug("scan complete",
		zap.Int("files", len(files)),
		zap.Int("findings", len(all)),
		zap.Int("skips", len(skips)))
	return &Report{Findings: all, Skips: skips}, nil
}

func (s *Scanner) scanFile(src *source.Context, file string, active []*tf.TF) ([]finding.Finding, []Skip) {
	var relevant []*tf.TF
	for _, t := range active {
		if t.InFootprint(file) {
			relevant = append(relevant, t)
		}
	}
	if len(relevant) == 0 {
		return nil, nil
	}

	f, err := src.Load(file)
	if err != nil {
		var out []finding.Finding
		for _, t := range relevant {
			if t.Detect.Kind == tf.DetectMalformed {
				out = append(out, finding.Finding{
					TFID:       t.ID,
					File:       file,
					Line:       1,
					Tier:       t.Tier,
					Confidence: t.Detect.Confidence,
					Message:    message(t),
					Ambiguous:  true,
				})
			}
		}
		if out != nil {
			return out, nil
		}
		return nil, []Skip{{File: file, Reason: err.Error()}}
	}

	var out []finding.Finding
	for _, t := range relevant {
		out = append(out, detect(t, f)...)
	}
	return out, nil
}
