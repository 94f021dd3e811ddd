// Package changed resolves the set of files a change touches relative to a
// base ref. The gate only counts findings inside this set.
package changed

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// Resolver computes the changed-file set for the workspace at Root.
type Resolver struct {
	Root string
	Log  *zap.Logger
}

func New(root string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{Root: root, Log: log}
}

// FromList reads explicit paths, one per line, from a file. Blank lines and
// lines starting with # are skipped. Used by CI setups that already know
// the diff.
func FromList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Resolve diffs HEAD against baseRef. It tries origin/<baseRef> first, then
// the local ref. A workspace that is not a repository, or a base that does
// not resolve, yields an empty set rather than an error: the gate then has
// nothing to block on, which is the right failure mode for a fresh checkout.
func (r *Resolver) Resolve(baseRef string) []string {
	repo, err := git.PlainOpenWithOptions(r.Root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		r.Log.Debug("not a git repository", zap.String("root", r.Root), zap.Error(err))
		return nil
	}
	head, err := repo.Head()
	if err != nil {
		r.Log.Debug("no HEAD", zap.Error(err))
		return nil
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil
	}

	base := r.resolveCommit(repo, "refs/remotes/origin/"+baseRef)
	if base == nil {
		base = r.resolveCommit(repo, "refs/heads/"+baseRef)
	}
	if base == nil {
		r.Log.Warn("base ref not found, gating nothing", zap.String("base", baseRef))
		return nil
	}

	files, err := diffFiles(base, headCommit)
	if err != nil {
		r.Log.Warn("diff failed", zap.Error(err))
		return nil
	}
	return files
}

func (r *Resolver) resolveCommit(repo *git.Repository, refName string) *object.Commit {
	ref, err := repo.Reference(plumbing.ReferenceName(refName), true)
	if err != nil {
		return nil
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil
	}
	return c
}

func diffFiles(base, head *object.Commit) ([]string, error) {
	// Diff from the merge base so unrelated commits on base do not count.
	mb, err := base.MergeBase(head)
	if err == nil && len(mb) > 0 {
		base = mb[0]
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("base tree: %w", err)
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, fmt.Errorf("head tree: %w", err)
	}
	changes, err := object.DiffTree(baseTree, headTree)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
