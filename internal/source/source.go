// Package source owns the per-run view of the working tree: a cache of
// loaded files plus the lightweight structural representation detectors
// work on. The context is created per run and discarded at run end; nothing
// here is global.
package source

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hardenlabs/tfgate/internal/support"
)

// File is one loaded source file. Immutable once built.
type File struct {
	Path    string // slash-separated, relative to the context root
	Content string
	Lines   []string // raw lines, no trailing newline
	Masked  []string // lines with string literals and comments blanked
	Indent  []int    // leading whitespace width per line (tab = 4)
}

// Blank reports whether line i (0-based) is empty or whitespace-only.
func (f *File) Blank(i int) bool {
	return strings.TrimSpace(f.Lines[i]) == ""
}

// Context is the shared read state for one pipeline run.
type Context struct {
	Root string

	mu       sync.Mutex
	files    map[string]*File
	failures map[string]error
}

func NewContext(root string) *Context {
	return &Context{
		Root:     root,
		files:    map[string]*File{},
		failures: map[string]error{},
	}
}

// Load returns the cached file, loading it on first use. A load failure is
// cached too, so every TF sees the same outcome for the file.
func (c *Context) Load(rel string) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[rel]; ok {
		return f, nil
	}
	if err, ok := c.failures[rel]; ok {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(c.Root, filepath.FromSlash(rel)))
	if err != nil {
		c.failures[rel] = err
		return nil, err
	}
	data = support.StripBOM(data)
	if !utf8.Valid(data) {
		err := &NotTextError{Path: rel}
		c.failures[rel] = err
		return nil, err
	}
	f := build(rel, string(data))
	c.files[rel] = f
	return f, nil
}

// AbsPath maps a slash-relative path back onto the filesystem.
func (c *Context) AbsPath(rel string) string {
	return filepath.Join(c.Root, filepath.FromSlash(rel))
}

// Invalidate drops a cached entry after the apply engine rewrites the file.
func (c *Context) Invalidate(rel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, rel)
	delete(c.failures, rel)
}

// NotTextError marks a file the loader refused as non-text.
type NotTextError struct{ Path string }

func (e *NotTextError) Error() string { return e.Path + ": not valid UTF-8 text" }

func build(rel, content string) *File {
	lines := strings.Split(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" && strings.HasSuffix(content, "\n") {
		lines = lines[:n-1]
	}
	f := &File{
		Path:    rel,
		Content: content,
		Lines:   lines,
		Masked:  make([]string, len(lines)),
		Indent:  make([]int, len(lines)),
	}
	for i, line := range lines {
		f.Masked[i] = maskLine(line)
		f.Indent[i] = indentWidth(line)
	}
	return f
}

// maskLine blanks quoted string contents and trailing # comments so that
// pattern detectors do not fire on text inside literals. Quotes themselves
// are preserved. Multi-line literals are not tracked; detectors tolerate
// the occasional false positive there and route it through review.
func maskLine(line string) string {
	out := []rune(line)
	var quote rune
	escaped := false
	for i := 0; i < len(out); i++ {
		r := out[i]
		if escaped {
			escaped = false
			if quote != 0 {
				out[i] = ' '
			}
			continue
		}
		switch {
		case quote != 0:
			if r == '\\' {
				escaped = true
				out[i] = ' '
			} else if r == quote {
				quote = 0
			} else {
				out[i] = ' '
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '#':
			for j := i; j < len(out); j++ {
				out[j] = ' '
			}
			return string(out)
		}
	}
	return string(out)
}

func indentWidth(line string) int {
	w := 0
	for _, r := range line {
		switch r {
		case ' ':
			w++
		case '\t':
			w += 4
		default:
			return w
		}
	}
	return w
}

// ListFiles walks root and returns every regular file as a sorted slice of
// slash-separated relative paths. Directories named in excludeDirs are
// skipped wherever they appear.
func ListFiles(root string, excludeDirs []string) ([]string, error) {
	excluded := map[string]bool{}
	for _, d := range excludeDirs {
		excluded[d] = true
	}
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if path != root && excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
