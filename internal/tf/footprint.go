package tf

import (
	"fmt"
	"regexp"
	"strings"
)

// compileGlob converts a footprint glob to an anchored regexp. Supported
// syntax: `**` spans path separators, `*` and `?` stay within one segment.
func compileGlob(glob string) (*regexp.Regexp, error) {
	if glob == "" {
		return nil, fmt.Errorf("empty glob")
	}
	var b strings.Builder
	b.WriteString(`^`)
	i := 0
	for i < len(glob) {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				// "**/" also swallows the slash so "**/*.py" matches "a.py"
				if i+2 < len(glob) && glob[i+2] == '/' {
					b.WriteString(`(?:.*/)?`)
					i += 3
					continue
				}
				b.WriteString(`.*`)
				i += 2
				continue
			}
			b.WriteString(`[^/]*`)
			i++
		case '?':
			b.WriteString(`[^/]`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}

// CompileGlob exposes footprint glob compilation for waiver scopes and
// other path filters, keeping one glob dialect across the tool.
func CompileGlob(glob string) (*regexp.Regexp, error) {
	return compileGlob(glob)
}
