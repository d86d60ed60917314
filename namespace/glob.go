package namespace

import (
	"context"
	"path"
	"regexp"
	"strings"

	"tractor.dev/layerfs/fs"
)

// Glob returns the paths matching pattern, in walk order. Patterns are
// absolute and support * and ? within one component, ** across
// components, [abc] and [!abc] classes, {a,b} alternatives and \ escapes.
func (s *Session) Glob(ctx context.Context, pattern string) ([]string, error) {
	pattern, err := normalize("glob", pattern)
	if err != nil {
		return nil, err
	}
	re, err := compileGlob(pattern)
	if err != nil {
		return nil, fs.Errorf(fs.EINVAL, "glob", pattern, "%w", err)
	}
	root := globRoot(pattern)
	if !s.Exists(ctx, root) {
		return nil, nil
	}
	var matches []string
	err = s.Walk(ctx, root, func(p string, st *fs.Stats, err error) error {
		if err != nil {
			return nil
		}
		if re.MatchString(p) {
			matches = append(matches, p)
		}
		return nil
	})
	return matches, err
}

// globRoot is the longest directory of pattern free of meta characters.
func globRoot(pattern string) string {
	i := strings.IndexAny(pattern, `*?[{\`)
	if i < 0 {
		return pattern
	}
	return path.Dir(pattern[:i+1])
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	translateGlob(&b, pattern)
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func translateGlob(b *strings.Builder, pattern string) {
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case c == '*':
			b.WriteString("[^/]*")
			i++
		case c == '?':
			b.WriteString("[^/]")
			i++
		case c == '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				i++
				continue
			}
			class := pattern[i+1 : i+1+end]
			b.WriteString("[")
			if strings.HasPrefix(class, "!") {
				b.WriteString("^/")
				class = class[1:]
			}
			b.WriteString(strings.NewReplacer("/", "", `\`, `\\`, "[", `\[`).Replace(class))
			b.WriteString("]")
			i += end + 2
		case c == '{':
			end := closingBrace(pattern, i)
			if end < 0 {
				b.WriteString(`\{`)
				i++
				continue
			}
			b.WriteString("(?:")
			for k, alt := range splitAlternatives(pattern[i+1 : end]) {
				if k > 0 {
					b.WriteString("|")
				}
				translateGlob(b, alt)
			}
			b.WriteString(")")
			i = end + 1
		case c == '\\' && i+1 < len(pattern):
			b.WriteString(regexp.QuoteMeta(pattern[i+1 : i+2]))
			i += 2
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}
}

// closingBrace returns the index of the brace closing the one at open,
// or -1.
func closingBrace(pattern string, open int) int {
	depth := 0
	for j := open; j < len(pattern); j++ {
		switch pattern[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

// splitAlternatives splits on commas outside nested braces.
func splitAlternatives(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
