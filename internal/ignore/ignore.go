// Package ignore reads gitignore-style files from a project and matches
// project paths against them. Packaged downloads leave matched paths out.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultFiles are the ignore files read from a project root, in order.
var DefaultFiles = []string{".gitignore", ".scaffoldignore"}

// Parser reads ignore files from project roots.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are used when none of IgnoreFiles exist.
	FallbackPatterns []string
}

// NewParser creates a parser for the given file names.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// ParseProject returns the combined, deduplicated patterns of every ignore
// file found under projectRoot, or the fallback patterns if there are none.
func (p *Parser) ParseProject(projectRoot string) ([]string, error) {
	var patterns []string
	found := false

	for _, name := range p.IgnoreFiles {
		lines, err := readPatterns(filepath.Join(projectRoot, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, lines...)
		found = true
	}

	if !found {
		return p.FallbackPatterns, nil
	}
	return deduplicate(patterns), nil
}

// Load parses projectRoot and compiles the result.
func (p *Parser) Load(projectRoot string) (*Matcher, error) {
	patterns, err := p.ParseProject(projectRoot)
	if err != nil {
		return nil, err
	}
	return Compile(patterns)
}

func readPatterns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := parseLine(sc.Text()); line != "" {
			patterns = append(patterns, line)
		}
	}
	return patterns, sc.Err()
}

// parseLine returns the pattern on line, or "" for blanks and comments.
// Negations are not supported and are dropped.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return line
}

type rule struct {
	pattern string
	g       glob.Glob
	dirOnly bool
}

// Matcher matches slash-separated paths relative to a project root.
// The zero value and nil match nothing.
type Matcher struct {
	rules []rule
}

// Compile builds a Matcher from gitignore-style patterns.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		expr, dirOnly := toGlob(p)
		if expr == "" {
			continue
		}
		g, err := glob.Compile(expr, '/')
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", p, err)
		}
		m.rules = append(m.rules, rule{pattern: p, g: g, dirOnly: dirOnly})
	}
	return m, nil
}

// Without returns a copy of m minus the rules whose pattern contains s.
func (m *Matcher) Without(s string) *Matcher {
	if m == nil {
		return nil
	}
	out := &Matcher{}
	for _, r := range m.rules {
		if !strings.Contains(r.pattern, s) {
			out.rules = append(out.rules, r)
		}
	}
	return out
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match reports whether rel, or any directory above it, is ignored.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m.Len() == 0 {
		return false
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := range parts {
		candidate := "/" + strings.Join(parts[:i+1], "/")
		dir := isDir || i < len(parts)-1
		for _, r := range m.rules {
			if r.dirOnly && !dir {
				continue
			}
			if r.g.Match(candidate) {
				return true
			}
		}
	}
	return false
}

// toGlob converts one gitignore pattern into a glob over "/"-rooted paths.
// A pattern with a slash before its last character is anchored to the root;
// otherwise it matches at any depth.
func toGlob(pattern string) (string, bool) {
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	anchored := strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/")
	pattern = strings.TrimPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "**/")
	if pattern == "" {
		return "", false
	}
	if anchored {
		return "/" + pattern, dirOnly
	}
	return "**/" + pattern, dirOnly
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
