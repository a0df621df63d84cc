// Package filtering selects which feed groups count towards sync progress.
package filtering

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GroupFilter matches feed group names (e.g. "nvdv2:cves", "github:python") against
// include and exclude glob patterns
type GroupFilter struct {
	include []compiledPattern
	exclude []compiledPattern
}

type compiledPattern struct {
	source string
	glob   glob.Glob
}

// NewGroupFilter compiles the patterns. No separators are passed to the compiler,
// so * also matches across ':' and '/'.
func NewGroupFilter(include, exclude []string) (*GroupFilter, error) {
	inc, err := compile("include", include)
	if err != nil {
		return nil, err
	}
	exc, err := compile("exclude", exclude)
	if err != nil {
		return nil, err
	}
	return &GroupFilter{include: inc, exclude: exc}, nil
}

// ValidatePatterns reports the first pattern that does not compile
func ValidatePatterns(patterns []string) error {
	_, err := compile("group", patterns)
	return err
}

func compile(kind string, patterns []string) ([]compiledPattern, error) {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("empty %s pattern", kind)
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern '%s': %w", kind, p, err)
		}
		compiled = append(compiled, compiledPattern{source: p, glob: g})
	}
	return compiled, nil
}

// ShouldInclude determines if a group counts towards progress.
//
// Exclude patterns take precedence. When include patterns are given the name must match one of them.
// A nil filter or one without patterns includes everything.
func (f *GroupFilter) ShouldInclude(name string) (bool, string) {
	if f == nil {
		return true, "no group filters specified"
	}

	for _, p := range f.exclude {
		if p.glob.Match(name) {
			return false, fmt.Sprintf("excluded by pattern '%s'", p.source)
		}
	}

	if len(f.include) > 0 {
		for _, p := range f.include {
			if p.glob.Match(name) {
				return true, fmt.Sprintf("included by pattern '%s'", p.source)
			}
		}
		return false, "no match found in include patterns"
	}

	if len(f.exclude) > 0 {
		return true, "no match in exclude patterns"
	}
	return true, "no group filters specified"
}

// Empty reports whether the filter has no patterns
func (f *GroupFilter) Empty() bool {
	return f == nil || (len(f.include) == 0 && len(f.exclude) == 0)
}
