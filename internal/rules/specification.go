package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoMatches is recorded for rules that did not match any entity.
var ErrNoMatches = errors.New("rule matched no entities")

// Walker traverses a directory tree the way filepath.WalkDir does.
type Walker interface {
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// OSWalker walks the local filesystem.
type OSWalker struct{}

func (OSWalker) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

// Explanation records one rule that matched an entry.
type Explanation struct {
	Operation Operation
	Rule      Rule
}

// Entry is the resolved state of a single matched path.
type Entry struct {
	File      string
	Directory string // anchor of the last rule that matched
	IsDir     bool
	Operation Operation
	Reason    []Explanation
}

// UnmatchedRule is a rule that could not be applied.
type UnmatchedRule struct {
	Rule Rule
	Err  error
}

// Specification is the result of applying an ordered list of rules.
type Specification struct {
	Entries   map[string]*Entry
	Unmatched []UnmatchedRule
}

// Apply resolves rules in order against the filesystem. Later rules override
// earlier ones for the same path. Rules that fail or match nothing are recorded
// in Unmatched; only cancellation aborts the whole pass.
func Apply(ctx context.Context, rules []Rule, walker Walker) (*Specification, error) {
	spec := &Specification{Entries: map[string]*Entry{}}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		matches, err := match(ctx, rule, walker)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			spec.Unmatched = append(spec.Unmatched, UnmatchedRule{Rule: rule, Err: err})
			continue
		case len(matches) == 0:
			spec.Unmatched = append(spec.Unmatched, UnmatchedRule{Rule: rule, Err: ErrNoMatches})
			continue
		}

		for _, m := range matches {
			spec.record(rule, m.anchor, m.path, m.isDir)
			if rule.Operation == Exclude && m.isDir {
				spec.overrideBelow(rule, m.path)
			}
		}
	}

	return spec, nil
}

type matched struct {
	anchor string
	path   string
	isDir  bool
}

func match(ctx context.Context, rule Rule, walker Walker) ([]matched, error) {
	anchor, err := filepath.Abs(rule.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolving rule directory: %w", err)
	}
	if !doublestar.ValidatePattern(rule.Pattern) {
		return nil, fmt.Errorf("invalid pattern %q: %w", rule.Pattern, doublestar.ErrBadPattern)
	}

	var result []matched
	err = walker.WalkDir(anchor, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == anchor {
			return nil
		}

		rel, err := filepath.Rel(anchor, path)
		if err != nil {
			return err
		}
		ok, err := doublestar.Match(rule.Pattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		result = append(result, matched{anchor: anchor, path: path, isDir: d.IsDir()})
		if rule.Operation == Exclude && d.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", anchor, err)
	}

	return result, nil
}

func (s *Specification) record(rule Rule, anchor, path string, isDir bool) {
	entry, ok := s.Entries[path]
	if !ok {
		entry = &Entry{File: path, IsDir: isDir}
		s.Entries[path] = entry
	}
	entry.Directory = anchor
	entry.Operation = rule.Operation
	entry.Reason = append(entry.Reason, Explanation{Operation: rule.Operation, Rule: rule})
}

// overrideBelow excludes entries recorded by earlier rules inside a pruned directory.
func (s *Specification) overrideBelow(rule Rule, dir string) {
	prefix := dir + string(filepath.Separator)
	for path, entry := range s.Entries {
		if strings.HasPrefix(path, prefix) && entry.Operation != Exclude {
			entry.Operation = Exclude
			entry.Reason = append(entry.Reason, Explanation{Operation: Exclude, Rule: rule})
		}
	}
}

// Included returns the sorted set of included paths plus every ancestor
// directory between an included path and its rule's anchor (exclusive).
func (s *Specification) Included() []string {
	included := map[string]struct{}{}
	for path, entry := range s.Entries {
		if entry.Operation != Include {
			continue
		}
		included[path] = struct{}{}
		for _, ancestor := range ancestors(path, entry.Directory) {
			included[ancestor] = struct{}{}
		}
	}
	return sortedKeys(included)
}

// Excluded returns the sorted set of excluded paths that are not required
// as ancestors of an included path.
func (s *Specification) Excluded() []string {
	included := map[string]struct{}{}
	for _, path := range s.Included() {
		included[path] = struct{}{}
	}

	excluded := map[string]struct{}{}
	for path, entry := range s.Entries {
		if entry.Operation != Exclude {
			continue
		}
		if _, ok := included[path]; ok {
			continue
		}
		excluded[path] = struct{}{}
	}
	return sortedKeys(excluded)
}

func ancestors(path, anchor string) []string {
	var result []string
	for current := filepath.Dir(path); current != anchor; current = filepath.Dir(current) {
		if len(current) <= len(anchor) || !strings.HasPrefix(current, anchor) {
			break
		}
		result = append(result, current)
	}
	return result
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
