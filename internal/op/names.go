package op

import (
	"strings"

	"golang.org/x/xerrors"
)

// A transformRule is one plain-text substitution applied to entry names,
// parsed from the sed-like "s/old/new/" syntax (any delimiter, optional
// trailing g for all occurrences).
type transformRule struct {
	old    string
	new    string
	global bool
}

func parseTransform(s string) (transformRule, error) {
	if len(s) < 4 || s[0] != 's' {
		return transformRule{}, xerrors.Errorf("bad transform %q: want s/old/new/", s)
	}
	delim := s[1]
	parts := strings.Split(s[2:], string(delim))
	if len(parts) < 3 {
		return transformRule{}, xerrors.Errorf("bad transform %q: want s/old/new/", s)
	}
	flags := parts[2]
	rule := transformRule{old: parts[0], new: parts[1], global: strings.Contains(flags, "g")}
	if rule.old == "" {
		return transformRule{}, xerrors.Errorf("bad transform %q: empty pattern", s)
	}
	return rule, nil
}

func (r transformRule) apply(name string) string {
	if r.global {
		return strings.ReplaceAll(name, r.old, r.new)
	}
	return strings.Replace(name, r.old, r.new, 1)
}

func parseTransforms(specs []string) ([]transformRule, error) {
	rules := make([]transformRule, 0, len(specs))
	for _, s := range specs {
		r, err := parseTransform(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func applyTransforms(rules []transformRule, name string) string {
	for _, r := range rules {
		name = r.apply(name)
	}
	return name
}

// matchExclude implements the exclude pattern semantics: a pattern matches
// when it equals the full path or the basename, when its single '*'
// wildcard splits into a prefix/suffix pair bracketing either of those, or
// when it is a proper path prefix followed by '/'.
func matchExclude(pattern, name string) bool {
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	if star := strings.IndexByte(pattern, '*'); star >= 0 {
		prefix, suffix := pattern[:star], pattern[star+1:]
		match := func(s string) bool {
			return len(s) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix)
		}
		return match(name) || match(base)
	}
	if pattern == name || pattern == base {
		return true
	}
	return strings.HasPrefix(name, pattern+"/")
}

func excluded(patterns []string, name string) bool {
	name = strings.TrimSuffix(name, "/")
	for _, p := range patterns {
		if matchExclude(p, name) {
			return true
		}
	}
	return false
}

// stripComponents drops the first n path components. The second return is
// false when the name has no more than n components and the entry is
// skipped entirely.
func stripComponents(name string, n uint32) (string, bool) {
	if n == 0 {
		return name, true
	}
	trailingSlash := strings.HasSuffix(name, "/")
	trimmed := strings.TrimSuffix(name, "/")
	parts := strings.Split(trimmed, "/")
	if uint32(len(parts)) <= n {
		return "", false
	}
	out := strings.Join(parts[n:], "/")
	if trailingSlash {
		out += "/"
	}
	return out, true
}

// sanitizeName makes an archive member name safe to store or extract:
// leading slashes and up-references go away unless absolute names were
// requested.
func sanitizeName(name string, absolute bool) string {
	if absolute {
		return name
	}
	// Everything up to and including the last ".." component is dropped.
	parts := strings.Split(name, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == ".." {
			name = strings.Join(parts[i+1:], "/")
			break
		}
	}
	for strings.HasPrefix(name, "/") {
		name = strings.TrimPrefix(name, "/")
	}
	return name
}

// matchesFileList reports whether name (or one of its parents) is in the
// explicit member list; an empty list admits everything.
func matchesFileList(list []string, name string) bool {
	if len(list) == 0 {
		return true
	}
	trimmed := strings.TrimSuffix(name, "/")
	for _, want := range list {
		want = strings.TrimSuffix(want, "/")
		if trimmed == want || strings.HasPrefix(trimmed, want+"/") {
			return true
		}
	}
	return false
}
