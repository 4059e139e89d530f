package policy

import "strings"

// InvalidationRule lists the cache patterns a mutation makes stale. A rule
// matches a mutation by its type, or by a prefix of its path.
type InvalidationRule struct {
	Type     string
	Prefixes []string
	Patterns []string
}

type Invalidations struct {
	rules []InvalidationRule
}

func NewInvalidations(rules []InvalidationRule) *Invalidations {
	return &Invalidations{rules: append([]InvalidationRule(nil), rules...)}
}

// Patterns returns the de-duplicated patterns for a mutation, in rule order.
// With no matching rule the mutation path itself is returned, so a write to
// /api/tasks/7 still drops cached reads of that resource.
func (inv *Invalidations) Patterns(mutationType, path string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(ps []string) {
		for _, p := range ps {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	if inv != nil {
		for _, r := range inv.rules {
			if r.matches(mutationType, path) {
				add(r.Patterns)
			}
		}
	}
	if len(out) == 0 && path != "" {
		add([]string{stripQuery(path)})
	}
	return out
}

// TypeFor returns the type of the first rule whose prefix matches path, or "".
func (inv *Invalidations) TypeFor(path string) string {
	if inv == nil {
		return ""
	}
	for _, r := range inv.rules {
		if r.Type == "" {
			continue
		}
		for _, p := range r.Prefixes {
			if strings.HasPrefix(path, p) {
				return r.Type
			}
		}
	}
	return ""
}

func (r InvalidationRule) matches(mutationType, path string) bool {
	if r.Type != "" && r.Type == mutationType {
		return true
	}
	for _, p := range r.Prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
