package threat

import (
	"fmt"
	"strings"
)

// DefaultObjectPaths is the allow-list used when none is configured.
var DefaultObjectPaths = []string{"domain-name:value", "url:value"}

// AllowList is the ordered set of object paths whose values may be inserted
// into the matcher. The zero value allows nothing.
type AllowList struct {
	paths []string
	set   map[string]struct{}
}

// NewAllowList validates paths and builds an AllowList. Duplicates are
// dropped, keeping the first occurrence.
func NewAllowList(paths []string) (AllowList, error) {
	al := AllowList{set: make(map[string]struct{}, len(paths))}
	for i, p := range paths {
		p = strings.TrimSpace(p)
		if err := ValidateObjectPath(p); err != nil {
			return AllowList{}, fmt.Errorf("object_paths[%d]: %w", i, err)
		}
		if _, dup := al.set[p]; dup {
			continue
		}
		al.set[p] = struct{}{}
		al.paths = append(al.paths, p)
	}
	return al, nil
}

// Contains reports whether path is allow-listed.
func (a AllowList) Contains(path string) bool {
	_, ok := a.set[path]
	return ok
}

// Paths returns a copy of the allow-listed paths in configured order.
func (a AllowList) Paths() []string {
	return append([]string(nil), a.paths...)
}

func (a AllowList) Len() int { return len(a.paths) }

// Filter returns the (object path, value) pairs of ind that may be inserted
// into the matcher, in pattern order. Only positive equality comparisons
// against non-empty string literals qualify. An empty result is the common case.
func Filter(ind Indicator, allow AllowList) []Pair {
	var out []Pair
	for _, c := range ind.Comparisons {
		if c.Operator != "=" || c.Negated || !c.Literal || c.Value == "" {
			continue
		}
		if !allow.Contains(c.ObjectPath) {
			continue
		}
		out = append(out, Pair{ObjectPath: c.ObjectPath, Value: c.Value})
	}
	return out
}
