package core

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Variables is the run-scoped variable store. It is safe for concurrent use;
// racing writes to the same name resolve last-write-wins.
type Variables struct {
	mu   sync.RWMutex
	vals map[string]string

	// cached substitution pattern, rebuilt when the name set changes
	pattern *regexp.Regexp
	dirty   bool
}

// NewVariables creates a store seeded with the given values.
func NewVariables(initial map[string]string) *Variables {
	v := &Variables{vals: make(map[string]string, len(initial)), dirty: true}
	for k, val := range initial {
		v.vals[k] = val
	}
	return v
}

// Set stores value under name.
func (v *Variables) Set(name, value string) {
	v.mu.Lock()
	if _, ok := v.vals[name]; !ok {
		v.dirty = true
	}
	v.vals[name] = value
	v.mu.Unlock()
}

// Get returns the value stored under name.
func (v *Variables) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vals[name]
	return val, ok
}

// All returns a copy of every variable.
func (v *Variables) All() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.vals))
	for k, val := range v.vals {
		out[k] = val
	}
	return out
}

// Substitute replaces ${NAME} and $NAME references to known variables.
// The braced form is matched before the bare form at every position, and the
// bare form only matches when NAME ends on a word boundary. Inserted values
// are not rescanned.
func (v *Variables) Substitute(text string) string {
	if !strings.Contains(text, "$") {
		return text
	}
	v.mu.Lock()
	if v.dirty {
		v.pattern = buildPattern(v.vals)
		v.dirty = false
	}
	re := v.pattern
	v.mu.Unlock()
	if re == nil {
		return text
	}

	vals := v.All()
	return re.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.TrimPrefix(m, "$")
		if strings.HasPrefix(name, "{") {
			name = strings.TrimSuffix(strings.TrimPrefix(name, "{"), "}")
		}
		if val, ok := vals[name]; ok {
			return val
		}
		return m
	})
}

func buildPattern(vals map[string]string) *regexp.Regexp {
	if len(vals) == 0 {
		return nil
	}
	names := make([]string, 0, len(vals))
	for k := range vals {
		if k != "" {
			names = append(names, k)
		}
	}
	// longest first so $FOOBAR is not consumed as $FOO
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	alt := strings.Join(quoted, "|")
	return regexp.MustCompile(`\$\{(?:` + alt + `)\}|\$(?:` + alt + `)\b`)
}

// ExtractOutputs scans the given streams, in order, for
// "::set-output name=NAME::VALUE" markers of the declared names. The first
// match per name wins and is stored with Set. Undeclared names are ignored.
func (v *Variables) ExtractOutputs(declared []string, streams ...string) map[string]string {
	found := make(map[string]string, len(declared))
	for _, name := range declared {
		if name == "" {
			continue
		}
		re := regexp.MustCompile(`(?m)(?i:::set-output)\s+name=` + regexp.QuoteMeta(name) + `::(.*)$`)
		for _, s := range streams {
			if m := re.FindStringSubmatch(s); m != nil {
				found[name] = strings.TrimSpace(m[1])
				break
			}
		}
	}
	for name, val := range found {
		v.Set(name, val)
	}
	return found
}
