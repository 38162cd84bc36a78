package endpoint

import (
	"fmt"
	"strings"
	"sync"
)

// Map is the process-wide AbstractMap: a pattern → target table with
// $(name) variable expansion, configured at startup and reloaded only
// through an explicit call (spec.md §9 — reconfiguration is never a
// live-patch).
type Map struct {
	mu      sync.RWMutex
	entries map[string]string
	vars    map[string]string
}

// NewMap constructs an empty abstract map.
func NewMap() *Map {
	return &Map{entries: make(map[string]string), vars: make(map[string]string)}
}

// Reload replaces the pattern→target table and the variable set
// wholesale. This is the only mutation path: there is no live-patch.
func (m *Map) Reload(entries map[string]string, vars map[string]string) {
	newEntries := make(map[string]string, len(entries))
	for k, v := range entries {
		newEntries[strings.ToLower(k)] = v
	}
	newVars := make(map[string]string, len(vars))
	for k, v := range vars {
		newVars[k] = v
	}

	m.mu.Lock()
	m.entries = newEntries
	m.vars = newVars
	m.mu.Unlock()
}

// Resolve rewrites an abstract endpoint to its target logical or
// physical endpoint, expanding $(name) variables. Non-abstract
// endpoints pass through unchanged, matching the invariant that an
// endpoint is either physical or logical once stored.
func (m *Map) Resolve(e Endpoint) (Endpoint, error) {
	if e.kind != KindAbstract {
		return e, nil
	}

	m.mu.RLock()
	target, ok := m.entries[strings.ToLower(e.abstractPattern)]
	vars := m.vars
	m.mu.RUnlock()

	if !ok {
		return Endpoint{}, fmt.Errorf("resolve abstract %q: %w", e.abstractPattern, ErrUnknownScheme)
	}

	expanded := expandVars(target, vars)
	resolved, err := Parse(expanded)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve abstract %q: %w", e.abstractPattern, err)
	}
	if resolved.kind != KindPhysical && resolved.kind != KindLogical {
		return Endpoint{}, fmt.Errorf("resolve abstract %q: target %q is not physical or logical", e.abstractPattern, expanded)
	}
	return resolved, nil
}

func expandVars(s string, vars map[string]string) string {
	if !strings.Contains(s, "$(") {
		return s
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "$(")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start:], ")")
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start
		b.WriteString(s[:start])
		name := s[start+2 : end]
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		}
		s = s[end+1:]
	}
	return b.String()
}
