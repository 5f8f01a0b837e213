// Package env composes the environment handed to VPN client processes.
package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var refRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Env holds service-wide client variables layered over the OS environment.
type Env struct {
	mu   sync.RWMutex
	vars map[string]string
	base map[string]string
}

// New parses globals ("K=V"; malformed entries are skipped) and snapshots
// the current OS environment as the base.
func New(globals []string) *Env {
	e := &Env{vars: parse(globals), base: parse(os.Environ())}
	return e
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.mu.Lock()
	e.vars[k] = v
	e.mu.Unlock()
}

func (e *Env) Unset(k string) {
	e.mu.Lock()
	delete(e.vars, k)
	e.mu.Unlock()
}

// Len is the number of global variables.
func (e *Env) Len() int {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vars)
}

// Merge layers the OS base, the globals and perProc ("K=V") in that order
// and expands ${VAR} references against the composed map in a single pass.
// Unknown references are left untouched. The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	e.mu.RLock()
	m := make(map[string]string, len(e.base)+len(e.vars)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	e.mu.RUnlock()
	for k, v := range parse(perProc) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return refRe.ReplaceAllStringFunc(s, func(ref string) string {
		if v, ok := m[ref[2:len(ref)-1]]; ok {
			return v
		}
		return ref
	})
}
