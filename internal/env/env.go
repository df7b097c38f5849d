package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to worker processes.
// Base is the supervisor's own environment minus any stripped prefixes.
type Env struct {
	Var   Var // supervisor-wide variables (K->V)
	strip []string
	base  Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS returns an Env based on the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parse(os.Environ())
	return e
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	n := e.clone()
	n.Var[k] = v
	return n
}

// WithStrip returns a copy of e that drops inherited variables starting with prefix.
// Workers must not inherit the supervisor's own hand-off variables when it is itself a worker.
func (e *Env) WithStrip(prefix string) *Env {
	n := e.clone()
	n.strip = append(n.strip, prefix)
	return n
}

func (e *Env) clone() *Env {
	n := &Env{Var: make(Var, len(e.Var)), base: e.base}
	for k, v := range e.Var {
		n.Var[k] = v
	}
	n.strip = append([]string(nil), e.strip...)
	return n
}

// Merge composes the final environment list applying order:
// base (filtered by strip prefixes), then e.Var, then perProc "K=V" overrides.
// Values may reference ${OTHER}; expansion uses the composed map (no recursion).
// The result is sorted for reproducible child environments.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	for k, v := range e.base {
		if e.stripped(k) {
			continue
		}
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
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

func (e *Env) stripped(k string) bool {
	for _, p := range e.strip {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
