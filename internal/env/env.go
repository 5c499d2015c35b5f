// Package env composes the environment handed to supervised children.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is an immutable set of global variables layered over a base environment.
// The zero value is not usable; call New.
type Env struct {
	vars   Var
	base   Var
	fromOS bool
}

// New returns an Env whose base is the current OS environment.
func New() *Env { return &Env{vars: make(Var), fromOS: true} }

// Empty returns an Env with no base environment. Used when children must not
// inherit the supervisor's environment.
func Empty() *Env { return &Env{vars: make(Var), base: make(Var)} }

// WithSet returns a copy of e with k=v added to the global variables.
func (e *Env) WithSet(k, v string) *Env {
	if k == "" {
		return e
	}
	cp := &Env{vars: make(Var, len(e.vars)+1), base: e.base, fromOS: e.fromOS}
	for kk, vv := range e.vars {
		cp.vars[kk] = vv
	}
	cp.vars[k] = v
	return cp
}

// WithPairs applies a list of "KEY=VALUE" entries. Malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	out := e
	for _, kv := range kvs {
		if k, v, ok := Split(kv); ok {
			out = out.WithSet(k, v)
		}
	}
	return out
}

// Get returns a global variable.
func (e *Env) Get(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

// Merge composes the final environment:
// base (OS env unless Empty), then global variables, then perProc entries.
// ${VAR} references are expanded once against the composed map. The result is
// sorted by key.
func (e *Env) Merge(perProc []string) []string {
	m := make(Var)
	base := e.base
	if e.fromOS && base == nil {
		base = osEnv()
	}
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Split parses "KEY=VALUE". Entries without '=' or with an empty key are rejected.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func osEnv() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := Split(kv); ok {
			base[k] = v
		}
	}
	return base
}

// expand replaces ${VAR} with values from m; unknown references are left as-is.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
