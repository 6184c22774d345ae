// Package env composes the extra environment handed to ffmpeg subprocesses.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	vars Var
	base Var // process environment, read lazily
}

// New parses K=V pairs. Entries without '=' or with an empty key are dropped.
func New(pairs []string) *Env {
	return &Env{vars: parse(pairs)}
}

func parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Set overrides one variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.vars == nil {
		e.vars = make(Var)
	}
	e.vars[k] = v
}

func (e *Env) lookup(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	if e.base == nil {
		e.base = parse(os.Environ())
	}
	v, ok := e.base[k]
	return v, ok
}

// Expand replaces ${VAR} references in s, resolving against the configured
// variables first and the process environment second. Unknown references
// are left untouched and expansion is not recursive.
func (e *Env) Expand(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := e.lookup(name); ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

// Environ returns the configured variables as sorted K=V pairs with values
// expanded. A nil Env yields nil.
func (e *Env) Environ() []string {
	if e == nil || len(e.vars) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.Expand(e.vars[k]))
	}
	return out
}
