// Package env composes the environment handed to game-server processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers daemon-wide variables over the host environment.
type Env struct {
	Var Var // daemon-wide overrides (K->V)
	// PassHost controls whether the host environment is inherited. Game
	// servers usually need PATH and JAVA_HOME, so it defaults to true.
	PassHost bool

	host Var
}

func New() *Env {
	return &Env{Var: make(Var), PassHost: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.host = parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// Merge composes the final environment, later layers winning:
// host environment (when PassHost), daemon overrides, server variables, then
// the server's own KEY=VALUE entries. ${VAR} references are expanded once
// against the composed map. The result is sorted by key.
func (e *Env) Merge(server Var, perServer []string) []string {
	m := make(Var)
	if e.PassHost {
		if e.host == nil {
			e.FromOS()
		}
		for k, v := range e.host {
			m[k] = v
		}
	}
	for _, layer := range []Var{e.Var, server, parse(perServer)} {
		for k, v := range layer {
			if k != "" {
				m[k] = v
			}
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v := os.Expand(m[k], func(name string) string { return m[name] })
		out = append(out, k+"="+v)
	}
	return out
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
