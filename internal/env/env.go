package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Var is an environment keyed by variable name.
type Var map[string]string

// clientVars are libpq settings that would redirect the bundled tools away
// from the managed cluster. Callers that need one pass it as an override.
var clientVars = map[string]bool{
	"PGDATA":               true,
	"PGHOST":               true,
	"PGHOSTADDR":           true,
	"PGPORT":               true,
	"PGUSER":               true,
	"PGDATABASE":           true,
	"PGPASSWORD":           true,
	"PGPASSFILE":           true,
	"PGSERVICE":            true,
	"PGSERVICEFILE":        true,
	"PGOPTIONS":            true,
	"PGSSLMODE":            true,
	"PGTARGETSESSIONATTRS": true,
	"PGCONNECT_TIMEOUT":    true,
}

// IsClientVar reports whether k is a libpq variable dropped from the base environment.
func IsClientVar(k string) bool { return clientVars[strings.ToUpper(k)] }

// Parse turns "K=V" pairs into a Var. Entries without '=' or with an empty
// key are skipped; later entries win.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// ParseFile reads a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored; surrounding quotes are removed.
func ParseFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		m[k] = unquote(strings.TrimSpace(v))
	}
	return m, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// List returns the variables as sorted "K=V" pairs.
func (v Var) List() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Compose builds the environment for a bundled PostgreSQL tool. It starts
// from base without libpq client variables, then applies each override set
// in order. ${VAR} in override values expands against the result so far;
// unknown names expand to "".
func Compose(base []string, overrides ...[]string) []string {
	m := make(Var, len(base))
	for k, v := range Parse(base) {
		if IsClientVar(k) {
			continue
		}
		m[k] = v
	}
	for _, set := range overrides {
		for _, kv := range set {
			k, v, ok := strings.Cut(kv, "=")
			k = strings.TrimSpace(k)
			if !ok || k == "" {
				continue
			}
			m[k] = Expand(v, m)
		}
	}
	return m.List()
}

// Expand replaces ${NAME} references in s with values from m. A "${"
// without a closing brace is kept as is.
func Expand(s string, m Var) string {
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
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
}
