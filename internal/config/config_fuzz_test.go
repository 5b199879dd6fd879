package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// FuzzLoadTOML feeds arbitrary listen addresses, data dirs and lock waits
// into a small config and ensures Load never panics.
func FuzzLoadTOML(f *testing.F) {
	f.Add("127.0.0.1:8080", "/var/lib/gamevisor", "30s")
	f.Add("", "", "-1s")
	f.Add(":0", "rel/dir", "not-a-duration")

	f.Fuzz(func(t *testing.T, listen, dir, wait string) {
		clean := func(s string) string {
			return strings.NewReplacer(`"`, "", `\`, "", "\n", "", "\r", "").Replace(s)
		}
		var b strings.Builder
		b.WriteString("[server]\nlisten = \"" + clean(listen) + "\"\n")
		b.WriteString("[data]\ndir = \"" + clean(dir) + "\"\n")
		b.WriteString("[locks]\nwait = \"" + clean(wait) + "\"\n")
		p := filepath.Join(t.TempDir(), "fuzz.toml")
		if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		_, _ = Load(p)
	})
}
