package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// FuzzFilePaths drives arbitrary paths through the file endpoints and checks
// that nothing is ever created outside the server's data directory.
func FuzzFilePaths(f *testing.F) {
	f.Add("server.properties")
	f.Add("world/level.dat")
	f.Add("../escape.txt")
	f.Add("../../escape.txt")
	f.Add("/etc/passwd")
	f.Add("a/../../b")
	f.Add("..\\..\\win.ini")
	f.Add("name\x00null")
	f.Add("")
	f.Add(".")

	gin.SetMode(gin.TestMode)
	root := f.TempDir()
	m := newManagerAt(f, root, 5*time.Second)
	h := NewRouter(m, "/api").Handler()
	createServer(f, h, "s1", 25565)

	f.Fuzz(func(t *testing.T, p string) {
		if len(p) > 256 {
			t.Skip("path too long")
		}
		q := url.Values{"path": {p}}.Encode()
		for _, target := range []struct{ method, path string }{
			{http.MethodPut, "/api/servers/s1/files/content?" + q},
			{http.MethodPost, "/api/servers/s1/files/mkdir?" + q},
			{http.MethodGet, "/api/servers/s1/files/content?" + q},
			{http.MethodDelete, "/api/servers/s1/files?" + q},
		} {
			req := httptest.NewRequest(target.method, target.path, bytes.NewReader([]byte("x")))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code == http.StatusBadRequest && w.Body.Len() == 0 {
				t.Fatalf("%s %q: empty error body", target.method, p)
			}
		}

		if got := dirNames(t, filepath.Join(root, "servers")); len(got) != 1 || got[0] != "s1" {
			t.Fatalf("path %q escaped into servers dir: %v", p, got)
		}
		for _, name := range dirNames(t, root) {
			switch name {
			case "servers", "backups", "db":
			default:
				t.Fatalf("path %q escaped into data root: %s", p, name)
			}
		}
	})
}
