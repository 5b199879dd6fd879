package manager

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/gamevisor/internal/atomicfile"
	"github.com/loykin/gamevisor/internal/model"
)

const propertiesFile = "server.properties"

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// properties renders the managed keys of server.properties.
func properties(rec model.ServerRecord) [][2]string {
	ip := rec.BindAddress
	if ip == model.DefaultBindAddress {
		ip = ""
	}
	g := rec.Game
	return [][2]string{
		{"server-port", strconv.Itoa(rec.Port)},
		{"server-ip", ip},
		{"gamemode", g.Gamemode},
		{"difficulty", g.Difficulty},
		{"level-seed", g.Seed},
		{"view-distance", strconv.Itoa(g.ViewDistance)},
		{"max-players", strconv.Itoa(g.MaxPlayers)},
		{"motd", g.MOTD},
		{"online-mode", strconv.FormatBool(g.OnlineMode)},
		{"pvp", strconv.FormatBool(g.PVP)},
		{"white-list", strconv.FormatBool(g.WhitelistEnabled)},
		{"enforce-whitelist", strconv.FormatBool(g.WhitelistEnabled)},
	}
}

// writeProperties merges the managed keys into the server's
// server.properties, keeping every other line as it is.
func (m *Manager) writeProperties(rec model.ServerRecord) error {
	path := filepath.Join(m.dataDir(rec.ID), propertiesFile)
	old, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return atomicfile.WriteFile(path, mergeProperties(old, properties(rec)), 0o644)
}

func mergeProperties(old []byte, kv [][2]string) []byte {
	want := make(map[string]string, len(kv))
	for _, p := range kv {
		want[p[0]] = p[1]
	}
	var out bytes.Buffer
	seen := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(old))
	for sc.Scan() {
		line := sc.Text()
		trim := strings.TrimSpace(line)
		if trim != "" && !strings.HasPrefix(trim, "#") {
			if k, _, ok := strings.Cut(trim, "="); ok {
				k = strings.TrimSpace(k)
				if v, managed := want[k]; managed {
					if seen[k] {
						continue
					}
					seen[k] = true
					line = k + "=" + v
				}
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if len(old) == 0 {
		out.WriteString("#Minecraft server properties\n")
	}
	for _, p := range kv {
		if !seen[p[0]] {
			out.WriteString(p[0] + "=" + p[1] + "\n")
		}
	}
	return out.Bytes()
}
