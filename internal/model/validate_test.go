package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerIsValid(t *testing.T) {
	rec := DefaultServer("s1", "Survival")
	require.NoError(t, rec.Validate())
	assert.Equal(t, StatusOffline, rec.Status)
	assert.Equal(t, 25565, rec.Port)
	assert.Equal(t, []int{0}, rec.Launch.CleanExitCodes)
	assert.True(t, rec.Game.OnlineMode)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*ServerRecord)
		field string
	}{
		{"port too high", func(r *ServerRecord) { r.Port = 70000 }, "port"},
		{"port zero after patch", func(r *ServerRecord) { r.Port = -1 }, "port"},
		{"memory", func(r *ServerRecord) { r.MemoryGB = 0 }, "memory_gb"},
		{"variant", func(r *ServerRecord) { r.Variant = "bukkit2" }, "variant"},
		{"traversal id", func(r *ServerRecord) { r.ID = "../etc" }, "id"},
		{"reserved id", func(r *ServerRecord) { r.ID = "backups" }, "id"},
		{"gamemode", func(r *ServerRecord) { r.Game.Gamemode = "god" }, "game.gamemode"},
		{"bad ip", func(r *ServerRecord) { r.Security.AllowedIPs = []string{"nope"} }, "security.allowed_ips"},
		{"bad env", func(r *ServerRecord) { r.Launch.Env = []string{"NOEQUALS"} }, "launch.env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := DefaultServer("s1", "Survival")
			tt.mut(&rec)
			err := rec.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPatchKeepsIdentity(t *testing.T) {
	rec := DefaultServer("s1", "Survival")
	rec.Status = StatusOnline
	port := 25570
	name := "Renamed"
	out := ServerPatch{Port: &port, Name: &name}.Apply(rec)
	assert.Equal(t, "s1", out.ID)
	assert.Equal(t, StatusOnline, out.Status)
	assert.Equal(t, 25570, out.Port)
	assert.Equal(t, "Renamed", out.Name)
}

func TestParseVariant(t *testing.T) {
	v, ok := ParseVariant("NeoForge")
	assert.True(t, ok)
	assert.Equal(t, VariantNeoForge, v)
	_, ok = ParseVariant("bedrock")
	assert.False(t, ok)
}

func TestScheduleValidate(t *testing.T) {
	s := ScheduleRecord{ID: "auto-backup", ServerID: "s1", Cron: "0 */2 * * *", Command: CommandBackup}
	assert.NoError(t, s.Validate())
	s.Command = CommandConsole
	assert.Error(t, s.Validate())
	s.Args = "say hi"
	assert.NoError(t, s.Validate())
	s.Command = "format-disk"
	assert.Error(t, s.Validate())
}
