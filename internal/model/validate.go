package model

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError reports bad input. Operations that return it never start.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// reserved names collide with system directories or device names.
var reserved = map[string]bool{
	"con": true, "nul": true, "aux": true, "prn": true,
	"com1": true, "lpt1": true, "backups": true, "tmp": true,
	"staging": true, "system": true, "root": true, "proc": true,
}

// ValidateID checks a server, backup or schedule identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return invalid(field, "required")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return invalid(field, "must not contain path separators or '..'")
	}
	if !idPattern.MatchString(id) {
		return invalid(field, "allowed [a-z0-9_-], max 64 chars, must start alphanumeric")
	}
	if reserved[id] {
		return invalid(field, "%q is reserved", id)
	}
	return nil
}

var (
	gamemodes    = map[string]bool{"survival": true, "creative": true, "adventure": true, "spectator": true}
	difficulties = map[string]bool{"peaceful": true, "easy": true, "normal": true, "hard": true}
)

// Validate checks every field of a server record.
func (s ServerRecord) Validate() error {
	if err := ValidateID("id", s.ID); err != nil {
		return err
	}
	if strings.TrimSpace(s.Name) == "" {
		return invalid("name", "required")
	}
	if len(s.Name) > 100 {
		return invalid("name", "too long (max 100)")
	}
	if _, ok := ParseVariant(string(s.Variant)); !ok {
		return invalid("variant", "unknown variant %q", s.Variant)
	}
	if s.Port < 1 || s.Port > 65535 {
		return invalid("port", "must be within 1..65535, got %d", s.Port)
	}
	if s.BindAddress != "" && net.ParseIP(s.BindAddress) == nil {
		return invalid("bind_address", "not an IP address: %q", s.BindAddress)
	}
	if s.MemoryGB < 1 || s.MemoryGB > 256 {
		return invalid("memory_gb", "must be within 1..256, got %d", s.MemoryGB)
	}
	if err := s.Game.validate(); err != nil {
		return err
	}
	if err := s.Launch.validate(); err != nil {
		return err
	}
	for _, ip := range s.Security.AllowedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return invalid("security.allowed_ips", "not an IP or CIDR: %q", ip)
			}
		}
	}
	for _, cc := range s.Security.RegionLock {
		if len(cc) != 2 {
			return invalid("security.region_lock", "expected 2-letter country code, got %q", cc)
		}
	}
	return nil
}

func (g GameRules) validate() error {
	if !gamemodes[g.Gamemode] {
		return invalid("game.gamemode", "unknown gamemode %q", g.Gamemode)
	}
	if !difficulties[g.Difficulty] {
		return invalid("game.difficulty", "unknown difficulty %q", g.Difficulty)
	}
	if g.ViewDistance < 2 || g.ViewDistance > 32 {
		return invalid("game.view_distance", "must be within 2..32, got %d", g.ViewDistance)
	}
	if g.MaxPlayers < 1 || g.MaxPlayers > 1000 {
		return invalid("game.max_players", "must be within 1..1000, got %d", g.MaxPlayers)
	}
	return nil
}

func (l LaunchConfig) validate() error {
	if strings.TrimSpace(l.Command) == "" && strings.TrimSpace(l.Executable) == "" {
		return invalid("launch.executable", "executable or command required")
	}
	if l.ShutdownTimeout < 1 || l.ShutdownTimeout > 3600 {
		return invalid("launch.shutdown_timeout", "must be within 1..3600 seconds")
	}
	if l.ReadyTimeout < 0 {
		return invalid("launch.ready_timeout", "cannot be negative")
	}
	if l.ReadyPattern != "" {
		if _, err := regexp.Compile(l.ReadyPattern); err != nil {
			return invalid("launch.ready_pattern", "%v", err)
		}
	}
	if strings.Contains(l.WorkDirOverride, "..") {
		return invalid("launch.work_dir", "must not contain '..'")
	}
	for i, kv := range l.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return invalid("launch.env", "env[%d] %q is not KEY=VALUE", i, kv)
		}
	}
	return nil
}

// Validate checks a schedule record. The cron expression itself is parsed by
// the scheduler, which owns the expression grammar.
func (s ScheduleRecord) Validate() error {
	if err := ValidateID("id", s.ID); err != nil {
		return err
	}
	if err := ValidateID("server_id", s.ServerID); err != nil {
		return err
	}
	if strings.TrimSpace(s.Cron) == "" {
		return invalid("cron", "required")
	}
	switch s.Command {
	case CommandBackup, CommandStart, CommandStop, CommandRestart:
	case CommandConsole:
		if strings.TrimSpace(s.Args) == "" {
			return invalid("args", "console command requires args")
		}
	default:
		return invalid("command", "unknown command %q", s.Command)
	}
	return nil
}
