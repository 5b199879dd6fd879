package model

import (
	"strings"
	"time"
)

// Variant is the server software distribution.
type Variant string

const (
	VariantVanilla  Variant = "vanilla"
	VariantPaper    Variant = "paper"
	VariantPurpur   Variant = "purpur"
	VariantSpigot   Variant = "spigot"
	VariantFabric   Variant = "fabric"
	VariantForge    Variant = "forge"
	VariantNeoForge Variant = "neoforge"
	VariantModpack  Variant = "modpack"
)

var variants = []Variant{
	VariantVanilla, VariantPaper, VariantPurpur, VariantSpigot,
	VariantFabric, VariantForge, VariantNeoForge, VariantModpack,
}

// ParseVariant accepts any casing ("NeoForge", "neoforge").
func ParseVariant(s string) (Variant, bool) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range variants {
		if v == known {
			return v, true
		}
	}
	return "", false
}

// Status is the supervisor state of a server process.
type Status string

const (
	StatusOffline  Status = "OFFLINE"
	StatusStarting Status = "STARTING"
	StatusOnline   Status = "ONLINE"
	StatusStopping Status = "STOPPING"
	StatusCrashed  Status = "CRASHED"
)

// Running reports whether a child process may exist in this state.
func (s Status) Running() bool {
	return s == StatusStarting || s == StatusOnline || s == StatusStopping
}

// ServerRecord is the persisted configuration of one managed instance.
// ID is immutable after creation and is the only lock key.
type ServerRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Variant      Variant        `json:"variant"`
	Version      string         `json:"version,omitempty"`
	Status       Status         `json:"status"`
	Port         int            `json:"port"`
	BindAddress  string         `json:"bind_address"`
	MemoryGB     int            `json:"memory_gb"`
	Game         GameRules      `json:"game"`
	Launch       LaunchConfig   `json:"launch"`
	Security     SecurityPolicy `json:"security"`
	Integrations Integrations   `json:"integrations"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// GameRules holds the fields rendered into server.properties.
type GameRules struct {
	Gamemode         string `json:"gamemode"`          // default survival
	Difficulty       string `json:"difficulty"`        // default easy
	Seed             string `json:"seed,omitempty"`    // empty = random
	ViewDistance     int    `json:"view_distance"`     // default 10
	MaxPlayers       int    `json:"max_players"`       // default 20
	MOTD             string `json:"motd,omitempty"`    // default "A Minecraft Server"
	OnlineMode       bool   `json:"online_mode"`       // default true
	PVP              bool   `json:"pvp"`               // default true
	WhitelistEnabled bool   `json:"whitelist_enabled"` // default false
}

// LaunchConfig describes how the child process is spawned and stopped.
type LaunchConfig struct {
	Executable      string   `json:"executable"`            // default java
	Args            []string `json:"args,omitempty"`        // appended after the memory flags
	Command         string   `json:"command,omitempty"`     // full command line; overrides Executable/Args
	StopCommand     string   `json:"stop_command"`          // default stop
	ShutdownTimeout int      `json:"shutdown_timeout"`      // seconds, default 30
	CleanExitCodes  []int    `json:"clean_exit_codes"`      // default [0]
	ReadyPattern    string   `json:"ready_pattern"`         // default `Done \(.*\)!`
	ReadyTimeout    int      `json:"ready_timeout"`         // seconds, default 300
	Env             []string `json:"env,omitempty"`         // KEY=VALUE
	AutoRestart     bool     `json:"auto_restart"`          // restart after CRASHED, default false
	RestartDelay    int      `json:"restart_delay"`         // seconds, default 10
	JarFile         string   `json:"jar_file,omitempty"`    // default server.jar
	ExtraFlags      []string `json:"extra_flags,omitempty"` // passed after -jar <jar>
	TPSQuery        string   `json:"tps_query,omitempty"`   // console command answering with TPS
	StatsInterval   int      `json:"stats_interval"`        // seconds, default 5
	WorkDirOverride string   `json:"work_dir,omitempty"`    // relative to the server root
}

// SecurityPolicy replaces the free-form security map with explicit fields.
type SecurityPolicy struct {
	Firewall       bool     `json:"firewall"`        // default false
	AllowedIPs     []string `json:"allowed_ips"`     // default empty (all)
	DDoSMitigation bool     `json:"ddos_mitigation"` // default false
	Require2FA     bool     `json:"require_2fa"`     // default false
	RegionLock     []string `json:"region_lock"`     // ISO country codes, default empty
}

// Integrations holds webhook and bot flags.
type Integrations struct {
	Webhook WebhookConfig `json:"webhook"`
	Bot     BotConfig     `json:"bot"`
}

type WebhookConfig struct {
	URL    string   `json:"url,omitempty"`
	Events []string `json:"events,omitempty"` // event bus topics to forward; empty = none
}

type BotConfig struct {
	Enabled         bool `json:"enabled"`
	AnnounceStatus  bool `json:"announce_status"`
	AnnouncePlayers bool `json:"announce_players"`
}

// Default values for new servers.
const (
	DefaultPort            = 25565
	DefaultBindAddress     = "0.0.0.0"
	DefaultMemoryGB        = 2
	DefaultExecutable      = "java"
	DefaultJarFile         = "server.jar"
	DefaultStopCommand     = "stop"
	DefaultShutdownTimeout = 30
	DefaultReadyPattern    = `Done \(.*\)!`
	DefaultReadyTimeout    = 300
	DefaultRestartDelay    = 10
	DefaultStatsInterval   = 5
)

// ReadyProbeTCP as a ready pattern marks the server ONLINE once its port
// accepts connections instead of matching console output.
const ReadyProbeTCP = "tcp"

// DefaultServer returns a record with every documented default applied.
func DefaultServer(id, name string) ServerRecord {
	rec := ServerRecord{ID: id, Name: name}
	rec.ApplyDefaults()
	return rec
}

// ApplyDefaults fills zero-valued fields. It is idempotent.
func (s *ServerRecord) ApplyDefaults() {
	if s.Variant == "" {
		s.Variant = VariantVanilla
	}
	if s.Status == "" {
		s.Status = StatusOffline
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.BindAddress == "" {
		s.BindAddress = DefaultBindAddress
	}
	if s.MemoryGB == 0 {
		s.MemoryGB = DefaultMemoryGB
	}
	if s.Game.Gamemode == "" {
		s.Game.Gamemode = "survival"
		s.Game.OnlineMode = true
		s.Game.PVP = true
	}
	if s.Game.Difficulty == "" {
		s.Game.Difficulty = "easy"
	}
	if s.Game.ViewDistance == 0 {
		s.Game.ViewDistance = 10
	}
	if s.Game.MaxPlayers == 0 {
		s.Game.MaxPlayers = 20
	}
	if s.Game.MOTD == "" {
		s.Game.MOTD = "A Minecraft Server"
	}
	l := &s.Launch
	if l.Executable == "" {
		l.Executable = DefaultExecutable
	}
	if l.JarFile == "" {
		l.JarFile = DefaultJarFile
	}
	if l.StopCommand == "" {
		l.StopCommand = DefaultStopCommand
	}
	if l.ShutdownTimeout == 0 {
		l.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(l.CleanExitCodes) == 0 {
		l.CleanExitCodes = []int{0}
	}
	if l.ReadyPattern == "" {
		l.ReadyPattern = DefaultReadyPattern
	}
	if l.ReadyTimeout == 0 {
		l.ReadyTimeout = DefaultReadyTimeout
	}
	if l.RestartDelay == 0 {
		l.RestartDelay = DefaultRestartDelay
	}
	if l.StatsInterval == 0 {
		l.StatsInterval = DefaultStatsInterval
	}
}

// ShutdownWait returns the graceful stop window.
func (l LaunchConfig) ShutdownWait() time.Duration {
	return time.Duration(l.ShutdownTimeout) * time.Second
}

// ReadyWait returns the liveness window after spawn.
func (l LaunchConfig) ReadyWait() time.Duration {
	return time.Duration(l.ReadyTimeout) * time.Second
}
