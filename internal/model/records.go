package model

import "time"

// BackupType tags how a backup was produced.
type BackupType string

const (
	BackupManual    BackupType = "manual"
	BackupScheduled BackupType = "scheduled"
	BackupAutoSave  BackupType = "auto-save"
)

// BackupRecord is the metadata for one archive of a server's data directory.
// Only Locked and Description change after creation.
type BackupRecord struct {
	ID          string     `json:"id"`
	ServerID    string     `json:"server_id"`
	Description string     `json:"description"`
	Size        int64      `json:"size"`
	CreatedAt   time.Time  `json:"created_at"`
	Locked      bool       `json:"locked"`
	Type        BackupType `json:"type"`
	File        string     `json:"file"`
}

// Schedule commands understood by the scheduler.
const (
	CommandBackup  = "backup"
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandRestart = "restart"
	CommandConsole = "command"
)

// ScheduleRecord is a cron-triggered automation rule bound to one server.
type ScheduleRecord struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Command   string    `json:"command"`
	Args      string    `json:"args,omitempty"` // console line for CommandConsole
	Active    bool      `json:"active"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Collection names in the record store.
const (
	CollectionServers = "servers"
)

// BackupsCollection is the per-server collection of backup records.
func BackupsCollection(serverID string) string { return "backups/" + serverID }

// SchedulesCollection is the per-server collection of schedule records.
func SchedulesCollection(serverID string) string { return "schedules/" + serverID }
