package client

import (
	"errors"
	"fmt"

	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/internal/manager"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/sandbox"
)

// Wire types shared with the daemon.
type (
	Server      = model.ServerRecord
	ServerPatch = model.ServerPatch
	Backup      = model.BackupRecord
	Schedule    = model.ScheduleRecord
	Runtime     = manager.Runtime
	FileEntry   = sandbox.Entry
	Event       = event.Event
	Topic       = event.Topic
)

// Sentinel errors matched by *APIError through errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrPathEscape     = errors.New("path escapes server directory")
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
	ErrBusy           = errors.New("server is busy")
	ErrBackupLocked   = errors.New("backup is locked")
	ErrArchiveCorrupt = errors.New("archive is corrupt")
	ErrSpawn          = errors.New("spawn failed")
)

var codeErrors = map[string]error{
	"validation":      ErrValidation,
	"path_escape":     ErrPathEscape,
	"not_found":       ErrNotFound,
	"exists":          ErrExists,
	"already_running": ErrAlreadyRunning,
	"not_running":     ErrNotRunning,
	"busy":            ErrBusy,
	"backup_locked":   ErrBackupLocked,
	"archive_corrupt": ErrArchiveCorrupt,
	"spawn_failed":    ErrSpawn,
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// APIError is returned for every non-2xx answer.
type APIError struct {
	Status  int
	Code    string
	Field   string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

type commandRequest struct {
	Command string `json:"command"`
}

type playerRequest struct {
	Name string `json:"name"`
}

type extractRequest struct {
	Archive string `json:"archive"`
	Dest    string `json:"dest"`
}

type backupRequest struct {
	Description string `json:"description"`
}

// BackupUpdate changes a backup's lock flag and/or description. Nil fields
// are left unchanged.
type BackupUpdate struct {
	Locked      *bool   `json:"locked,omitempty"`
	Description *string `json:"description,omitempty"`
}

type bytesResponse struct {
	Bytes int64 `json:"bytes"`
}

type filesResponse struct {
	Files int `json:"files"`
}
