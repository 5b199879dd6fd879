package server

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gamevisor/internal/backup"
	"github.com/loykin/gamevisor/internal/lock"
	"github.com/loykin/gamevisor/internal/manager"
	"github.com/loykin/gamevisor/internal/model"
	"github.com/loykin/gamevisor/internal/process"
	"github.com/loykin/gamevisor/internal/sandbox"
	"github.com/loykin/gamevisor/internal/store"
)

// Error codes carried in ErrorResponse.Code so clients can recover the kind
// of failure without parsing messages.
const (
	CodeValidation     = "validation"
	CodePathEscape     = "path_escape"
	CodeNotFound       = "not_found"
	CodeExists         = "exists"
	CodeAlreadyRunning = "already_running"
	CodeNotRunning     = "not_running"
	CodeBusy           = "busy"
	CodeBackupLocked   = "backup_locked"
	CodeArchiveCorrupt = "archive_corrupt"
	CodeSpawn          = "spawn_failed"
	CodeInternal       = "internal"
)

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		resp.Code, resp.Field = CodeValidation, verr.Field
		return http.StatusBadRequest, resp
	case errors.Is(err, sandbox.ErrPathEscape):
		resp.Code = CodePathEscape
		return http.StatusBadRequest, resp
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		resp.Code = CodeNotFound
		return http.StatusNotFound, resp
	case errors.Is(err, manager.ErrServerExists):
		resp.Code = CodeExists
		return http.StatusConflict, resp
	case errors.Is(err, manager.ErrAlreadyRunning):
		resp.Code = CodeAlreadyRunning
		return http.StatusConflict, resp
	case errors.Is(err, manager.ErrNotRunning):
		resp.Code = CodeNotRunning
		return http.StatusConflict, resp
	case errors.Is(err, lock.ErrLockTimeout):
		resp.Code = CodeBusy
		return http.StatusConflict, resp
	case errors.Is(err, backup.ErrBackupLocked):
		resp.Code = CodeBackupLocked
		return http.StatusLocked, resp
	case errors.Is(err, backup.ErrArchiveCorrupt):
		resp.Code = CodeArchiveCorrupt
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, process.ErrSpawn):
		resp.Code = CodeSpawn
		return http.StatusInternalServerError, resp
	default:
		resp.Code = CodeInternal
		return http.StatusInternalServerError, resp
	}
}

func (r *Router) fail(c *gin.Context, err error) {
	code, resp := classify(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	if code == http.StatusConflict && resp.Code == CodeBusy {
		c.Header("Retry-After", "1")
	}
	writeJSON(c, code, resp)
}
