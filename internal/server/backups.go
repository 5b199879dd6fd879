package server

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"
)

type createBackupReq struct {
	Description string `json:"description"`
}

type updateBackupReq struct {
	Locked      *bool   `json:"locked"`
	Description *string `json:"description"`
}

type usageResp struct {
	Bytes int64 `json:"bytes"`
}

func (r *Router) handleListBackups(c *gin.Context) {
	recs, err := r.mgr.ListBackups(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleCreateBackup(c *gin.Context) {
	var req createBackupReq
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	rec, err := r.mgr.CreateBackup(c.Request.Context(), c.Param("id"), req.Description)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleBackupUsage(c *gin.Context) {
	n, err := r.mgr.BackupUsage(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, usageResp{Bytes: n})
}

func (r *Router) handleGetBackup(c *gin.Context) {
	rec, err := r.mgr.GetBackup(c.Request.Context(), c.Param("id"), c.Param("backup"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

// handleUpdateBackup applies the lock flag first so a description change on
// a freshly unlocked backup is allowed in one call.
func (r *Router) handleUpdateBackup(c *gin.Context) {
	var req updateBackupReq
	if !bind(c, &req) {
		return
	}
	ctx, id, bid := c.Request.Context(), c.Param("id"), c.Param("backup")
	rec, err := r.mgr.GetBackup(ctx, id, bid)
	if err != nil {
		r.fail(c, err)
		return
	}
	if req.Locked != nil {
		if rec, err = r.mgr.SetBackupLocked(ctx, id, bid, *req.Locked); err != nil {
			r.fail(c, err)
			return
		}
	}
	if req.Description != nil {
		if rec, err = r.mgr.SetBackupDescription(ctx, id, bid, *req.Description); err != nil {
			r.fail(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleDeleteBackup(c *gin.Context) {
	if err := r.mgr.DeleteBackup(c.Request.Context(), c.Param("id"), c.Param("backup")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestoreBackup(c *gin.Context) {
	ctx, id := c.Request.Context(), c.Param("id")
	if err := r.mgr.RestoreBackup(ctx, id, c.Param("backup")); err != nil {
		r.fail(c, err)
		return
	}
	rt, err := r.mgr.Runtime(ctx, id)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rt)
}

func (r *Router) handleDownloadBackup(c *gin.Context) {
	rc, rec, err := r.mgr.OpenBackup(c.Request.Context(), c.Param("id"), c.Param("backup"))
	if err != nil {
		r.fail(c, err)
		return
	}
	defer func() { _ = rc.Close() }()
	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(rec.File)))
	if rec.Size > 0 {
		c.Header("Content-Length", strconv.FormatInt(rec.Size, 10))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		r.logger.Warn("backup download interrupted", "server", rec.ServerID, "backup", rec.ID, "error", err)
	}
}
