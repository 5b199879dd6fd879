package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gamevisor/internal/model"
)

// MaxWriteSize bounds in-memory file writes; larger files go through upload.
const MaxWriteSize = 16 << 20

type extractReq struct {
	Archive string `json:"archive"`
	Dest    string `json:"dest"`
}

type uploadResp struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

type extractResp struct {
	Files int `json:"files"`
}

func pathQuery(c *gin.Context) string { return c.DefaultQuery("path", "") }

func (r *Router) handleListFiles(c *gin.Context) {
	entries, err := r.mgr.ListFiles(c.Request.Context(), c.Param("id"), pathQuery(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleReadFile(c *gin.Context) {
	data, err := r.mgr.ReadFile(c.Request.Context(), c.Param("id"), pathQuery(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (r *Router) handleWriteFile(c *gin.Context) {
	p := pathQuery(c)
	if strings.TrimSpace(p) == "" {
		r.fail(c, &model.ValidationError{Field: "path", Reason: "required"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWriteSize+1))
	if err != nil {
		r.fail(c, err)
		return
	}
	if len(data) > MaxWriteSize {
		r.fail(c, &model.ValidationError{Field: "body", Reason: "too large; use upload"})
		return
	}
	if err := r.mgr.WriteFile(c.Request.Context(), c.Param("id"), p, data); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleUpload accepts a multipart "file" field or a raw body.
func (r *Router) handleUpload(c *gin.Context) {
	p := pathQuery(c)
	body := io.Reader(c.Request.Body)
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			r.fail(c, err)
			return
		}
		defer func() { _ = f.Close() }()
		body = f
		if strings.TrimSpace(p) == "" || strings.HasSuffix(p, "/") {
			p += fh.Filename
		}
	}
	if strings.TrimSpace(p) == "" {
		r.fail(c, &model.ValidationError{Field: "path", Reason: "required"})
		return
	}
	n, err := r.mgr.UploadFile(c.Request.Context(), c.Param("id"), p, body)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, uploadResp{Path: p, Bytes: n})
}

func (r *Router) handleMkdir(c *gin.Context) {
	if err := r.mgr.Mkdir(c.Request.Context(), c.Param("id"), pathQuery(c)); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleExtract(c *gin.Context) {
	var req extractReq
	if !bind(c, &req) {
		return
	}
	n, err := r.mgr.ExtractArchive(c.Request.Context(), c.Param("id"), req.Archive, req.Dest)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, extractResp{Files: n})
}

func (r *Router) handleRemoveFile(c *gin.Context) {
	if err := r.mgr.RemoveFile(c.Request.Context(), c.Param("id"), pathQuery(c)); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
