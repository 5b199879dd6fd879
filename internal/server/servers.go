package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/gamevisor/internal/manager"
	"github.com/loykin/gamevisor/internal/model"
)

type commandReq struct {
	Command string `json:"command"`
}

type playerReq struct {
	Name string `json:"name"`
}

func (r *Router) handleListServers(c *gin.Context) {
	recs, err := r.mgr.ListServers(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleCreateServer(c *gin.Context) {
	var rec model.ServerRecord
	if !bind(c, &rec) {
		return
	}
	out, err := r.mgr.CreateServer(c.Request.Context(), rec)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, out)
}

func (r *Router) handleGetServer(c *gin.Context) {
	rec, err := r.mgr.GetServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleUpdateServer(c *gin.Context) {
	var patch model.ServerPatch
	if !bind(c, &patch) {
		return
	}
	rec, err := r.mgr.UpdateServer(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleDeleteServer(c *gin.Context) {
	if err := r.mgr.DeleteServer(c.Request.Context(), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context)   { r.lifecycle(c, r.mgr.StartServer) }
func (r *Router) handleStop(c *gin.Context)    { r.lifecycle(c, r.mgr.StopServer) }
func (r *Router) handleRestart(c *gin.Context) { r.lifecycle(c, r.mgr.RestartServer) }

// lifecycle runs a start/stop/restart and answers with the runtime view.
func (r *Router) lifecycle(c *gin.Context, fn func(ctx context.Context, id string) error) {
	ctx, id := c.Request.Context(), c.Param("id")
	if err := fn(ctx, id); err != nil {
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

func (r *Router) handleCommand(c *gin.Context) {
	var req commandReq
	if !bind(c, &req) {
		return
	}
	if err := r.mgr.SendCommand(c.Request.Context(), c.Param("id"), req.Command); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRuntime(c *gin.Context) {
	rt, err := r.mgr.Runtime(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rt)
}

func (r *Router) handleRuntimes(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Runtimes())
}

func (r *Router) handlePlayers(c *gin.Context) {
	players, err := r.mgr.Players(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, players)
}

func (r *Router) handlePlayerAction(c *gin.Context) {
	var req playerReq
	if !bind(c, &req) {
		return
	}
	action := mng.PlayerAction(c.Param("action"))
	if err := r.mgr.PlayerCommand(c.Request.Context(), c.Param("id"), action, req.Name); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
