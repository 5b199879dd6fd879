package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gamevisor/internal/model"
)

func (r *Router) handleListSchedules(c *gin.Context) {
	recs, err := r.mgr.ListSchedules(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleCreateSchedule(c *gin.Context) {
	var rec model.ScheduleRecord
	if !bind(c, &rec) {
		return
	}
	rec.ServerID = c.Param("id")
	out, err := r.mgr.CreateSchedule(c.Request.Context(), rec)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, out)
}

func (r *Router) handleAutoBackup(c *gin.Context) {
	out, err := r.mgr.EnableAutoBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, out)
}

func (r *Router) handleGetSchedule(c *gin.Context) {
	rec, err := r.mgr.GetSchedule(c.Request.Context(), c.Param("id"), c.Param("schedule"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleUpdateSchedule(c *gin.Context) {
	var rec model.ScheduleRecord
	if !bind(c, &rec) {
		return
	}
	rec.ServerID, rec.ID = c.Param("id"), c.Param("schedule")
	out, err := r.mgr.UpdateSchedule(c.Request.Context(), rec)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDeleteSchedule(c *gin.Context) {
	if err := r.mgr.DeleteSchedule(c.Request.Context(), c.Param("id"), c.Param("schedule")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
