package server

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/internal/model"
)

// parseTopics reads a comma-separated topic list. Empty means all topics.
func parseTopics(s string) ([]event.Topic, error) {
	var out []event.Topic
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, ok := event.ParseTopic(part)
		if !ok {
			return nil, &model.ValidationError{Field: "topics", Reason: "unknown topic " + part}
		}
		out = append(out, t)
	}
	return out, nil
}

// handleEvents streams bus events as server-sent events until the client
// goes away. Each frame's event name is the topic and its data the JSON event.
func (r *Router) handleEvents(c *gin.Context) {
	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		r.fail(c, err)
		return
	}
	var sub *event.Subscription
	if id := c.Query("server"); id != "" {
		if _, err := r.mgr.GetServer(c.Request.Context(), id); err != nil {
			r.fail(c, err)
			return
		}
		sub = r.mgr.Bus().SubscribeServer(id, event.DefaultBuffer, topics...)
	} else {
		sub = r.mgr.Bus().Subscribe(event.DefaultBuffer, topics...)
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	hb := time.NewTicker(r.heartbeat)
	defer hb.Stop()
	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case e, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(e.Topic), e)
			return true
		case <-hb.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		}
	})
	if n := sub.Dropped(); n > 0 {
		r.logger.Debug("event stream closed with drops", "dropped", n)
	}
}
