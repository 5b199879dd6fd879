package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gamevisor/internal/event"
	"github.com/loykin/gamevisor/internal/model"
)

func TestEventsStreamFiltersByServerAndTopic(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t, 5*time.Second)
	h := NewRouter(m, "/api", WithHeartbeat(20*time.Millisecond)).Handler()
	createServer(t, h, "s1", 25565)
	createServer(t, h, "s2", 25566)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events?server=s1&topics=status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	now := time.Now()
	m.Bus().Publish(event.Event{Topic: event.TopicLog, ServerID: "s1", Time: now, Payload: event.LogPayload{ServerID: "s1", Line: "ignored"}})
	m.Bus().Publish(event.Event{Topic: event.TopicStatus, ServerID: "s2", Time: now, Payload: event.StatusPayload{ServerID: "s2", Status: string(model.StatusOnline)}})
	m.Bus().Publish(event.Event{Topic: event.TopicStatus, ServerID: "s1", Time: now, Payload: event.StatusPayload{ServerID: "s1", Status: string(model.StatusStarting)}})

	sc := bufio.NewScanner(resp.Body)
	var name, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if data != "" {
			break
		}
	}
	require.NotEmpty(t, data, "no event received")
	assert.Equal(t, "status", name)
	assert.Contains(t, data, `"serverId":"s1"`)
	assert.Contains(t, data, string(model.StatusStarting))
}

func TestEventsRejectsBadQuery(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	createServer(t, h, "s1", 25565)

	requireCode(t, doReq(t, h, http.MethodGet, "/api/events?topics=status,bogus", nil), http.StatusBadRequest, CodeValidation)
	requireCode(t, doReq(t, h, http.MethodGet, "/api/events?server=ghost", nil), http.StatusNotFound, CodeNotFound)
}

func TestParseTopics(t *testing.T) {
	got, err := parseTopics(" status , player:join,")
	require.NoError(t, err)
	assert.Equal(t, []event.Topic{event.TopicStatus, event.TopicPlayerJoin}, got)

	got, err = parseTopics("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
