package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gamevisor/internal/config"
	mng "github.com/loykin/gamevisor/internal/manager"
	"github.com/loykin/gamevisor/internal/metrics"
	gtls "github.com/loykin/gamevisor/internal/tls"
)

// Router exposes the Manager over HTTP. Every path is relative to basePath:
//
//	GET    /servers                            list
//	POST   /servers                            create
//	GET    /servers/:id                        get
//	PATCH  /servers/:id                        update (ServerPatch)
//	DELETE /servers/:id                        delete
//	POST   /servers/:id/{start,stop,restart}   lifecycle
//	POST   /servers/:id/command                {"command": "..."}
//	GET    /servers/:id/runtime                live process view
//	GET    /servers/:id/players                online players
//	POST   /servers/:id/players/:action        {"name": "..."}
//	GET    /servers/:id/files?path=            directory listing
//	DELETE /servers/:id/files?path=            remove
//	GET    /servers/:id/files/content?path=    read
//	PUT    /servers/:id/files/content?path=    write (raw body)
//	POST   /servers/:id/files/upload?path=     upload (raw body or multipart "file")
//	POST   /servers/:id/files/mkdir?path=      mkdir
//	POST   /servers/:id/files/extract          {"archive": "...", "dest": "..."}
//	GET    /servers/:id/backups                list
//	POST   /servers/:id/backups                {"description": "..."}
//	GET    /servers/:id/backup-usage           total bytes
//	GET    /servers/:id/backups/:backup        get
//	PATCH  /servers/:id/backups/:backup        {"locked": bool, "description": "..."}
//	DELETE /servers/:id/backups/:backup        delete
//	POST   /servers/:id/backups/:backup/restore
//	GET    /servers/:id/backups/:backup/download
//	GET    /servers/:id/schedules              list
//	POST   /servers/:id/schedules              create
//	POST   /servers/:id/schedules/auto-backup  install preset
//	GET    /servers/:id/schedules/:schedule    get
//	PUT    /servers/:id/schedules/:schedule    replace
//	DELETE /servers/:id/schedules/:schedule    delete
//	GET    /runtimes                           live view of every server
//	GET    /events?server=&topics=             server-sent events
//	GET    /healthz
//	GET    /metrics                            when enabled
type Router struct {
	mgr       *mng.Manager
	basePath  string
	logger    *slog.Logger
	metrics   bool
	heartbeat time.Duration
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithMetrics serves the Prometheus handler at {basePath}/metrics.
func WithMetrics(on bool) Option { return func(r *Router) { r.metrics = on } }

// WithHeartbeat sets the SSE keep-alive period.
func WithHeartbeat(d time.Duration) Option { return func(r *Router) { r.heartbeat = d } }

// NewRouter constructs a Router. Example basePath: "/api" serves /api/servers.
func NewRouter(mgr *mng.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), logger: slog.Default(), heartbeat: 15 * time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog(), r.actor())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group.GET("/runtimes", r.handleRuntimes)
	group.GET("/events", r.handleEvents)

	srv := group.Group("/servers")
	srv.GET("", r.handleListServers)
	srv.POST("", r.handleCreateServer)
	srv.GET("/:id", r.handleGetServer)
	srv.PATCH("/:id", r.handleUpdateServer)
	srv.DELETE("/:id", r.handleDeleteServer)
	srv.POST("/:id/start", r.handleStart)
	srv.POST("/:id/stop", r.handleStop)
	srv.POST("/:id/restart", r.handleRestart)
	srv.POST("/:id/command", r.handleCommand)
	srv.GET("/:id/runtime", r.handleRuntime)
	srv.GET("/:id/players", r.handlePlayers)
	srv.POST("/:id/players/:action", r.handlePlayerAction)

	srv.GET("/:id/files", r.handleListFiles)
	srv.DELETE("/:id/files", r.handleRemoveFile)
	srv.GET("/:id/files/content", r.handleReadFile)
	srv.PUT("/:id/files/content", r.handleWriteFile)
	srv.POST("/:id/files/upload", r.handleUpload)
	srv.POST("/:id/files/mkdir", r.handleMkdir)
	srv.POST("/:id/files/extract", r.handleExtract)

	srv.GET("/:id/backups", r.handleListBackups)
	srv.POST("/:id/backups", r.handleCreateBackup)
	srv.GET("/:id/backup-usage", r.handleBackupUsage)
	srv.GET("/:id/backups/:backup", r.handleGetBackup)
	srv.PATCH("/:id/backups/:backup", r.handleUpdateBackup)
	srv.DELETE("/:id/backups/:backup", r.handleDeleteBackup)
	srv.POST("/:id/backups/:backup/restore", r.handleRestoreBackup)
	srv.GET("/:id/backups/:backup/download", r.handleDownloadBackup)

	srv.GET("/:id/schedules", r.handleListSchedules)
	srv.POST("/:id/schedules", r.handleCreateSchedule)
	srv.POST("/:id/schedules/auto-backup", r.handleAutoBackup)
	srv.GET("/:id/schedules/:schedule", r.handleGetSchedule)
	srv.PUT("/:id/schedules/:schedule", r.handleUpdateSchedule)
	srv.DELETE("/:id/schedules/:schedule", r.handleDeleteSchedule)
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// actor tags the request context for lock diagnostics.
func (r *Router) actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		who := c.GetHeader("X-Gamevisor-Actor")
		if who == "" {
			who = "api:" + c.ClientIP()
		}
		c.Request = c.Request.WithContext(mng.WithActor(c.Request.Context(), who))
		c.Next()
	}
}

// NewServer builds an http.Server for cfg serving the router. TLS is set up
// from cfg.TLS; start it with ListenAndServeTLS("", "") when TLSConfig is set.
func NewServer(cfg config.ServerConfig, mgr *mng.Manager, opts ...Option) (*http.Server, error) {
	tc, err := gtls.Setup(cfg)
	if err != nil {
		return nil, err
	}
	r := NewRouter(mgr, cfg.BasePath, opts...)
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}
