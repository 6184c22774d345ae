package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/store"
)

// Router provides embeddable HTTP handlers for inspecting and controlling
// streams. Control endpoints only publish requests; the listener jobs do
// the work and answer on the response channels.
//
//	GET    {basePath}/healthz
//	GET    {basePath}/sources              GET {basePath}/sources/:id
//	POST   {basePath}/sources              body: Source JSON
//	DELETE {basePath}/sources/:id
//	GET    {basePath}/streams              GET {basePath}/streams/:id
//	GET    {basePath}/streams/:id/resources
//	POST   {basePath}/streams/:id/start|stop|restart
//	GET    {basePath}/failed               GET {basePath}/tasks
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	st        *store.Store
	bus       eventbus.Publisher
	resources *metrics.ResourceCollector
	basePath  string
}

// NewRouter constructs a Router. resources may be nil when resource
// sampling is disabled.
func NewRouter(st *store.Store, bus eventbus.Publisher, resources *metrics.ResourceCollector, basePath string) *Router {
	return &Router{st: st, bus: bus, resources: resources, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/sources", r.handleListSources)
	group.POST("/sources", r.handleAddSource)
	group.GET("/sources/:id", r.handleGetSource)
	group.DELETE("/sources/:id", r.handleRemoveSource)
	group.GET("/streams", r.handleListStreams)
	group.GET("/streams/:id", r.handleGetStream)
	group.GET("/streams/:id/resources", r.handleResources)
	group.POST("/streams/:id/start", r.handleControl(eventbus.StartStreamRequest, store.SourceStarted))
	group.POST("/streams/:id/stop", r.handleControl(eventbus.StopStreamRequest, store.SourceStopped))
	group.POST("/streams/:id/restart", r.handleControl(eventbus.RestartStreamRequest, store.SourceStarted))
	group.GET("/failed", r.handleFailed)
	group.GET("/tasks", r.handleTasks)
	return g
}

// NewServer starts a standalone server on addr using this router. It serves
// HTTPS when tlsCfg is not nil.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		go func() { _ = server.ListenAndServeTLS("", "") }()
	} else {
		go func() { _ = server.ListenAndServe() }()
	}
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeErr(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}

func (r *Router) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := r.st.Ping(ctx); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListSources(c *gin.Context) {
	srcs, err := r.st.Sources.GetAll(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, srcs)
}

func (r *Router) handleGetSource(c *gin.Context) {
	src, err := r.st.Sources.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, src)
}

func (r *Router) handleAddSource(c *gin.Context) {
	// unset fields keep the defaults of a new source
	src := store.NewSource("", "", "")
	if err := c.ShouldBindJSON(src); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeID(src.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if src.Address == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "address required"})
		return
	}
	if !isSafeRootDir(src.RootDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid root_dir: must be absolute path without traversal"})
		return
	}
	if src.CreatedAt == 0 {
		src.CreatedAt = time.Now().Unix()
	}
	if err := r.st.Sources.Add(c.Request.Context(), src); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, src)
}

func (r *Router) handleRemoveSource(c *gin.Context) {
	ok, err := r.st.Sources.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "source not found"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListStreams(c *gin.Context) {
	states, err := r.st.Streams.GetAll(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, states)
}

func (r *Router) handleGetStream(c *gin.Context) {
	st, err := r.st.Streams.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.resources.History(c.Param("id")))
}

// handleControl records the desired state on the source and publishes the
// request for the listener jobs.
func (r *Router) handleControl(channel string, state int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		src, err := r.st.Sources.Get(ctx, id)
		if err != nil {
			writeErr(c, err)
			return
		}
		src.State = state
		if err := r.st.Sources.Add(ctx, src); err != nil {
			writeErr(c, err)
			return
		}
		var payload any = src
		if channel == eventbus.StopStreamRequest {
			payload = map[string]string{"id": id}
		}
		if err := r.bus.Publish(ctx, channel, payload); err != nil {
			writeErr(c, err)
			return
		}
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
	}
}

func (r *Router) handleFailed(c *gin.Context) {
	recs, err := r.st.Failed.GetAll(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleTasks(c *gin.Context) {
	tasks, err := r.st.Tasks.GetAll(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tasks)
}
