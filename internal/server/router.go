package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpbridge/internal/bridge"
	"github.com/loykin/mcpbridge/internal/metrics"
	"github.com/loykin/mcpbridge/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the supervisor/bridge pair.
// Endpoints:
//
//	GET  {basePath}/status        query: id=... (single) or none (all)
//	POST {basePath}/start         body: {"id": "..."}
//	POST {basePath}/stop          body: {"id": "..."}
//	POST {basePath}/restart       body: {"id": "..."}
//	GET  {basePath}/tools         query: id=...
//	POST {basePath}/call          body: {"id": "...", "tool": "...", "arguments": {...}}
//	GET  {basePath}/metrics       Prometheus exposition
type Router struct {
	sup      *supervisor.Supervisor
	br       *bridge.Bridge
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, br *bridge.Bridge, basePath string) *Router {
	return &Router{sup: sup, br: br, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/tools", r.handleTools)
	group.POST("/call", r.handleCall)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, br *bridge.Bridge) *http.Server {
	r := NewRouter(sup, br, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type idReq struct {
	ID string `json:"id"`
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusOK, r.sup.AllStatus())
		return
	}
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	st, err := r.sup.Status(id)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := r.sup.Start(id); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	if err := r.br.Attach(id); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(id); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := bindID(c)
	if !ok {
		return
	}
	if err := r.sup.Restart(id); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	if err := r.br.Attach(id); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleTools(c *gin.Context) {
	id := c.Query("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	resp, err := r.br.ListTools(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	if resp.Error != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: resp.Error.Error()})
		return
	}
	writeJSON(c, http.StatusOK, json.RawMessage(resp.Result))
}

type callReq struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

func (r *Router) handleCall(c *gin.Context) {
	var req callReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeID(req.ID) || req.Tool == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id and tool required"})
		return
	}
	var args any
	if len(req.Arguments) > 0 {
		args = json.RawMessage(req.Arguments)
	}
	resp, err := r.br.CallTool(c.Request.Context(), req.ID, req.Tool, args)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	if resp.Error != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: resp.Error.Error()})
		return
	}
	writeJSON(c, http.StatusOK, json.RawMessage(resp.Result))
}

func bindID(c *gin.Context) (string, bool) {
	var req idReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return "", false
	}
	if !isSafeID(req.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return "", false
	}
	return req.ID, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrWorkerNotRunning):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
