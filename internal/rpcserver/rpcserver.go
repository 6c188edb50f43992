// Package rpcserver exposes the executor's operation set over HTTP as the
// RPC method set documented in spec section 6
// (install, uninstall, cancel, getProgress, getStorageDetails, getList,
// getMetadata, setAuxMetadata, clearAuxMetadata, lock, unlock, getLockInfo,
// reset, download). Every method is routed through a single
// runtime/commands.Dispatcher so request logging and recovery are applied
// uniformly, the same way the teacher's command dispatcher decouples
// transport from handling.
package rpcserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"dacinstalld/internal/authstrategy"
	"dacinstalld/internal/catalog"
	"dacinstalld/internal/executor"
	"dacinstalld/internal/runtime/commands"
)

// Engine is the subset of *executor.Executor the RPC layer depends on, kept
// narrow so handlers can be exercised against a fake in tests.
type Engine interface {
	Install(appType, id, version, url, appName, category string) (string, executor.Code)
	Uninstall(appType, id, version, uninstallType string) (string, executor.Code)
	Cancel(handle string) executor.Code
	GetProgress(handle string) (int, executor.Code)
	GetStorageDetails(appType, id, version string) (executor.StorageDetails, executor.Code)
	GetAppDetailsList(appType, id, version string) ([]catalog.AppDetails, executor.Code)
	SetMetadata(appType, id, version, key, value string) executor.Code
	ClearMetadata(appType, id, version, key string) executor.Code
	GetMetadata(appType, id, version string) (catalog.AppDetails, map[string]string, executor.Code)
	Lock(appType, id, version, reason, owner string) (string, executor.Code)
	Unlock(handle string) executor.Code
	GetLockInfo(appType, id, version string) (reason, owner string, code executor.Code)
}

// envelope is the uniform {code, data} response shape every RPC method
// replies with, mirroring the teacher's GinAppResponse convention but keyed
// on the stable numeric Code rather than an HTTP status.
type envelope struct {
	Code int         `json:"code"`
	Data interface{} `json:"data,omitempty"`
}

func writeEnvelope(c *gin.Context, code executor.Code, data interface{}) {
	c.JSON(http.StatusOK, envelope{Code: int(code), Data: data})
}

// Server wires the executor's operations to the RPC method set through a
// command dispatcher and a Gin router.
type Server struct {
	engine     Engine
	router     *gin.Engine
	dispatcher *commands.Dispatcher
}

// New builds a Server ready to ServeHTTP. gin.SetMode is left to the caller;
// cmd/dacinstalld does not call it, so gin's default mode applies there.
func New(engine Engine) *Server {
	s := &Server{
		engine:     engine,
		router:     gin.New(),
		dispatcher: commands.NewDispatcher(),
	}
	s.router.Use(gin.Recovery())
	s.dispatcher.Use(loggingMiddleware)
	s.registerCommands()
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler, so *Server can be handed directly to an
// *http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegisterEventStream mounts the websocket operationStatus relay at
// /api/v1/events alongside the RPC methods, so a single listener serves both
// the synchronous method set and the asynchronous event stream.
func (s *Server) RegisterEventStream(handler gin.HandlerFunc) {
	s.router.GET("/api/v1/events", handler)
}

// bearerTokenKey is the context key handleMethod stashes the inbound
// Authorization bearer token under, for RequireBearerAuth's middleware to
// read back.
type bearerTokenKey struct{}

// RequireBearerAuth gates the given RPC methods behind a bearer token
// validated against secret with authstrategy.BearerTokenResolver (the
// install path resolves its auth method with NoneResolver instead). lock and
// unlock are the natural methods to gate -- they let any caller place or
// release the advisory lock that blocks uninstall of an app, which is
// administrative in effect even though the install algorithm itself still
// only ever resolves MethodNone. Call before serving; an empty secret
// would silently leave the gated methods open, so it panics instead.
func (s *Server) RequireBearerAuth(secret []byte, methods ...string) {
	if len(secret) == 0 {
		panic("rpcserver: RequireBearerAuth requires a non-empty secret")
	}
	resolver := authstrategy.BearerTokenResolver{Secret: secret}
	guarded := make(map[string]bool, len(methods))
	for _, m := range methods {
		guarded[m] = true
	}
	s.dispatcher.Use(func(ctx context.Context, cmd commands.Command, next commands.Handler) (commands.Response, error) {
		if !guarded[cmd.Name()] {
			return next.Handle(ctx, cmd)
		}
		token, _ := ctx.Value(bearerTokenKey{}).(string)
		if token == "" {
			return envelope{Code: int(executor.CodeWrongParams)}, nil
		}
		if _, err := resolver.ValidateToken(token); err != nil {
			log.Printf("WARN: rpcserver: %s rejected: %v", cmd.Name(), err)
			return envelope{Code: int(executor.CodeWrongParams)}, nil
		}
		return next.Handle(ctx, cmd)
	})
}

func loggingMiddleware(ctx context.Context, cmd commands.Command, next commands.Handler) (commands.Response, error) {
	resp, err := next.Handle(ctx, cmd)
	if err != nil {
		log.Printf("WARN: rpcserver: %s failed: %v", cmd.Name(), err)
	}
	return resp, err
}

// gzipped lists the methods whose response can grow with catalog size and so
// is worth compressing on a constrained set-top uplink.
var gzipped = map[string]bool{methodGetList: true, methodGetMetadata: true}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/api/v1")
	compressed := v1.Group("")
	compressed.Use(gzip.Gzip(gzip.DefaultCompression))

	for _, method := range []string{
		methodInstall, methodUninstall, methodCancel, methodGetProgress,
		methodGetStorageDetails, methodGetList, methodGetMetadata,
		methodSetAuxMetadata, methodClearAuxMetadata, methodLock,
		methodUnlock, methodGetLockInfo, methodReset, methodDownload,
	} {
		m := method
		if gzipped[m] {
			compressed.POST("/"+m, s.handleMethod(m))
			continue
		}
		v1.POST("/"+m, s.handleMethod(m))
	}
}

// handleMethod returns a Gin handler that decodes the request body into the
// Command registered for name, dispatches it, and writes the {code, data}
// envelope the dispatched handler produced.
func (s *Server) handleMethod(name string) gin.HandlerFunc {
	decode := commandDecoders[name]
	return func(c *gin.Context) {
		cmd, err := decode(c)
		if err != nil {
			writeEnvelope(c, executor.CodeWrongParams, nil)
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		ctx := context.WithValue(c.Request.Context(), bearerTokenKey{}, token)
		resp, err := s.dispatcher.Dispatch(ctx, cmd)
		if err != nil {
			writeEnvelope(c, executor.CodeGeneral, nil)
			return
		}
		env, ok := resp.(envelope)
		if !ok {
			writeEnvelope(c, executor.CodeGeneral, nil)
			return
		}
		c.JSON(http.StatusOK, env)
	}
}

// bindJSON decodes a Gin request body; an empty body decodes to a zero value
// command, which is dispatched as is -- the executor then rejects or
// interprets its empty fields (an empty getList filter lists every app).
func bindJSON(c *gin.Context, v interface{}) error {
	body, err := c.GetRawData()
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
