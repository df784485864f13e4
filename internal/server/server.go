// Package server implements the client-facing MCP dispatcher: a line-delimited
// JSON-RPC 2.0 server over stdin/stdout that fans out tool calls to backends
// and serves the internal tool set. stdout carries protocol frames only; all
// diagnostics go to the process logger on stderr.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
	"github.com/search-mcp/search-mcp-go/internal/audit"
	"github.com/search-mcp/search-mcp-go/internal/auth"
	"github.com/search-mcp/search-mcp-go/internal/backend"
	"github.com/search-mcp/search-mcp-go/internal/cache"
	"github.com/search-mcp/search-mcp-go/internal/config"
	"github.com/search-mcp/search-mcp-go/internal/index"
	"github.com/search-mcp/search-mcp-go/internal/jsonrpc"
	"github.com/search-mcp/search-mcp-go/internal/ratelimit"
	"github.com/search-mcp/search-mcp-go/internal/tokens"
)

const (
	protocolVersion = "1.0.0"
	serverName      = "search-mcp"
	serverVersion   = "1.0.0"

	// apiKeyEnv lets a client that cannot attach _meta supply its key once
	// through the environment.
	apiKeyEnv = "MCP_API_KEY"
)

// Deps are the process-wide collaborators, injected so tests stay
// deterministic and parallelizable.
type Deps struct {
	Manager *backend.Manager
	Limiter *ratelimit.Limiter
	Auth    *auth.Manager
	Auditor *audit.Logger
	Index   *index.Index
	// Cache may be nil; large-response truncation is then disabled.
	Cache   *cache.Store
	Counter *tokens.Counter
}

// Server is the frontend dispatcher.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Deps

	initialized atomic.Bool
	envAPIKey   string

	internal      map[string]*internalTool
	internalOrder []string

	out *jsonrpc.LineWriter
}

// New wires a dispatcher. The search index, when present, is rebuilt on every
// catalog swap.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.Named("server"),
		deps:      deps,
		envAPIKey: os.Getenv(apiKeyEnv),
	}
	s.registerInternalTools()

	if deps.Index != nil {
		deps.Manager.OnCatalogSwap(func(c *backend.Catalog) {
			if err := deps.Index.Rebuild(c); err != nil {
				s.logger.Error("search index rebuild failed", zap.Error(err))
			}
		})
	}
	return s
}

// readResult is one unit from the reader goroutine: a line or the error that
// ended the stream.
type readResult struct {
	line string
	err  error
}

// Run serves the client channel until EOF, context cancellation or a fatal
// stdout failure. EOF and cancellation are graceful shutdown and return nil;
// a write failure is fatal and returns the error. Backends are stopped by the
// caller in all cases. Reading happens in a goroutine so a shutdown signal is
// honored even while blocked on an idle stdin.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = jsonrpc.NewLineWriter(w)
	reader := jsonrpc.NewLineReader(r)

	lines := make(chan readResult)
	go func() {
		for {
			line, err := reader.ReadLine()
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var rr readResult
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown signal received")
			return nil
		case rr = <-lines:
		}
		if rr.err != nil {
			if rr.err == io.EOF {
				s.logger.Info("client closed stdin, shutting down")
				return nil
			}
			return fmt.Errorf("read client channel: %w", rr.err)
		}

		var req jsonrpc.Request
		if err := json.Unmarshal([]byte(rr.line), &req); err != nil {
			s.logger.Warn("unparseable client line", zap.Error(err))
			if werr := s.out.Write(jsonrpc.NewErrorResponse(0, jsonrpc.CodeParseError, "Parse error", nil)); werr != nil {
				return fmt.Errorf("write client channel: %w", werr)
			}
			continue
		}

		resp := s.handle(ctx, &req)
		if resp == nil {
			continue // notification
		}
		if err := s.out.Write(resp); err != nil {
			return fmt.Errorf("write client channel: %w", err)
		}
	}
}

// handle dispatches one request. Returns nil for notifications.
func (s *Server) handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.ID == nil {
		s.logger.Debug("ignoring notification", zap.String("method", req.Method))
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(ctx, req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return s.mustResult(req.ID, map[string]string{"status": "ok"})
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	result := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
	}

	if s.initialized.CompareAndSwap(false, true) {
		if err := s.deps.Manager.StartAll(ctx); err != nil {
			s.initialized.Store(false)
			return s.errorResponse(req.ID,
				apperr.Configuration("backend startup failed", err))
		}
		s.auditSystem("server:initialize", audit.ResultSuccess, nil)
	}
	return s.mustResult(req.ID, result)
}

func (s *Server) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	if !s.initialized.Load() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeNotInitialized, "Server not initialized", nil)
	}

	aggregated := s.deps.Manager.ListTools()
	tools := make([]backend.LightTool, 0, len(s.internalOrder)+len(aggregated))
	for _, name := range s.internalOrder {
		tools = append(tools, backend.LightTool{
			Name:        name,
			Description: s.internal[name].description,
		})
	}
	tools = append(tools, aggregated...)

	return s.mustResult(req.ID, map[string]interface{}{"tools": tools})
}

// callParams is the tools/call parameter shape. _meta carries the optional
// per-request API key.
type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Meta      struct {
		APIKey string `json:"apiKey"`
	} `json:"_meta"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if !s.initialized.Load() {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeNotInitialized, "Server not initialized", nil)
	}

	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.errorResponse(req.ID, apperr.Validation("Malformed tools/call parameters"))
		}
	}

	result, err := s.executeCall(ctx, &params)
	if err != nil {
		return s.errorResponse(req.ID, err)
	}
	resp, merr := jsonrpc.NewResponse(req.ID, result)
	if merr != nil {
		return s.errorResponse(req.ID, apperr.ToolExecution(params.Name, merr))
	}
	return resp
}

// executeCall runs the tools/call pipeline: name check, rate limit,
// authorization, then internal or external dispatch, auditing the outcome.
func (s *Server) executeCall(ctx context.Context, params *callParams) (interface{}, error) {
	if params.Name == "" {
		return nil, apperr.Validation("Tool name is required")
	}

	authCtx, err := s.authenticate(params)
	if err != nil {
		return nil, err
	}

	tier := "default"
	if authCtx.Authenticated {
		tier = "authenticated"
	}
	if limit := s.deps.Limiter.CheckLimit(authCtx.APIKeyID, tier, 1); !limit.Allowed {
		s.auditDenied(audit.TypeRateLimit, "rate_limit:check", authCtx, params.Name,
			map[string]interface{}{"tier": tier, "retryAfter": limit.RetryAfter}, nil)
		return nil, apperr.RateLimit(limit.RetryAfter)
	}

	if s.deps.Auth.Enabled() {
		permission := "tools:" + params.Name
		if err := auth.RequirePermission(authCtx, permission); err != nil {
			s.auditDenied(audit.TypeAuthorization, "authorize", authCtx, params.Name,
				map[string]interface{}{"permission": permission}, err)
			return nil, err
		}
	}

	start := time.Now()
	var result interface{}
	if tool, ok := s.internal[params.Name]; ok {
		result, err = s.callInternal(ctx, tool, params.Arguments)
	} else {
		result, err = s.callExternal(ctx, params.Name, params.Arguments)
	}
	s.auditExecution(authCtx, params.Name, params.Arguments, time.Since(start), err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// authenticate resolves the request's AuthContext. With auth disabled this is
// always the anonymous wildcard context.
func (s *Server) authenticate(params *callParams) (*auth.Context, error) {
	key := params.Meta.APIKey
	if key == "" {
		key = s.envAPIKey
	}
	authCtx, err := s.deps.Auth.Validate(key)
	if err != nil {
		s.deps.Auditor.Log(audit.Event{
			Type:   audit.TypeAuthentication,
			Level:  audit.LevelWarn,
			Actor:  audit.Actor{ID: "unknown", Type: "api_key"},
			Action: "authenticate",
			Result: audit.ResultFailure,
			Error:  errorInfo(err),
		})
		return nil, err
	}
	return authCtx, nil
}

// callExternal routes to a backend. Oversized results are stored in the
// response cache and replaced with a truncated envelope carrying the key.
func (s *Server) callExternal(ctx context.Context, name string, arguments map[string]interface{}) (interface{}, error) {
	raw, err := s.deps.Manager.ExecuteTool(ctx, name, arguments)
	if err != nil {
		return nil, err
	}
	if s.deps.Cache != nil && len(raw) > s.deps.Cache.Threshold() {
		return s.truncateToCache(name, raw)
	}
	return raw, nil
}

func (s *Server) truncateToCache(name string, raw json.RawMessage) (interface{}, error) {
	key, err := s.deps.Cache.Put(name, string(raw))
	if err != nil {
		// Caching is an optimization; on failure pass the result through.
		s.logger.Warn("response caching failed, returning full result",
			zap.String("tool", name), zap.Error(err))
		return json.RawMessage(raw), nil
	}

	preview := string(raw)
	if len(preview) > cachePreviewSize {
		preview = preview[:cachePreviewSize]
	}
	return textEnvelope(map[string]interface{}{
		"cacheKey":  key,
		"totalSize": len(raw),
		"preview":   preview,
		"note":      fmt.Sprintf("Response exceeded %d bytes; page it with read_cache.", s.deps.Cache.Threshold()),
	})
}

// errorResponse shapes a typed error onto the wire: JSON-RPC code from the
// HTTP-equivalent status, data {code, details}.
func (s *Server) errorResponse(id interface{}, err error) *jsonrpc.Response {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.ToolExecution("request", err)
	}
	data := map[string]interface{}{"code": e.Code}
	if len(e.Details) > 0 {
		data["details"] = e.Details
	}
	return jsonrpc.NewErrorResponse(id, e.JSONRPCCode(), e.Message, data)
}

func (s *Server) mustResult(id, result interface{}) *jsonrpc.Response {
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		s.logger.Error("unmarshalable result", zap.Error(err))
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "Internal error", nil)
	}
	return resp
}

func (s *Server) auditExecution(authCtx *auth.Context, tool string, arguments map[string]interface{}, elapsed time.Duration, err error) {
	e := audit.Event{
		Type:     audit.TypeToolExecution,
		Level:    audit.LevelInfo,
		Actor:    actorFor(authCtx),
		Action:   "tools/call",
		Resource: &audit.Resource{Type: "tool", ID: tool, Name: tool},
		Result:   audit.ResultSuccess,
		Details:  map[string]interface{}{"parameters": arguments},
		Duration: audit.DurationMillis(elapsed),
	}
	if err != nil {
		e.Level = audit.LevelError
		e.Result = audit.ResultFailure
		e.Error = errorInfo(err)
	}
	s.deps.Auditor.Log(e)
}

func (s *Server) auditDenied(eventType, action string, authCtx *auth.Context, tool string, details map[string]interface{}, err error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["tool"] = tool
	s.deps.Auditor.Log(audit.Event{
		Type:    eventType,
		Level:   audit.LevelWarn,
		Actor:   actorFor(authCtx),
		Action:  action,
		Result:  audit.ResultFailure,
		Details: details,
		Error:   errorInfo(err),
	})
}

func (s *Server) auditSystem(action, result string, details map[string]interface{}) {
	s.deps.Auditor.Log(audit.Event{
		Type:    audit.TypeSystem,
		Level:   audit.LevelInfo,
		Actor:   audit.Actor{ID: "aggregator", Type: "system"},
		Action:  action,
		Result:  result,
		Details: details,
	})
}

func actorFor(authCtx *auth.Context) audit.Actor {
	actorType := "anonymous"
	if authCtx.Authenticated {
		actorType = "api_key"
	}
	return audit.Actor{ID: authCtx.APIKeyID, Type: actorType}
}

func errorInfo(err error) *audit.ErrorInfo {
	if err == nil {
		return nil
	}
	info := &audit.ErrorInfo{Message: err.Error()}
	if e, ok := apperr.As(err); ok {
		info.Message = e.Message
		info.Code = e.Code
	}
	return info
}
