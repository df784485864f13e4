package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
	"github.com/search-mcp/search-mcp-go/internal/audit"
	"github.com/search-mcp/search-mcp-go/internal/index"
	"github.com/search-mcp/search-mcp-go/internal/validate"
)

// cachePreviewSize bounds the inline preview of a truncated response.
const cachePreviewSize = 1024

// internalTool is one locally served tool. Handlers receive arguments that
// already passed schema validation and default filling.
type internalTool struct {
	description string
	schema      []validate.Param
	handler     func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (s *Server) register(name, description string, schema []validate.Param,
	handler func(context.Context, map[string]interface{}) (interface{}, error)) {
	if s.internal == nil {
		s.internal = make(map[string]*internalTool)
	}
	s.internal[name] = &internalTool{description: description, schema: schema, handler: handler}
	s.internalOrder = append(s.internalOrder, name)
}

func (s *Server) registerInternalTools() {
	s.register("search_tools",
		"Search the aggregated tool catalog by name and description",
		[]validate.Param{
			{Name: "query", Type: validate.TypeString, Default: ""},
			{Name: "mode", Type: validate.TypeString, Default: index.ModePartial,
				Enum: []interface{}{index.ModePartial, index.ModePrefix, index.ModeExact, index.ModeFuzzy}},
			{Name: "caseSensitive", Type: validate.TypeBoolean, Default: false},
			{Name: "searchFields", Type: validate.TypeArray},
			{Name: "limit", Type: validate.TypeNumber, Default: float64(index.DefaultLimit),
				Minimum: validate.FloatPtr(1), Maximum: validate.FloatPtr(500)},
			{Name: "offset", Type: validate.TypeNumber, Default: float64(0), Minimum: validate.FloatPtr(0)},
		}, s.toolSearchTools)

	s.register("advanced_search",
		"Search the catalog, optionally restricted to one backend server",
		[]validate.Param{
			{Name: "query", Type: validate.TypeString, Default: ""},
			{Name: "serverName", Type: validate.TypeString, Default: ""},
			{Name: "limit", Type: validate.TypeNumber, Default: float64(index.DefaultLimit),
				Minimum: validate.FloatPtr(1), Maximum: validate.FloatPtr(500)},
			{Name: "offset", Type: validate.TypeNumber, Default: float64(0), Minimum: validate.FloatPtr(0)},
		}, s.toolAdvancedSearch)

	s.register("list_servers",
		"List backend servers with running state, tool counts and token savings",
		nil, s.toolListServers)

	s.register("health_check",
		"Report aggregator health across backends, memory, cache and audit",
		[]validate.Param{
			{Name: "detailed", Type: validate.TypeBoolean, Default: false},
		}, s.toolHealthCheck)

	s.register("query_audit_logs",
		"Query the in-memory audit event buffer",
		[]validate.Param{
			{Name: "startDate", Type: validate.TypeString},
			{Name: "endDate", Type: validate.TypeString},
			{Name: "type", Type: validate.TypeString},
			{Name: "level", Type: validate.TypeString,
				Enum: []interface{}{"", "info", "warn", "error", "critical"}},
			{Name: "actorId", Type: validate.TypeString},
			{Name: "action", Type: validate.TypeString},
			{Name: "result", Type: validate.TypeString, Enum: []interface{}{"", "success", "failure"}},
			{Name: "limit", Type: validate.TypeNumber, Default: float64(100),
				Minimum: validate.FloatPtr(1), Maximum: validate.FloatPtr(1000)},
			{Name: "offset", Type: validate.TypeNumber, Default: float64(0), Minimum: validate.FloatPtr(0)},
		}, s.toolQueryAuditLogs)

	s.register("get_audit_stats",
		"Aggregate audit events by type, level and result",
		[]validate.Param{
			{Name: "timeWindowMs", Type: validate.TypeNumber, Minimum: validate.FloatPtr(0)},
		}, s.toolAuditStats)

	s.register("get_rate_limit_stats",
		"Snapshot rate-limiter tiers and live buckets",
		nil, s.toolRateLimitStats)

	s.register("execute_parallel",
		"Execute multiple backend tool calls with bounded concurrency",
		[]validate.Param{
			{Name: "requests", Type: validate.TypeArray, Required: true, MinLength: validate.IntPtr(1)},
			{Name: "maxConcurrency", Type: validate.TypeNumber, Default: float64(10),
				Minimum: validate.FloatPtr(1), Maximum: validate.FloatPtr(100)},
			{Name: "timeout", Type: validate.TypeNumber, Default: float64(30000),
				Minimum: validate.FloatPtr(1)},
			{Name: "continueOnError", Type: validate.TypeBoolean, Default: true},
		}, s.toolExecuteParallel)

	s.register("read_cache",
		"Page through a cached oversized tool response by key",
		[]validate.Param{
			{Name: "key", Type: validate.TypeString, Required: true, MinLength: validate.IntPtr(1)},
			{Name: "limit", Type: validate.TypeNumber, Minimum: validate.FloatPtr(1)},
			{Name: "offset", Type: validate.TypeNumber, Default: float64(0), Minimum: validate.FloatPtr(0)},
		}, s.toolReadCache)
}

// callInternal validates, fills defaults, runs the handler and wraps the
// payload in the text content envelope.
func (s *Server) callInternal(ctx context.Context, tool *internalTool, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validate.ValidateOrThrow(args, tool.schema); err != nil {
		return nil, err
	}
	args = validate.ApplyDefaults(args, tool.schema)

	payload, err := tool.handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return textEnvelope(payload)
}

func textEnvelope(payload interface{}) (interface{}, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.ToolExecution("internal", err)
	}
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(text)}},
	}, nil
}

func (s *Server) toolSearchTools(_ context.Context, args map[string]interface{}) (interface{}, error) {
	page, err := s.deps.Index.Search(index.Request{
		Query:         argString(args, "query"),
		Mode:          argString(args, "mode"),
		CaseSensitive: argBool(args, "caseSensitive"),
		Fields:        argStringSlice(args, "searchFields"),
		Limit:         argInt(args, "limit"),
		Offset:        argInt(args, "offset"),
	})
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	return page, nil
}

func (s *Server) toolAdvancedSearch(_ context.Context, args map[string]interface{}) (interface{}, error) {
	page, err := s.deps.Index.Search(index.Request{
		Query:  argString(args, "query"),
		Server: argString(args, "serverName"),
		Limit:  argInt(args, "limit"),
		Offset: argInt(args, "offset"),
	})
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	return page, nil
}

func (s *Server) toolListServers(context.Context, map[string]interface{}) (interface{}, error) {
	stats := s.deps.Manager.GetStats()
	out := map[string]interface{}{
		"totalServers":   stats.TotalServers,
		"runningServers": stats.RunningServers,
		"totalTools":     stats.TotalTools,
		"lastRefresh":    stats.LastRefresh,
		"servers":        stats.PerServer,
	}
	if s.deps.Counter != nil {
		out["tokenSavings"] = s.deps.Counter.CatalogSavings(
			s.deps.Manager.ListToolsFull(), s.deps.Manager.ListTools())
	}
	return out, nil
}

type healthCheck struct {
	Name   string      `json:"name"`
	Status string      `json:"status"` // pass | warn | fail
	Detail interface{} `json:"detail,omitempty"`
}

func (s *Server) toolHealthCheck(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	detailed := argBool(args, "detailed")
	var checks []healthCheck

	stats := s.deps.Manager.GetStats()
	backendCheck := healthCheck{Name: "backends", Status: "pass"}
	switch {
	case stats.TotalServers == 0:
	case stats.RunningServers == 0:
		backendCheck.Status = "fail"
	case stats.RunningServers < stats.TotalServers:
		backendCheck.Status = "warn"
	}
	if detailed {
		ping := make(map[string]string)
		for name, err := range s.deps.Manager.PingAll(ctx) {
			if err != nil {
				ping[name] = err.Error()
				if backendCheck.Status == "pass" {
					backendCheck.Status = "warn"
				}
			} else {
				ping[name] = "ok"
			}
		}
		backendCheck.Detail = map[string]interface{}{"stats": stats, "ping": ping}
	}
	checks = append(checks, backendCheck)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memCheck := healthCheck{Name: "memory", Status: "pass"}
	if detailed {
		memCheck.Detail = map[string]interface{}{
			"heapAllocBytes": mem.HeapAlloc,
			"sysBytes":       mem.Sys,
			"numGC":          mem.NumGC,
			"goroutines":     runtime.NumGoroutine(),
		}
	}
	checks = append(checks, memCheck)

	if s.deps.Cache != nil {
		cacheCheck := healthCheck{Name: "cache", Status: "pass"}
		if detailed {
			cacheCheck.Detail = s.deps.Cache.GetStats()
		}
		checks = append(checks, cacheCheck)
	}

	auditCheck := healthCheck{Name: "audit", Status: "pass"}
	if detailed {
		auditCheck.Detail = s.deps.Auditor.GetStats(0)
	}
	checks = append(checks, auditCheck)

	status := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "fail":
			status = "unhealthy"
		case "warn":
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	return map[string]interface{}{"status": status, "checks": checks}, nil
}

func (s *Server) toolQueryAuditLogs(_ context.Context, args map[string]interface{}) (interface{}, error) {
	filter := audit.QueryFilter{
		Type:    argString(args, "type"),
		Level:   audit.Level(argString(args, "level")),
		ActorID: argString(args, "actorId"),
		Action:  argString(args, "action"),
		Result:  argString(args, "result"),
		Limit:   argInt(args, "limit"),
		Offset:  argInt(args, "offset"),
	}
	for name, dst := range map[string]**time.Time{
		"startDate": &filter.StartDate,
		"endDate":   &filter.EndDate,
	} {
		raw := argString(args, name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("Parameter %s must be an RFC 3339 timestamp", name))
		}
		*dst = &ts
	}

	events := s.deps.Auditor.Query(filter)
	return map[string]interface{}{"events": events, "count": len(events)}, nil
}

func (s *Server) toolAuditStats(_ context.Context, args map[string]interface{}) (interface{}, error) {
	var window time.Duration
	if ms, ok := args["timeWindowMs"].(float64); ok {
		window = time.Duration(ms) * time.Millisecond
	}
	return s.deps.Auditor.GetStats(window), nil
}

func (s *Server) toolRateLimitStats(context.Context, map[string]interface{}) (interface{}, error) {
	return s.deps.Limiter.GetStats(), nil
}

// parallelRequest is one item of execute_parallel.
type parallelRequest struct {
	ID        interface{}
	ToolName  string
	Arguments map[string]interface{}
}

// parallelResult is the outcome of one item.
type parallelResult struct {
	ID            interface{}            `json:"id,omitempty"`
	ToolName      string                 `json:"toolName"`
	Success       bool                   `json:"success"`
	Result        json.RawMessage        `json:"result,omitempty"`
	Error         map[string]interface{} `json:"error,omitempty"`
	ExecutionTime int64                  `json:"executionTime"` // milliseconds
}

func (s *Server) toolExecuteParallel(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawRequests, _ := args["requests"].([]interface{})
	requests := make([]parallelRequest, 0, len(rawRequests))
	for i, raw := range rawRequests {
		item, ok := raw.(map[string]interface{})
		if !ok {
			return nil, apperr.Validation(fmt.Sprintf("Request %d must be an object", i))
		}
		toolName, _ := item["toolName"].(string)
		if toolName == "" {
			return nil, apperr.Validation(fmt.Sprintf("Request %d is missing toolName", i))
		}
		arguments, _ := item["arguments"].(map[string]interface{})
		requests = append(requests, parallelRequest{
			ID: item["id"], ToolName: toolName, Arguments: arguments,
		})
	}

	maxConcurrency := argInt(args, "maxConcurrency")
	timeout := time.Duration(argInt(args, "timeout")) * time.Millisecond
	continueOnError := argBool(args, "continueOnError")

	if continueOnError {
		results := make([]parallelResult, len(requests))
		var g errgroup.Group
		g.SetLimit(maxConcurrency)
		for i, req := range requests {
			i, req := i, req
			g.Go(func() error {
				results[i] = s.runParallelItem(ctx, req, timeout)
				return nil
			})
		}
		_ = g.Wait()
		return summarizeParallel(results), nil
	}

	// Sequential when stopping on first failure: nothing past the failing
	// item is ever scheduled.
	var results []parallelResult
	for _, req := range requests {
		r := s.runParallelItem(ctx, req, timeout)
		results = append(results, r)
		if !r.Success {
			break
		}
	}
	return summarizeParallel(results), nil
}

func (s *Server) runParallelItem(ctx context.Context, req parallelRequest, timeout time.Duration) parallelResult {
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.deps.Manager.ExecuteTool(itemCtx, req.ToolName, req.Arguments)
	result := parallelResult{
		ID:            req.ID,
		ToolName:      req.ToolName,
		Success:       err == nil,
		ExecutionTime: time.Since(start).Milliseconds(),
	}
	if err != nil {
		info := map[string]interface{}{"message": err.Error()}
		if e, ok := apperr.As(err); ok {
			info["message"] = e.Message
			info["code"] = e.Code
		}
		result.Error = info
	} else {
		result.Result = raw
	}
	return result
}

func summarizeParallel(results []parallelResult) map[string]interface{} {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	return map[string]interface{}{
		"results":   results,
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	}
}

func (s *Server) toolReadCache(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if s.deps.Cache == nil {
		return nil, apperr.Configuration("response cache is disabled", nil)
	}
	chunk, err := s.deps.Cache.Read(
		argString(args, "key"), argInt(args, "offset"), argInt(args, "limit"))
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}
	return chunk, nil
}

// Argument extraction helpers. Schema validation ran first, so these only
// normalize JSON decoding artifacts (all numbers are float64).

func argString(args map[string]interface{}, name string) string {
	v, _ := args[name].(string)
	return v
}

func argBool(args map[string]interface{}, name string) bool {
	v, _ := args[name].(bool)
	return v
}

func argInt(args map[string]interface{}, name string) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argStringSlice(args map[string]interface{}, name string) []string {
	raw, ok := args[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
