package backend

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
	"github.com/search-mcp/search-mcp-go/internal/audit"
	"github.com/search-mcp/search-mcp-go/internal/config"
)

// Manager owns the set of backend clients and the aggregated catalog.
type Manager struct {
	cfg     *config.Config
	logger  *zap.Logger
	auditor *audit.Logger

	mu      sync.Mutex
	clients map[string]*Client

	catalog     atomic.Pointer[Catalog]
	lastRefresh atomic.Int64 // unix nanos

	// onCatalogSwap is invoked with the new catalog after every swap, so the
	// search index can rebuild. Set once before StartAll.
	onCatalogSwap func(*Catalog)
}

// NewManager creates a manager for the enabled backends in cfg.
func NewManager(cfg *config.Config, logger *zap.Logger, auditor *audit.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.Named("manager"),
		clients: make(map[string]*Client),
	}
	m.auditor = auditor
	m.catalog.Store(EmptyCatalog())
	return m
}

// OnCatalogSwap registers the swap hook. Must be called before StartAll.
func (m *Manager) OnCatalogSwap(fn func(*Catalog)) { m.onCatalogSwap = fn }

// StartAll starts every enabled backend in parallel, then refreshes the
// catalog from the ones that made it. A failing backend is logged and
// audited but never aborts the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, srv := range m.cfg.Servers {
		if !srv.IsEnabled() {
			m.logger.Info("backend disabled, skipping", zap.String("server", srv.Name))
			continue
		}
		srv := srv
		client := NewClient(srv, m.logger, ClientOptions{
			RequestTimeout: m.cfg.RequestTimeout,
			StartupTimeout: m.cfg.StartupTimeout,
			Reconnect:      m.cfg.Reconnect,
			OnEvent:        m.clientEventAuditor(srv.Name),
		})

		m.mu.Lock()
		m.clients[srv.Name] = client
		m.mu.Unlock()

		g.Go(func() error {
			if err := client.Start(ctx); err != nil {
				m.logger.Error("backend failed to start",
					zap.String("server", srv.Name), zap.Error(err))
				m.auditSystemError("backend:start", srv.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return m.RefreshTools(ctx)
}

// StopAll stops every backend in parallel and clears the catalog. Bounded by
// each client's kill grace period.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range clients {
		c := c
		g.Go(func() error {
			c.Stop()
			return nil
		})
	}
	_ = g.Wait()

	m.swapCatalog(EmptyCatalog())
	m.logger.Info("all backends stopped")
}

// RefreshTools re-queries every running backend and swaps in a freshly built
// catalog. Readers never observe a partial state.
func (m *Manager) RefreshTools(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	type listing struct {
		backend string
		tools   []RawTool
	}

	var (
		listMu   sync.Mutex
		listings []listing
	)
	var g errgroup.Group
	for _, c := range clients {
		c := c
		if !c.IsRunning() {
			continue
		}
		g.Go(func() error {
			result, err := c.ListTools(ctx)
			if err != nil {
				m.logger.Warn("tools/list failed",
					zap.String("server", c.Name()), zap.Error(err))
				m.auditSystemError("backend:list_tools", c.Name(), err)
				return nil
			}
			listMu.Lock()
			listings = append(listings, listing{backend: c.Name(), tools: result.Tools})
			listMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	next := &Catalog{Tools: make(map[string]*Tool)}
	for _, l := range listings {
		for _, raw := range l.tools {
			qualified := QualifyName(l.backend, raw.Name)
			next.Tools[qualified] = &Tool{
				QualifiedName: qualified,
				Description:   raw.Description,
				Backend:       l.backend,
				RawName:       raw.Name,
				InputSchema:   raw.InputSchema,
			}
			next.Order = append(next.Order, qualified)
		}
	}
	sort.Strings(next.Order)

	m.swapCatalog(next)
	m.lastRefresh.Store(time.Now().UnixNano())
	m.logger.Info("catalog refreshed",
		zap.Int("servers", len(listings)), zap.Int("tools", next.Len()))
	return nil
}

func (m *Manager) swapCatalog(c *Catalog) {
	m.catalog.Store(c)
	if m.onCatalogSwap != nil {
		m.onCatalogSwap(c)
	}
}

// Catalog returns the current immutable catalog snapshot.
func (m *Manager) Catalog() *Catalog { return m.catalog.Load() }

// ListTools returns the lightweight descriptors, sorted by qualified name.
func (m *Manager) ListTools() []LightTool {
	cat := m.Catalog()
	out := make([]LightTool, 0, cat.Len())
	for _, name := range cat.Order {
		t := cat.Tools[name]
		out = append(out, LightTool{Name: t.QualifiedName, Description: t.Description})
	}
	return out
}

// ListToolsFull returns the aggregated descriptors including schemas.
func (m *Manager) ListToolsFull() []*Tool {
	cat := m.Catalog()
	out := make([]*Tool, 0, cat.Len())
	for _, name := range cat.Order {
		out = append(out, cat.Tools[name])
	}
	return out
}

// ExecuteTool routes a qualified call to exactly one backend, passing the
// suffix verbatim as the backend's tool name.
func (m *Manager) ExecuteTool(ctx context.Context, qualifiedName string, arguments map[string]interface{}) (json.RawMessage, error) {
	backendName, rawName, err := SplitQualified(qualifiedName)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}

	m.mu.Lock()
	client, ok := m.clients[backendName]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.ServerNotFound(backendName)
	}
	if !client.IsRunning() {
		return nil, apperr.BackendUnavailable(backendName)
	}
	return client.CallTool(ctx, rawName, arguments)
}

// PingAll sends ping to every running backend in parallel and reports the
// per-backend outcome, nil meaning the backend answered.
func (m *Manager) PingAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var (
		outMu sync.Mutex
		out   = make(map[string]error, len(clients))
	)
	var g errgroup.Group
	for _, c := range clients {
		c := c
		if !c.IsRunning() {
			continue
		}
		g.Go(func() error {
			err := c.Ping(ctx)
			outMu.Lock()
			out[c.Name()] = err
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ServerStat is per-backend state for GetStats.
type ServerStat struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	ToolCount int    `json:"toolCount"`
}

// Stats is the manager-level snapshot.
type Stats struct {
	TotalServers   int          `json:"totalServers"`
	RunningServers int          `json:"runningServers"`
	TotalTools     int          `json:"totalTools"`
	LastRefresh    time.Time    `json:"lastRefresh"`
	PerServer      []ServerStat `json:"servers"`
}

// GetStats reports backend and catalog counts.
func (m *Manager) GetStats() Stats {
	cat := m.Catalog()
	toolsPerBackend := make(map[string]int)
	for _, t := range cat.Tools {
		toolsPerBackend[t.Backend]++
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{TotalTools: cat.Len()}
	if ns := m.lastRefresh.Load(); ns > 0 {
		stats.LastRefresh = time.Unix(0, ns).UTC()
	}
	for _, srv := range m.cfg.Servers {
		stats.TotalServers++
		running := false
		if client, ok := m.clients[srv.Name]; ok {
			running = client.IsRunning()
		}
		if running {
			stats.RunningServers++
		}
		stats.PerServer = append(stats.PerServer, ServerStat{
			Name:      srv.Name,
			Enabled:   srv.IsEnabled(),
			Running:   running,
			ToolCount: toolsPerBackend[srv.Name],
		})
	}
	return stats
}

func (m *Manager) clientEventAuditor(server string) EventFunc {
	return func(action string, success bool, details map[string]interface{}) {
		if m.auditor == nil {
			return
		}
		result := audit.ResultSuccess
		level := audit.LevelWarn
		if !success {
			result = audit.ResultFailure
			level = audit.LevelError
		}
		m.auditor.Log(audit.Event{
			Type:     audit.TypeSystem,
			Level:    level,
			Actor:    audit.Actor{ID: "aggregator", Type: "system"},
			Action:   action,
			Resource: &audit.Resource{Type: "mcp_server", ID: server, Name: server},
			Result:   result,
			Details:  details,
		})
	}
}

func (m *Manager) auditSystemError(action, server string, err error) {
	if m.auditor == nil {
		return
	}
	m.auditor.Log(audit.Event{
		Type:     audit.TypeSystem,
		Level:    audit.LevelError,
		Actor:    audit.Actor{ID: "aggregator", Type: "system"},
		Action:   action,
		Resource: &audit.Resource{Type: "mcp_server", ID: server, Name: server},
		Result:   audit.ResultFailure,
		Error:    &audit.ErrorInfo{Message: err.Error()},
	})
}
