package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
	"github.com/search-mcp/search-mcp-go/internal/config"
	"github.com/search-mcp/search-mcp-go/internal/jsonrpc"
	"github.com/search-mcp/search-mcp-go/internal/logs"
)

// Client states. Terminated is absorbing: a dead client is never reused, the
// manager creates a fresh one instead.
const (
	stateUnstarted int32 = iota
	stateStarting
	stateReady
	stateReconnecting
	stateStopping
	stateTerminated
)

// Reconnect policy constants.
const (
	reconnectBase     = time.Second
	reconnectFactor   = 2.0
	reconnectCap      = 30 * time.Second
	reconnectAttempts = 5
)

// protocolVersion is what we offer backends during initialize.
const protocolVersion = "1.0.0"

// EventFunc receives lifecycle notifications (reconnect attempts, unexpected
// exits) for auditing. Never called while client locks are held.
type EventFunc func(action string, success bool, details map[string]interface{})

// Client owns one backend child process and is the sole speaker of the wire
// protocol with it: one writer, one line reader, and a correlation table
// mapping request id to waiter.
type Client struct {
	cfg            *config.BackendConfig
	logger         *zap.Logger
	stderrLog      *zap.Logger
	requestTimeout time.Duration
	startupTimeout time.Duration
	reconnect      bool
	onEvent        EventFunc

	state  atomic.Int32
	nextID atomic.Int64

	mu      sync.Mutex
	proc    *process
	pending map[int64]chan pendingResult

	// done is closed on termination so every waiter can bail out.
	done     chan struct{}
	doneOnce sync.Once
}

// ClientOptions configures a backend client.
type ClientOptions struct {
	RequestTimeout time.Duration
	StartupTimeout time.Duration
	Reconnect      bool
	OnEvent        EventFunc
}

// NewClient builds an unstarted client for one backend.
func NewClient(cfg *config.BackendConfig, logger *zap.Logger, opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = config.DefaultStartupTimeout
	}
	return &Client{
		cfg:            cfg,
		logger:         logger.With(zap.String("server", cfg.Name)),
		stderrLog:      logs.ForBackend(logger, cfg.Name),
		requestTimeout: opts.RequestTimeout,
		startupTimeout: opts.StartupTimeout,
		reconnect:      opts.Reconnect,
		onEvent:        opts.OnEvent,
		pending:        make(map[int64]chan pendingResult),
		done:           make(chan struct{}),
	}
}

// pendingResult is what a waiter receives: exactly one of a wire response or
// a local cancellation error.
type pendingResult struct {
	resp *jsonrpc.Response
	err  *apperr.Error
}

// Name returns the backend name, which is also its namespace prefix.
func (c *Client) Name() string { return c.cfg.Name }

// IsRunning reports whether the child process exists and has not exited.
func (c *Client) IsRunning() bool { return c.state.Load() == stateReady }

// Start spawns the child and completes the initialize handshake within the
// startup timeout.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateUnstarted, stateStarting) {
		return apperr.BackendStartup(c.cfg.Name, fmt.Errorf("client already started"))
	}
	if err := c.spawnAndInitialize(ctx); err != nil {
		c.terminate()
		return err
	}
	c.state.Store(stateReady)
	c.logger.Info("backend ready")
	return nil
}

func (c *Client) spawnAndInitialize(ctx context.Context) error {
	proc, err := spawn(c.cfg, c.logger, c.stderrLog)
	if err != nil {
		return apperr.BackendStartup(c.cfg.Name, err)
	}

	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	go c.readLoop(proc)
	go c.watchExit(proc)

	initCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()
	if _, err := c.call(initCtx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]string{"name": "search-mcp", "version": "1.0.0"},
		"capabilities":    map[string]interface{}{},
	}); err != nil {
		return apperr.BackendStartup(c.cfg.Name, err)
	}
	return nil
}

// Stop kills the process and rejects every outstanding request. Idempotent.
func (c *Client) Stop() {
	prev := c.state.Swap(stateStopping)
	if prev == stateTerminated {
		c.state.Store(stateTerminated)
		return
	}
	c.terminate()
	c.logger.Info("backend stopped")
}

// ListTools sends tools/list and decodes the result.
func (c *Client) ListTools(ctx context.Context) (*ToolsListResult, error) {
	raw, err := c.request(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.ToolExecution("tools/list", fmt.Errorf("malformed tools/list result from %s: %w", c.cfg.Name, err))
	}
	return &result, nil
}

// CallTool forwards tools/call with the original, unqualified tool name and
// returns the backend's result verbatim.
func (c *Client) CallTool(ctx context.Context, rawName string, arguments map[string]interface{}) (json.RawMessage, error) {
	params := map[string]interface{}{"name": rawName}
	if arguments != nil {
		params["arguments"] = arguments
	}
	return c.request(ctx, "tools/call", params)
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, "ping", map[string]interface{}{})
	return err
}

// request guards call with the running-state check used by all public
// operations after startup.
func (c *Client) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.state.Load() != stateReady {
		return nil, apperr.BackendUnavailable(c.cfg.Name)
	}
	return c.call(ctx, method, params)
}

// call implements the correlation protocol: assign id, register waiter,
// write, then wait for exactly one of response, timeout, or shutdown.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, apperr.ToolExecution(method, err)
	}

	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	proc := c.proc
	if proc == nil {
		c.mu.Unlock()
		return nil, apperr.BackendUnavailable(c.cfg.Name)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := proc.writer.Write(req); err != nil {
		c.removePending(id)
		return nil, apperr.ToolExecution(method, fmt.Errorf("write to %s: %w", c.cfg.Name, err))
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, apperr.ToolExecution(method, res.resp.Error).
				WithDetail("server", c.cfg.Name).
				WithDetail("rpcCode", res.resp.Error.Code)
		}
		return res.resp.Result, nil
	case <-timer.C:
		// A response arriving later finds no waiter and is discarded.
		c.removePending(id)
		return nil, apperr.BackendTimeout(c.cfg.Name, method)
	case <-ctx.Done():
		c.removePending(id)
		// Plain cancellation is shutdown-driven, not a slow backend.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, apperr.ClientStopped(c.cfg.Name).WithCause(ctx.Err())
		}
		return nil, apperr.BackendTimeout(c.cfg.Name, method).WithCause(ctx.Err())
	case <-c.done:
		return nil, apperr.ClientStopped(c.cfg.Name)
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop drains the child's stdout line by line. It never blocks the
// writer; waiter delivery uses buffered channels.
func (c *Client) readLoop(proc *process) {
	for {
		line, err := proc.reader.ReadLine()
		if err != nil {
			c.logger.Debug("backend stdout closed", zap.Error(err))
			return
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			c.logger.Warn("discarding unparseable line from backend", zap.Error(err))
			continue
		}

		id, ok := jsonrpc.NumericID(resp.ID)
		if !ok {
			// Notification or backend-initiated request; not supported.
			c.logger.Debug("discarding message without known id")
			continue
		}

		c.mu.Lock()
		ch, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if !found {
			c.logger.Debug("discarding response with no waiter", zap.Int64("id", id))
			continue
		}
		ch <- pendingResult{resp: &resp}
	}
}

// watchExit observes process exit. An exit during normal operation either
// terminates the client or, when the reconnect policy is on, triggers the
// backoff respawn loop.
func (c *Client) watchExit(proc *process) {
	err := proc.wait()
	state := c.state.Load()
	if state == stateStopping || state == stateTerminated {
		return
	}

	c.logger.Warn("backend exited unexpectedly", zap.Error(err))
	c.emit("backend:exit", false, map[string]interface{}{"error": fmt.Sprint(err)})

	if !c.reconnect {
		c.terminate()
		return
	}
	if !c.state.CompareAndSwap(stateReady, stateReconnecting) {
		c.terminate()
		return
	}
	c.failPending(apperr.ClientStopped(c.cfg.Name))
	go c.reconnectLoop()
}

// reconnectLoop respawns the child with exponential backoff. While it runs
// the state is Reconnecting, so new requests fail with BackendUnavailable.
func (c *Client) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectBase
	policy.Multiplier = reconnectFactor
	policy.MaxInterval = reconnectCap

	attempt := 0
	operation := func() (struct{}, error) {
		if c.state.Load() != stateReconnecting {
			return struct{}{}, backoff.Permanent(fmt.Errorf("client no longer reconnecting"))
		}
		attempt++
		c.logger.Info("reconnect attempt", zap.Int("attempt", attempt))
		err := c.spawnAndInitialize(context.Background())
		c.emit("backend:reconnect", err == nil, map[string]interface{}{
			"attempt": attempt, "error": errString(err),
		})
		return struct{}{}, err
	}

	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(policy), backoff.WithMaxTries(reconnectAttempts))
	if err != nil {
		c.logger.Error("reconnect exhausted", zap.Error(err))
		c.terminate()
		return
	}
	c.finishReconnect()
}

// finishReconnect publishes the respawned child. A Stop that landed after the
// respawn already moved the state past Reconnecting and killed the child; the
// failed swap must not resurrect Ready, so the fresh process is torn down too.
func (c *Client) finishReconnect() {
	if !c.state.CompareAndSwap(stateReconnecting, stateReady) {
		c.terminate()
		return
	}
	c.logger.Info("backend reconnected")
}

// terminate moves to the absorbing state, kills the process and fails all
// waiters.
func (c *Client) terminate() {
	c.state.Store(stateTerminated)

	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc != nil {
		proc.kill(c.logger)
	}
	c.failPending(apperr.ClientStopped(c.cfg.Name))
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) failPending(cause *apperr.Error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[int64]chan pendingResult)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- pendingResult{err: cause}
	}
}

func (c *Client) emit(action string, success bool, details map[string]interface{}) {
	if c.onEvent != nil {
		c.onEvent(action, success, details)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
