package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/transport"
)

var (
	// ErrTimeout is returned when a call's deadline expires before a reply
	// arrives. A late reply for the same id is silently dropped.
	ErrTimeout = errors.New("jsonrpc: request timed out")

	// ErrTransportClosed is returned for calls issued after, or in flight
	// when, the underlying transport dies.
	ErrTransportClosed = errors.New("jsonrpc: transport closed")

	// ErrAlreadyInitialized is a non-fatal signal that Initialize was called
	// twice; the first handshake's result stands.
	ErrAlreadyInitialized = errors.New("jsonrpc: already initialized")
)

// protocolVersion is the MCP protocol revision sent in the initialize
// handshake.
const protocolVersion = "2024-11-05"

// ToolDescriptor describes one tool advertised by a server via tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// NotificationHandler receives server→client notifications. It runs on the
// dispatcher goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	method string
	sentAt time.Time
	// reply is a single-use rendezvous: the dispatcher delivers exactly one
	// value, the caller receives exactly one. Buffered so a delivery racing
	// a timeout never blocks the dispatcher.
	reply chan *Message
}

// Client speaks JSON-RPC 2.0 over one child's transport. It owns the pending
// table; all inbound traffic is processed by a single dispatcher goroutine.
// Safe for concurrent use by multiple callers.
type Client struct {
	tr     *transport.Transport
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool

	// initialized is checked under mu rather than a sync.Once: two racing
	// first Initialize calls may both send the request, which the handshake
	// semantics tolerate (the duplicate is answered or rejected as already
	// initialized, and the recorded result stands).
	initialized  bool
	capabilities json.RawMessage

	onNotify NotificationHandler

	// done is closed when the dispatcher exits (transport EOF or Close).
	done chan struct{}
}

// NewClient wraps a transport and starts the dispatcher goroutine.
func NewClient(tr *transport.Transport, logger *zap.Logger) *Client {
	c := &Client{
		tr:      tr,
		logger:  logger,
		nextID:  1,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// OnNotification registers the handler invoked for server→client
// notifications. Must be called before the server starts emitting them to
// avoid drops; typically right after NewClient.
func (c *Client) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.onNotify = h
	c.mu.Unlock()
}

// Initialize performs the mandatory opening handshake and records the
// server's declared capabilities. Calling it again is a no-op returning the
// recorded result (AlreadyInitialized is not an error condition).
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.initialized {
		caps := c.capabilities
		c.mu.Unlock()
		return caps, nil
	}
	c.mu.Unlock()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "ashbyd",
			"version": "1",
		},
	}
	result, err := c.Call(ctx, "initialize", params, timeout)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeInvalidRequest {
			// Some servers answer a second initialize with an error rather
			// than echoing the original result. Treat as already done.
			c.mu.Lock()
			c.initialized = true
			caps := c.capabilities
			c.mu.Unlock()
			return caps, nil
		}
		return nil, err
	}

	var decoded struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.capabilities = decoded.Capabilities
	c.mu.Unlock()

	// The protocol requires an initialized notification before normal
	// traffic; servers that predate it simply ignore the unknown method.
	if err := c.Notify("notifications/initialized", nil); err != nil {
		c.logger.Debug("initialized notification not delivered", zap.Error(err))
	}
	return decoded.Capabilities, nil
}

// ListTools fetches the server's advertised tools.
func (c *Client) ListTools(ctx context.Context, timeout time.Duration) ([]ToolDescriptor, error) {
	result, err := c.Call(ctx, "tools/list", nil, timeout)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode tools/list result: %w", err)
	}
	return decoded.Tools, nil
}

// CallTool invokes one named tool with the given arguments and returns the
// raw result payload.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	if args == nil {
		params["arguments"] = map[string]any{}
	}
	return c.Call(ctx, "tools/call", params, timeout)
}

// Call sends one request and blocks until its response, the timeout, context
// cancellation, or transport death — whichever comes first. On success the
// result payload is returned; a JSON-RPC error response comes back as *Error.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := c.nextID
	c.nextID++
	call := &pendingCall{
		method: method,
		sentAt: time.Now(),
		reply:  make(chan *Message, 1),
	}
	c.pending[id] = call
	c.mu.Unlock()

	req, err := newRequest(id, method, params)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("jsonrpc: marshal %s request: %w", method, err)
	}

	if err := c.tr.Send(payload); err != nil {
		c.forget(id)
		if errors.Is(err, transport.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("jsonrpc: send %s request: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.reply:
		if resp == nil {
			return nil, ErrTransportClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil

	case <-timer.C:
		c.forget(id)
		c.logger.Warn("request timed out",
			zap.String("method", method),
			zap.Int64("id", id),
			zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)

	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	n, err := newNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("jsonrpc: marshal %s notification: %w", method, err)
	}
	if err := c.tr.Send(payload); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("jsonrpc: send %s notification: %w", method, err)
	}
	return nil
}

// Done is closed once the dispatcher has exited and all pending calls have
// been failed. Used by the supervisor to observe protocol-level death.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// forget removes a pending entry, typically on timeout or cancellation. A
// reply arriving afterwards is dropped by the dispatcher as a late reply.
func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dispatch is the client's single inbound-processing goroutine. It reads
// complete lines from the transport, unwraps batches, and routes each
// element. When the transport dies it fails every outstanding call with
// ErrTransportClosed and clears the table.
func (c *Client) dispatch() {
	defer close(c.done)
	defer c.failAll()

	for line := range c.tr.Messages() {
		elems, decErr := Decode(line)
		if decErr != nil {
			// Malformed traffic is dropped; pending requests stay pending
			// until their own deadlines. The child is not killed for it.
			c.logger.Warn("dropping undecodable line from server",
				zap.Int("code", decErr.Code),
				zap.String("reason", decErr.Message))
			continue
		}
		for _, raw := range elems {
			c.route(raw)
		}
	}
}

// route handles one decoded message (possibly a batch element).
func (c *Client) route(raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("dropping malformed batch element", zap.Error(err))
		return
	}

	kind, verr := msg.Classify()
	if verr != nil {
		c.logger.Warn("dropping invalid message from server",
			zap.Int("code", verr.Code),
			zap.String("reason", verr.Message))
		return
	}

	switch kind {
	case KindResponse:
		c.deliver(&msg)

	case KindRequest:
		// We register no server→client method handlers; answer every
		// request with MethodNotFound so well-behaved servers can move on.
		resp := newErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
		payload, _ := json.Marshal(resp)
		if err := c.tr.Send(payload); err != nil {
			c.logger.Debug("could not answer server request", zap.Error(err))
		}

	case KindNotification:
		c.mu.Lock()
		h := c.onNotify
		c.mu.Unlock()
		if h != nil {
			h(msg.Method, msg.Params)
		}
	}
}

// deliver hands a response to its waiting caller, or drops it if the id is
// unknown (late reply after timeout, or a server inventing ids).
func (c *Client) deliver(msg *Message) {
	if msg.IDIsNull() {
		c.logger.Warn("dropping response with null id")
		return
	}
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Warn("dropping response with non-numeric id",
			zap.ByteString("id", msg.ID))
		return
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping late or unknown reply", zap.Int64("id", id))
		return
	}
	call.reply <- msg
}

// failAll fails every outstanding call with ErrTransportClosed. Called
// exactly once, when the dispatcher exits.
func (c *Client) failAll() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for id, call := range pending {
		c.logger.Debug("failing pending call on transport death",
			zap.Int64("id", id),
			zap.String("method", call.method))
		call.reply <- nil
	}
}
