package router

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/bus"
	"github.com/ashby-io/ashby/internal/jsonrpc"
	"github.com/ashby-io/ashby/internal/supervisor"
	"github.com/ashby-io/ashby/internal/transport"
)

// fakeTool is an in-memory stdio server answering tools/list and tools/call,
// wrapped in a real JSON-RPC client the router can dispatch through.
type fakeTool struct {
	client *jsonrpc.Client
	fail   atomic.Bool
	calls  atomic.Int64
}

func newFakeTool(t *testing.T, tools []jsonrpc.ToolDescriptor) *fakeTool {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	tr := transport.New(stdinW, stdoutR, zap.NewNop())
	f := &fakeTool{client: jsonrpc.NewClient(tr, zap.NewNop())}

	go func() {
		sc := bufio.NewScanner(stdinR)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			var msg jsonrpc.Message
			if json.Unmarshal(sc.Bytes(), &msg) != nil || !msg.HasID() {
				continue
			}
			var line string
			switch {
			case f.fail.Load():
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32603,"message":"server on fire"}}`, msg.ID)
			case msg.Method == "tools/list":
				raw, _ := json.Marshal(map[string]any{"tools": tools})
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, msg.ID, raw)
			case msg.Method == "tools/call":
				f.calls.Add(1)
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"echoed":%s}}`, msg.ID, msg.Params)
			default:
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{}}`, msg.ID)
			}
			if _, err := io.WriteString(stdoutW, line+"\n"); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		_ = stdoutW.Close()
		_ = tr.Close()
		_ = stdinR.Close()
	})
	return f
}

// fakeBackend is a scriptable supervisor stand-in.
type fakeBackend struct {
	mu      sync.Mutex
	servers map[string]supervisor.ServerInfo
	clients map[string]*jsonrpc.Client
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		servers: map[string]supervisor.ServerInfo{},
		clients: map[string]*jsonrpc.Client{},
	}
}

func (b *fakeBackend) add(id, capability string, tool *fakeTool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers[id] = supervisor.ServerInfo{
		ID:         id,
		Package:    "mcp-" + capability,
		Capability: capability,
		Status:     supervisor.StatusRunning,
	}
	b.clients[id] = tool.client
}

func (b *fakeBackend) drop(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.servers, id)
	delete(b.clients, id)
}

func (b *fakeBackend) List() []supervisor.ServerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]supervisor.ServerInfo, 0, len(b.servers))
	for _, info := range b.servers {
		out = append(out, info)
	}
	return out
}

func (b *fakeBackend) IsRunning(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.servers[id]
	return ok
}

func (b *fakeBackend) Client(id string) (*jsonrpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	if !ok {
		return nil, supervisor.ErrNotFound
	}
	return c, nil
}

func newTestRouter(backend Backend) *Router {
	return New(backend, bus.New(), nil, time.Hour, time.Second, zap.NewNop())
}

func TestRefreshBuildsCapabilityMap(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.add("srv-1", "weather", newFakeTool(t, []jsonrpc.ToolDescriptor{
		{Name: "get_forecast"},
	}))
	r := newTestRouter(backend)

	r.Refresh(context.Background())

	require.Equal(t, []string{"get_forecast", "weather"}, r.Capabilities())

	p, err := r.Resolve("weather")
	require.NoError(t, err)
	require.Equal(t, "srv-1", p.ServerID)
	require.Equal(t, "get_forecast", p.Tool)
}

func TestResolveNoProvider(t *testing.T) {
	t.Parallel()
	r := newTestRouter(newFakeBackend())

	_, err := r.Resolve("blockchain")
	require.ErrorIs(t, err, ErrNoProvider)
	require.EqualError(t, err, "no provider for capability 'blockchain'")
}

func TestResolveSkipsDeadServers(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.add("srv-1", "weather", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "t"}}))
	r := newTestRouter(backend)
	r.Refresh(context.Background())

	// The server dies between refresh cycles; the stale snapshot entry must
	// be filtered at resolve time.
	backend.drop("srv-1")

	_, err := r.Resolve("weather")
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestResolvePrefersHigherScore(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	// srv-a exposes "search" only as a normalized tool name (score 0.5);
	// srv-b was acquired for it (score 1) and must win.
	backend.add("srv-a", "other", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "search"}}))
	backend.add("srv-b", "search", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "do_search"}}))
	r := newTestRouter(backend)
	r.Refresh(context.Background())

	p, err := r.Resolve("search")
	require.NoError(t, err)
	require.Equal(t, "srv-b", p.ServerID)
}

func TestRefreshRetainsStaleEntriesForOneCycle(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	tool := newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "query"}})
	backend.add("srv-1", "database", tool)
	r := newTestRouter(backend)
	r.Refresh(context.Background())
	require.Contains(t, r.Capabilities(), "database")

	// tools/list starts failing. First failed cycle keeps the entries.
	tool.fail.Store(true)
	r.Refresh(context.Background())
	require.Contains(t, r.Capabilities(), "database")

	// Second consecutive failure drops the server.
	r.Refresh(context.Background())
	require.NotContains(t, r.Capabilities(), "database")
}

func TestRemoveServerDropsItsEntries(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	backend.add("srv-1", "weather", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "a"}}))
	backend.add("srv-2", "files", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "b"}}))
	r := newTestRouter(backend)
	r.Refresh(context.Background())

	r.removeServer("srv-1")

	require.NotContains(t, r.Capabilities(), "weather")
	require.Contains(t, r.Capabilities(), "files")
}

func TestAddServerPublishesWithoutFullRefresh(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	r := newTestRouter(backend)

	backend.add("srv-1", "weather", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "get_forecast"}}))
	r.addServer(context.Background(), "srv-1")

	require.Contains(t, r.Capabilities(), "weather")
}

func TestChangedWakesOnPublish(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	r := newTestRouter(backend)

	ch := r.Changed()
	select {
	case <-ch:
		t.Fatal("changed fired before any publish")
	default:
	}

	backend.add("srv-1", "weather", newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "t"}}))
	r.Refresh(context.Background())

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("changed not signalled by refresh")
	}
}

func TestExecuteDispatchesToProvider(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	tool := newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "get_forecast"}})
	backend.add("srv-1", "weather", tool)
	r := newTestRouter(backend)
	r.Refresh(context.Background())

	result, err := r.Execute(context.Background(), "weather", json.RawMessage(`{"city":"Oslo"}`), time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), tool.calls.Load())

	var decoded struct {
		Echoed struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"echoed"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	require.Equal(t, "get_forecast", decoded.Echoed.Name)
	require.JSONEq(t, `{"city":"Oslo"}`, string(decoded.Echoed.Arguments))
}

func TestExecutePropagatesProviderError(t *testing.T) {
	t.Parallel()
	backend := newFakeBackend()
	tool := newFakeTool(t, []jsonrpc.ToolDescriptor{{Name: "t"}})
	backend.add("srv-1", "weather", tool)
	r := newTestRouter(backend)
	r.Refresh(context.Background())

	tool.fail.Store(true)
	_, err := r.Execute(context.Background(), "weather", nil, time.Second)

	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, jsonrpc.CodeInternalError, rpcErr.Code)
}

func TestExecuteNoProvider(t *testing.T) {
	t.Parallel()
	r := newTestRouter(newFakeBackend())

	_, err := r.Execute(context.Background(), "blockchain", nil, time.Second)
	require.EqualError(t, err, "no provider for capability 'blockchain'")
}

func TestDefaultMapFunc(t *testing.T) {
	t.Parallel()
	acquired := supervisor.ServerInfo{ID: "s", Capability: "weather"}

	maps := DefaultMapFunc(acquired, jsonrpc.ToolDescriptor{Name: "Get_Forecast "})
	require.Equal(t, []Mapping{
		{Capability: "weather", Score: 1},
		{Capability: "get_forecast", Score: 0.5},
	}, maps)

	// A tool named exactly after the capability contributes one mapping.
	maps = DefaultMapFunc(acquired, jsonrpc.ToolDescriptor{Name: "weather"})
	require.Equal(t, []Mapping{{Capability: "weather", Score: 1}}, maps)

	// Manually spawned servers have no acquisition capability.
	manual := supervisor.ServerInfo{ID: "m"}
	maps = DefaultMapFunc(manual, jsonrpc.ToolDescriptor{Name: "list_files"})
	require.Equal(t, []Mapping{{Capability: "list_files", Score: 0.5}}, maps)
}
