package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ontology-engine/pkg/audit"
)

func respondWith(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
}

func callTool(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const decideCall = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"decide_relation","arguments":{"relation_id":"abc123","decision":"accepted"}}}`

func TestMCPRequestLogger_ToolSuccess(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := MCPRequestLogger(zap.New(core))(respondWith(`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{}"}]}}`))

	rec := callTool(t, handler, decideCall)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 2, logs.Len())
	call := logs.All()[0]
	assert.Equal(t, "MCP tool call", call.Message)
	assert.Equal(t, "decide_relation", call.ContextMap()["tool"])
	assert.Equal(t, "abc123", call.ContextMap()["relation_id"])
	assert.Equal(t, "accepted", call.ContextMap()["decision"])

	done := logs.All()[1]
	assert.Equal(t, "MCP tool call succeeded", done.Message)
	assert.NotNil(t, done.ContextMap()["duration"])
}

func TestMCPRequestLogger_ToolErrorResult(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := MCPRequestLogger(zap.New(core))(respondWith(
		`{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"relation candidate not found"}]}}`))

	callTool(t, handler, decideCall)

	require.Equal(t, 2, logs.Len())
	failed := logs.All()[1]
	assert.Equal(t, zapcore.InfoLevel, failed.Level)
	assert.Equal(t, "tool_error", failed.ContextMap()["outcome"])
	assert.Equal(t, "relation candidate not found", failed.ContextMap()["error"])
}

func TestMCPRequestLogger_RPCError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := MCPRequestLogger(zap.New(core))(respondWith(
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"unknown tool"}}`))

	callTool(t, handler, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "rpc_error", logs.All()[1].ContextMap()["outcome"])
	assert.Equal(t, "unknown tool", logs.All()[1].ContextMap()["error"])
}

func TestMCPRequestLogger_NonToolMethods(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var gotBody string
	handler := MCPRequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
	}))

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	callTool(t, handler, body)

	assert.Equal(t, body, gotBody, "body must be restored for the MCP server")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "MCP request", logs.All()[0].Message)
	assert.Equal(t, "tools/list", logs.All()[0].ContextMap()["method"])
}

func TestMCPRequestLogger_InvalidJSONPassesThrough(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	called := false
	handler := MCPRequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	callTool(t, handler, `not json`)

	assert.True(t, called)
	assert.Equal(t, 0, logs.Len())
}

func TestClassifyToolResponse_SSEFrame(t *testing.T) {
	outcome, msg := classifyToolResponse([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"isError\":true,\"content\":[{\"type\":\"text\",\"text\":\"boom\"}]}}\n\n"))
	assert.Equal(t, "tool_error", outcome)
	assert.Equal(t, "boom", msg)
}

func TestSanitizeArguments(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := sanitizeArguments(map[string]any{
		"primary_key": "web|prod",
		"api_key":     "sk-live",
		"auth_token":  "t",
		"entity_type": long,
		"limit":       float64(5),
	})

	assert.Equal(t, "web|prod", got["primary_key"])
	assert.Equal(t, "[REDACTED]", got["api_key"])
	assert.Equal(t, "[REDACTED]", got["auth_token"])
	assert.Len(t, got["entity_type"], maxLoggedArgument+3)
	assert.Equal(t, float64(5), got["limit"])
	assert.Nil(t, sanitizeArguments(nil))
}

func TestMCPRequestLogger_MarksOriginAsMCP(t *testing.T) {
	var origin audit.Origin
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin = audit.OriginFrom(r.Context())
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	})
	handler := RequestLogger(nil)(MCPRequestLogger(nil)(inner))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(decideCall))
	req.Header.Set(RequestIDHeader, "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "mcp", origin.Source)
	assert.Equal(t, "req-7", origin.RequestID)
	assert.NotEmpty(t, origin.ClientIP)
}
